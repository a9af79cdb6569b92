// go-cardemu
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-cardemu.
//
// go-cardemu is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-cardemu is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-cardemu; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package testing

import (
	"math/rand/v2"
	"sync"
	"time"

	"go.bug.st/serial"
)

// JitterConfig configures the behavior of JitteryPort.
type JitterConfig struct {
	MaxLatency       time.Duration
	FragmentMinBytes int
	StallAfterBytes  int
	StallDuration    time.Duration
	Seed             uint64
	FragmentReads    bool
}

// DefaultJitterConfig returns a sensible default configuration for testing.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency:       2 * time.Millisecond,
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryPort wraps a serial.Port to simulate USB-UART bridges (FTDI,
// CP210x) that deliver received characters late and in arbitrary chunks.
// Only Read is affected; every other call goes straight to the backend.
type JitteryPort struct {
	serial.Port
	rng                 *rand.Rand
	readBuf             []byte
	config              JitterConfig
	mu                  sync.Mutex
	bytesReadSinceStall int
	stallTriggered      bool
}

// NewJitteryPort wraps backend with jitter simulation.
func NewJitteryPort(backend serial.Port, config JitterConfig) *JitteryPort {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // Test code, not crypto
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}
	return &JitteryPort{
		Port:    backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // Test code, not crypto
		readBuf: make([]byte, 0, 256),
	}
}

// Read returns buffered backend data after a random delay, possibly split
// across several calls. Nothing is lost.
func (j *JitteryPort) Read(buf []byte) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.config.MaxLatency > 0 {
		if delay := time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)); delay > 0 {
			time.Sleep(delay)
		}
	}

	if len(j.readBuf) == 0 {
		tmp := make([]byte, cap(j.readBuf))
		n, err := j.Port.Read(tmp)
		if err != nil || n == 0 {
			return 0, err //nolint:wrapcheck // Pass-through wrapper
		}
		j.readBuf = append(j.readBuf, tmp[:n]...)
	}

	toReturn := min(len(j.readBuf), len(buf))

	// Hold back once StallAfterBytes went out, like a bridge waiting for
	// its latency timer.
	if j.config.StallAfterBytes > 0 && !j.stallTriggered {
		if j.bytesReadSinceStall >= j.config.StallAfterBytes {
			j.stallTriggered = true
			if j.config.StallDuration > 0 {
				time.Sleep(j.config.StallDuration)
			}
		} else {
			toReturn = min(toReturn, j.config.StallAfterBytes-j.bytesReadSinceStall)
		}
	}

	if j.config.FragmentReads && toReturn > j.config.FragmentMinBytes {
		toReturn = j.config.FragmentMinBytes + j.rng.IntN(toReturn-j.config.FragmentMinBytes+1)
	}

	copy(buf, j.readBuf[:toReturn])
	j.readBuf = j.readBuf[toReturn:]
	j.bytesReadSinceStall += toReturn
	return toReturn, nil
}

// Buffered returns the number of bytes read from the backend but not yet
// handed out.
func (j *JitteryPort) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.readBuf)
}

// ResetStallState re-arms the stall.
func (j *JitteryPort) ResetStallState() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesReadSinceStall = 0
	j.stallTriggered = false
}
