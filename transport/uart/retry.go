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

package uart

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"go.bug.st/serial"
)

// RetryConfig configures how OpenWithRetry waits for a port to appear.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (0 = no retry)
	MaxAttempts int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff increases
	BackoffMultiplier float64
	// Jitter adds up to this fraction of randomness to each backoff
	Jitter float64
}

// DefaultRetryConfig returns a default retry configuration. USB serial
// adapters take a moment to enumerate after being plugged in.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// OpenWithRetry opens the port, retrying while it is missing or busy.
func OpenWithRetry(ctx context.Context, cfg Config, rc *RetryConfig) (*Bridge, error) {
	return openWithRetry(ctx, rc, func() (*Bridge, error) { return Open(cfg) }, isRetryableOpenError)
}

func openWithRetry(
	ctx context.Context,
	config *RetryConfig,
	open func() (*Bridge, error),
	retryable func(error) bool,
) (*Bridge, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return open()
	}

	var lastErr error
	backoff := config.InitialBackoff
	for attempt := range config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("open cancelled: %w", err)
		}

		b, err := open()
		if err == nil {
			return b, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		cardemu.Debugf("uart: open attempt %d: %v", attempt+1, err)

		if attempt < config.MaxAttempts-1 {
			if err := sleepWithContext(ctx, calculateJitteredSleep(backoff, config.Jitter)); err != nil {
				return nil, lastErr
			}
			backoff = calculateNextBackoff(backoff, config)
		}
	}
	return nil, lastErr
}

// isRetryableOpenError reports whether the port may still show up or be
// released by another process.
func isRetryableOpenError(err error) bool {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return false
	}
	switch portErr.Code() {
	case serial.PortNotFound, serial.PortBusy:
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, sleep time.Duration) error {
	timer := time.NewTimer(sleep)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func calculateNextBackoff(backoff time.Duration, config *RetryConfig) time.Duration {
	newBackoff := time.Duration(float64(backoff) * config.BackoffMultiplier)
	if newBackoff > config.MaxBackoff {
		return config.MaxBackoff
	}
	return newBackoff
}

// calculateJitteredSleep calculates sleep duration with jitter
func calculateJitteredSleep(baseSleep time.Duration, jitterFactor float64) time.Duration {
	sleep := baseSleep
	if jitterFactor > 0 {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err == nil {
			// Convert to float64 in range [0, 1)
			randUint := binary.LittleEndian.Uint64(randBytes[:])
			randFloat := float64(randUint) / float64(1<<64)
			jitter := float64(sleep) * jitterFactor
			sleep += time.Duration(randFloat * jitter)
		}
	}
	return sleep
}
