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
)

// NoiseConfig configures line noise injected by NoisyReader.
type NoiseConfig struct {
	// Seed makes a run reproducible. Zero picks a random seed.
	Seed uint64
	// RxErrorRate is the chance a byte sent to the card arrives with a
	// parity error, in [0,1].
	RxErrorRate float64
	// TxErrorRate is the chance the reader rejects a byte from the card.
	TxErrorRate float64
	// MaxBurst caps consecutive errors on one byte. Keep it below the
	// card's retry budget for runs that must complete.
	MaxBurst int
}

// DefaultNoiseConfig returns light noise that a card with the default
// retry budget always recovers from.
func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		RxErrorRate: 0.1,
		TxErrorRate: 0.1,
		MaxBurst:    2,
	}
}

// NoisyReader is a VirtualReader on a line that corrupts characters, the
// way a marginal contact or a long cable does. Every corrupted character
// is repeated, as ISO 7816-3 character repetition requires.
type NoisyReader struct {
	*VirtualReader
	rng      *rand.Rand
	config   NoiseConfig
	rxErrors int
	txErrors int
}

// NewNoisyReader wraps r with noise injection.
func NewNoisyReader(r *VirtualReader, config NoiseConfig) *NoisyReader {
	var rng *rand.Rand
	if config.Seed != 0 {
		rng = rand.New(rand.NewPCG(config.Seed, config.Seed^0xC0FFEE)) //nolint:gosec // Test code, not crypto
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // Test code, not crypto
	}
	if config.MaxBurst < 0 {
		config.MaxBurst = 0
	}
	return &NoisyReader{VirtualReader: r, rng: rng, config: config}
}

// burst returns how many times the next character gets corrupted.
func (n *NoisyReader) burst(rate float64) int {
	count := 0
	for count < n.config.MaxBurst && n.rng.Float64() < rate {
		count++
	}
	return count
}

// Send feeds data to the card, corrupting some characters first.
func (n *NoisyReader) Send(data ...byte) error {
	for _, b := range data {
		for i := n.burst(n.config.RxErrorRate); i > 0; i-- {
			n.rxErrors++
			if err := n.SendCorrupted(b ^ 0x01); err != nil {
				return err
			}
		}
		if err := n.VirtualReader.Send(b); err != nil {
			return err
		}
	}
	return nil
}

// PumpTx clocks bytes out of the card, rejecting some of them. Rejected
// bytes are dropped from the result since the card repeats them.
func (n *NoisyReader) PumpTx() ([]byte, error) {
	var out []byte
	errs := 0
	for i := 0; i < maxPump; i++ {
		start := n.adapter.txLen()
		sent, err := n.card.TxByte()
		if err != nil || !sent {
			return out, err
		}
		b := n.adapter.TxBytes()[start]
		if errs < n.config.MaxBurst && n.rng.Float64() < n.config.TxErrorRate {
			errs++
			n.txErrors++
			n.NackLastByte()
			continue
		}
		errs = 0
		out = append(out, b)
	}
	return out, ErrTxNotIdle
}

// SendPPS sends a PPS request over the noisy line.
func (n *NoisyReader) SendPPS(data []byte) ([]byte, error) {
	if err := n.Send(data...); err != nil {
		return nil, err
	}
	return n.PumpTx()
}

// Errors returns the number of injected errors in each direction.
func (n *NoisyReader) Errors() (rx, tx int) {
	return n.rxErrors, n.txErrors
}
