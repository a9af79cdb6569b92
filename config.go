// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cardemu

import (
	"fmt"
	"time"

	"github.com/ZaparooProject/go-cardemu/pkg/atr"
)

// Clock is the time source used to measure the reset hold time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Identifiers fix the channels a card handle owns for its lifetime.
type Identifiers struct {
	Slot         uint8
	TimerChannel uint8
	UARTChannel  uint8
	USBInEP      uint8 // status endpoint, reported only
	USBIRQEP     uint8 // interrupt endpoint, reported only
}

// Config holds card configuration options
type Config struct {
	// Clock measures the reset hold time. Default: system clock
	Clock Clock

	// Reporter is notified of phase changes and status reports. Optional
	Reporter StatusReporter

	// RxHandler receives TPDU bytes. Optional
	RxHandler RxHandler

	// OnWaitingTimeHalfed runs when half the waiting time has elapsed in
	// TPDU exchange, before the card decides on a NULL byte. Call
	// RequestWaitingTimeExtension from here to keep the reader waiting.
	OnWaitingTimeHalfed func(slot uint8)

	// ATR is sent after every reset until SetATR replaces it.
	// Default: atr.Default()
	ATR []byte

	// ClockHz is the reader clock frequency used to convert the reset hold
	// time from cycles. Default: 3.5712 MHz
	ClockHz uint32

	// ResetHoldCycles is the minimum number of clock cycles RST must be held
	// for a reset to count. Shorter pulses are ignored. Default: 400
	ResetHoldCycles uint32

	// DisableResetHold accepts any RST pulse, however short.
	DisableResetHold bool

	// MaxParityRetries is the number of consecutive parity errors on one
	// byte, in either direction, that halts the card. Default: 3
	MaxParityRetries int

	// TxQueueDepth is the number of frames the TX queue holds. Default: 16
	TxQueueDepth int
}

// DefaultConfig returns the default card configuration
func DefaultConfig() *Config {
	return &Config{
		Clock:            SystemClock(),
		ATR:              atr.Default().Bytes(),
		ClockHz:          3571200,
		ResetHoldCycles:  400,
		MaxParityRetries: 3,
		TxQueueDepth:     16,
	}
}

// Validate checks the configuration and fills in zero values with defaults.
func (cfg *Config) Validate() error {
	def := DefaultConfig()
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.ATR == nil {
		cfg.ATR = def.ATR
	}
	if cfg.ClockHz == 0 {
		cfg.ClockHz = def.ClockHz
	}
	if cfg.ResetHoldCycles == 0 {
		cfg.ResetHoldCycles = def.ResetHoldCycles
	}
	if cfg.MaxParityRetries < 0 {
		return fmt.Errorf("%w: MaxParityRetries %d", ErrInvalidConfig, cfg.MaxParityRetries)
	}
	if cfg.MaxParityRetries == 0 {
		cfg.MaxParityRetries = def.MaxParityRetries
	}
	if cfg.TxQueueDepth < 0 {
		return fmt.Errorf("%w: TxQueueDepth %d", ErrInvalidConfig, cfg.TxQueueDepth)
	}
	if cfg.TxQueueDepth == 0 {
		cfg.TxQueueDepth = def.TxQueueDepth
	}
	return nil
}

// resetHoldTime converts ResetHoldCycles into a duration.
func (cfg *Config) resetHoldTime() time.Duration {
	if cfg.DisableResetHold || cfg.ClockHz == 0 || cfg.ResetHoldCycles == 0 {
		return 0
	}
	return time.Duration(uint64(cfg.ResetHoldCycles) * uint64(time.Second) / uint64(cfg.ClockHz))
}
