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

// Package cardemu implements the card side of ISO/IEC 7816-3: it makes a
// device answer a smart card reader as a contact card would.
//
// A Card is driven by an Adapter that owns the UART and the waiting time
// counter. The adapter reports contact changes, received bytes, transmit
// readiness and timer expiries through the EventSink methods; the card
// answers with configuration calls and bytes. The layer above feeds
// outbound frames through TxQueue and receives inbound bytes through an
// RxHandler.
//
// Event methods never block and never allocate on the normal path. They
// are not reentrant: calls for one card must not overlap. Status, Phase,
// SetATR, HaveNewTx and the TxQueue producer side may be used from any
// goroutine.
package cardemu

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-cardemu/internal/pps"
	"github.com/ZaparooProject/go-cardemu/internal/syncutil"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
)

var _ EventSink = (*Card)(nil)

// Card is the protocol state of one emulated card slot.
type Card struct {
	adapter   Adapter
	reporter  StatusReporter
	rxHandler RxHandler
	onWTHalf  func(slot uint8)
	clock     Clock
	queue     *TxQueue

	// shared with API callers on other goroutines
	lastErr       atomic.Pointer[ProtocolError]
	phase         atomic.Int32
	lines         atomic.Uint32
	f             atomic.Uint32
	d             atomic.Uint32
	wt            atomic.Uint32
	rxParityTotal atomic.Uint32
	txParityTotal atomic.Uint32
	resetCount    atomic.Uint32
	haltCount     atomic.Uint32
	rxCount       atomic.Uint32
	txCount       atomic.Uint32
	atrSending    atomic.Bool
	wtExtension   atomic.Bool

	// held is written on reset in the event context and read there without
	// the lock; status readers take atrMu.
	atrMu      syncutil.Mutex
	held       atr.ATR
	pending    atr.ATR
	hasPending bool

	// event context only
	resetAt    time.Time
	holdTime   time.Duration
	pps        pps.Parser
	ppsResp    [pps.MaxLength]byte
	ppsRespLen int
	ppsRespIdx int
	atrIdx     int
	rxRetries  int
	txRetries  int
	maxRetries int
	negF       uint16
	negD       uint8
	lastTx     byte
	lastSrc    txSource
	ids        Identifiers
	atrDone    bool
	negPPS1    bool
	retransmit bool
	nullSend   bool
	txActive   bool
}

// New creates the handle for one slot. The card starts powered off and
// waits for the reader to raise VCC. cfg may be nil for defaults.
func New(ids Identifiers, adapter Adapter, cfg *Config) (*Card, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: nil adapter", ErrInvalidConfig)
	}
	var conf Config
	if cfg != nil {
		conf = *cfg
	} else {
		conf = *DefaultConfig()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	initial, err := validateATR(conf.ATR)
	if err != nil {
		return nil, err
	}

	c := &Card{
		adapter:    adapter,
		reporter:   conf.Reporter,
		rxHandler:  conf.RxHandler,
		onWTHalf:   conf.OnWaitingTimeHalfed,
		clock:      conf.Clock,
		queue:      NewTxQueue(conf.TxQueueDepth),
		ids:        ids,
		holdTime:   conf.resetHoldTime(),
		maxRetries: conf.MaxParityRetries,
		held:       initial,
	}
	c.phase.Store(int32(PhasePoweredOff))
	c.f.Store(uint32(atr.DefaultF))
	c.d.Store(uint32(atr.DefaultD))

	Debugf("slot %d: card created (timer %d, uart %d, ATR %s)",
		ids.Slot, ids.TimerChannel, ids.UARTChannel, initial.String())
	return c, nil
}

// validateATR parses b and checks that the card can honour its Fi/Di.
func validateATR(b []byte) (atr.ATR, error) {
	if len(b) > atr.MaxLength {
		return atr.ATR{}, fmt.Errorf("%w: %d bytes", ErrATRTooLong, len(b))
	}
	parsed, err := atr.Parse(b)
	if err != nil {
		return atr.ATR{}, fmt.Errorf("%w: %w", ErrATRMalformed, err)
	}
	if parsed.HasTA1() && !atr.ValidFiDi(parsed.FiIndex(), parsed.DiIndex()) {
		return atr.ATR{}, fmt.Errorf("%w: TA1 Fi=%X Di=%X", ErrUnsupportedFD, parsed.FiIndex(), parsed.DiIndex())
	}
	return parsed, nil
}

// Identifiers returns the slot and channel identifiers of the card.
func (c *Card) Identifiers() Identifiers { return c.ids }

// Phase returns the current protocol phase.
func (c *Card) Phase() Phase { return Phase(c.phase.Load()) }

// LastError returns the error that last halted the card, or nil.
func (c *Card) LastError() error {
	if p := c.lastErr.Load(); p != nil {
		return p
	}
	return nil
}

// FD returns the F and D values last pushed to the adapter.
func (c *Card) FD() (f uint16, d uint8) {
	return uint16(c.f.Load()), uint8(c.d.Load())
}

// TxQueue returns the outbound frame queue of the card.
func (c *Card) TxQueue() *TxQueue { return c.queue }

// Enqueue appends a frame to the TX queue and notifies the card.
func (c *Card) Enqueue(frame []byte) error {
	if err := c.queue.Enqueue(frame); err != nil {
		return newProtocolError(c.ids.Slot, "Enqueue", c.Phase(), err)
	}
	c.HaveNewTx()
	return nil
}

// HaveNewTx tells the card that the producer appended to the TX queue.
// Outside TPDU exchange the data waits for the next exchange phase.
func (c *Card) HaveNewTx() {
	if c.Phase() == PhaseTPDUExchange {
		c.adapter.Interrupt(c.ids.UARTChannel)
	}
}

// RequestWaitingTimeExtension asks the card to send a NULL procedure byte
// when the waiting time is half over, keeping the reader waiting while the
// layer above prepares its answer.
func (c *Card) RequestWaitingTimeExtension() {
	c.wtExtension.Store(true)
}
