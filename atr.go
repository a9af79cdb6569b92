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
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
)

// SetATR latches b as the ATR for the next reset. The ATR being held, and
// any delivery in flight, are not touched. Rejected while an ATR is being
// sent, so a reset right now still answers with the old one.
func (c *Card) SetATR(b []byte) error {
	parsed, err := validateATR(b)
	if err != nil {
		return newProtocolError(c.ids.Slot, "SetATR", c.Phase(), err)
	}
	if c.atrSending.Load() {
		return newProtocolError(c.ids.Slot, "SetATR", c.Phase(), ErrATRInFlight)
	}

	c.atrMu.Lock()
	c.pending = parsed
	c.hasPending = true
	c.atrMu.Unlock()

	Debugf("slot %d: ATR %s pending for next reset", c.ids.Slot, parsed.String())
	return nil
}

// ATR returns a copy of the ATR sent on reset.
func (c *Card) ATR() []byte {
	c.atrMu.Lock()
	defer c.atrMu.Unlock()
	return c.held.Bytes()
}

// PendingATR reports whether SetATR latched an ATR for the next reset.
func (c *Card) PendingATR() bool {
	c.atrMu.Lock()
	defer c.atrMu.Unlock()
	return c.hasPending
}

// latchPendingATR makes a pending ATR the held one. Called on reset.
func (c *Card) latchPendingATR() {
	c.atrMu.Lock()
	if c.hasPending {
		c.held = c.pending
		c.hasPending = false
	}
	c.atrMu.Unlock()
}

// startATR enters ATR delivery at default F/D and kicks the transmitter.
func (c *Card) startATR() {
	ch := c.ids.UARTChannel
	c.atrIdx = 0
	c.atrDone = false
	c.atrSending.Store(true)

	wt := c.held.WaitingTime(atr.DefaultF, atr.DefaultD)
	c.wt.Store(wt)
	c.adapter.UpdateWT(ch, wt)

	c.setPhase(PhaseATRDelivery)
	c.startTx()
	c.adapter.Interrupt(ch)
}

// txATR sends the next ATR byte. Once all bytes went out without an
// error signal, delivery completes.
func (c *Card) txATR() (bool, error) {
	if c.atrIdx < c.held.Len() {
		b := c.held.At(c.atrIdx)
		c.atrIdx++
		return c.send(b, txATR)
	}
	if !c.atrDone {
		c.finishATR()
	}
	if c.Phase() == PhaseTPDUExchange {
		return c.txExchange()
	}
	c.stopTx()
	return false, nil
}

// finishATR switches the line to reception. When the ATR allows a PPS
// exchange the card stays in ATR delivery until the first reader byte
// shows whether one follows.
func (c *Card) finishATR() {
	c.atrDone = true
	c.atrSending.Store(false)
	c.stopTx()

	if c.held.NegotiationAllowed() {
		c.pps.Reset()
		if debugActive() {
			Debugf("slot %d: ATR sent, waiting for PPS or TPDU", c.ids.Slot)
		}
		return
	}

	// Specific mode: TA1 applies right away unless TA2 says implicit.
	if c.held.HasTA1() && !c.held.SpecificImplicit() {
		c.applyFD(c.held.Fi(), c.held.Di(), c.held.Fi())
	}
	c.setPhase(PhaseTPDUExchange)
}

// applyFD pushes new transmission factors and the matching waiting time.
// fi is the F the waiting time is defined with: the negotiated F after an
// accepted PPS1, otherwise Fi from the ATR.
func (c *Card) applyFD(f uint16, d uint8, fi uint16) {
	ch := c.ids.UARTChannel
	c.f.Store(uint32(f))
	c.d.Store(uint32(d))
	c.adapter.UpdateFD(ch, f, d)

	wt := atr.WaitingTime(c.held.WI(), fi, f, d)
	c.wt.Store(wt)
	c.adapter.UpdateWT(ch, wt)
}
