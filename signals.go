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

import "github.com/ZaparooProject/go-cardemu/pkg/atr"

// IOStateChanged reports a change of a reader driven contact. For RST,
// active means reset asserted.
//
// Power up with RST asserted, or an RST assert edge while powered, resets
// the card from any phase, HALTED included. Releasing RST after a long
// enough hold starts ATR delivery. Dropping VCC powers the card down.
func (c *Card) IOStateChanged(sig Signal, active bool) {
	bit := lineBit(sig)
	if bit == 0 {
		Debugf("slot %d: ignoring unknown signal %s", c.ids.Slot, sig)
		return
	}

	prev := c.lines.Load()
	next := prev &^ bit
	if active {
		next |= bit
	}
	c.lines.Store(next)
	was := prev&bit != 0

	if debugActive() {
		Debugf("slot %d: %s %s", c.ids.Slot, sig, onOff(active))
	}

	switch sig {
	case SignalVCC:
		switch {
		case was && !active:
			c.powerDown()
		case !was && active && next&lineRST != 0:
			c.enterReset()
		}
	case SignalRST:
		if next&lineVCC == 0 {
			return
		}
		switch {
		case !was && active:
			c.enterReset()
		case was && !active:
			c.releaseReset()
		}
	case SignalCLK:
		// latched, checked on reset release
	}
}

func onOff(active bool) string {
	if active {
		return "on"
	}
	return "off"
}

// powerDown stops all activity. The pending ATR, if any, survives.
func (c *Card) powerDown() {
	ch := c.ids.UARTChannel
	c.queue.flush()
	c.clearTx()
	c.adapter.Enable(ch, 0)
	c.adapter.UpdateWT(ch, 0)
	c.wt.Store(0)
	c.setPhase(PhasePoweredOff)
	c.ReportStatus()
}

// enterReset aborts whatever was in progress and returns to default
// transmission parameters. A pending ATR becomes the one to send.
func (c *Card) enterReset() {
	ch := c.ids.UARTChannel
	c.resetCount.Add(1)

	c.queue.flush()
	c.clearTx()
	c.adapter.Enable(ch, 0)
	c.adapter.UpdateWT(ch, 0)
	c.wt.Store(0)

	c.latchPendingATR()
	c.f.Store(uint32(atr.DefaultF))
	c.d.Store(uint32(atr.DefaultD))
	c.adapter.UpdateFD(ch, atr.DefaultF, atr.DefaultD)

	c.resetAt = c.clock.Now()
	c.setPhase(PhaseResetAsserted)
}

// releaseReset starts ATR delivery unless the clock is stopped or the
// reset pulse was too short to count.
func (c *Card) releaseReset() {
	if c.Phase() != PhaseResetAsserted {
		return
	}
	if c.lines.Load()&lineCLK == 0 {
		c.halt("IOStateChanged", ErrClockStopped)
		return
	}
	if c.holdTime > 0 {
		if held := c.clock.Now().Sub(c.resetAt); held < c.holdTime {
			Debugf("slot %d: reset pulse of %v ignored, need %v", c.ids.Slot, held, c.holdTime)
			return
		}
	}
	c.startATR()
}

// clearTx drops per-reset exchange state. Event context only.
func (c *Card) clearTx() {
	c.atrIdx = 0
	c.atrDone = false
	c.atrSending.Store(false)
	c.pps.Reset()
	c.ppsRespLen = 0
	c.ppsRespIdx = 0
	c.negF, c.negD = atr.DefaultF, atr.DefaultD
	c.negPPS1 = false
	c.nullSend = false
	c.wtExtension.Store(false)
	c.retransmit = false
	c.lastSrc = txNone
	c.rxRetries = 0
	c.txRetries = 0
	c.txActive = false
}
