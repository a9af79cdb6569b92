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

	"github.com/ZaparooProject/go-cardemu/internal/pps"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
)

// rxPPS feeds one request byte to the PPS parser. A complete request is
// answered; a malformed one, or one for a protocol the ATR does not
// offer, halts the card.
func (c *Card) rxPPS(b byte) error {
	if c.ppsRespLen > 0 {
		return newProtocolError(c.ids.Slot, "ProcessRxByte", PhasePPSNegotiation, ErrInvalidPhase)
	}

	done, err := c.pps.Feed(b)
	if err != nil {
		c.halt("PPS", fmt.Errorf("%w: %w", ErrPPSMalformed, err))
		return c.LastError()
	}
	if !done {
		return nil
	}

	req := c.pps.Request()
	if !c.held.SupportsProtocol(req.Protocol) {
		c.halt("PPS", fmt.Errorf("%w: T=%d", ErrPPSUnsupported, req.Protocol))
		return c.LastError()
	}

	f, d, accept := c.negotiate(req)
	c.negF, c.negD, c.negPPS1 = f, d, accept
	c.ppsRespLen = pps.Encode(c.ppsResp[:], req.Protocol, accept, req.PPS1)
	c.ppsRespIdx = 0

	if debugActive() {
		Debugf("slot %d: PPS %s, answering F=%d D=%d", c.ids.Slot, req.String(), f, d)
	}
	c.startTx()
	c.adapter.Interrupt(c.ids.UARTChannel)
	return nil
}

// negotiate picks the F/D for a PPS request. PPS1 is accepted when it is
// a valid pair no faster than what TA1 offers; otherwise the card stays at
// the defaults and leaves PPS1 out of the response.
func (c *Card) negotiate(req pps.Request) (f uint16, d uint8, accept bool) {
	if !req.HasPPS1 {
		return atr.DefaultF, atr.DefaultD, false
	}
	fi, di := atr.SplitFiDi(req.PPS1)
	if !atr.ValidFiDi(fi, di) {
		return atr.DefaultF, atr.DefaultD, false
	}
	f, _ = atr.FiValue(fi)
	d, _ = atr.DiValue(di)
	if f > c.held.Fi() || d > c.held.Di() {
		return atr.DefaultF, atr.DefaultD, false
	}
	return f, d, true
}

// txPPS sends the PPS response. The new F/D take effect once its last
// byte has left the line.
func (c *Card) txPPS() (bool, error) {
	if c.ppsRespLen == 0 {
		c.stopTx()
		return false, nil
	}
	if c.ppsRespIdx < c.ppsRespLen {
		b := c.ppsResp[c.ppsRespIdx]
		c.ppsRespIdx++
		return c.send(b, txPPS)
	}
	c.finishPPS()
	return c.txExchange()
}

func (c *Card) finishPPS() {
	c.stopTx()
	fi := c.held.Fi()
	if c.negPPS1 {
		fi = c.negF
	}
	c.applyFD(c.negF, c.negD, fi)
	c.ppsRespLen = 0
	c.ppsRespIdx = 0
	c.setPhase(PhaseTPDUExchange)
}
