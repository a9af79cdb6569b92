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

import "github.com/ZaparooProject/go-cardemu/internal/pps"

// ProcessRxByte is called by the adapter for every byte received from the
// reader.
func (c *Card) ProcessRxByte(b byte) error {
	return c.ProcessRxByteFlags(b, 0)
}

// ProcessRxByteFlags is ProcessRxByte for adapters that report line errors
// with the byte. A byte with a parity error is answered with an error
// signal and dropped; too many in a row halt the card.
func (c *Card) ProcessRxByteFlags(b byte, flags RxFlags) error {
	phase := c.Phase()
	switch phase {
	case PhaseHalted:
		return newProtocolError(c.ids.Slot, "ProcessRxByte", phase, ErrHalted)
	case PhaseATRDelivery:
		if !c.atrDone {
			return newProtocolError(c.ids.Slot, "ProcessRxByte", phase, ErrInvalidPhase)
		}
	case PhasePPSNegotiation, PhaseTPDUExchange:
	default:
		return newProtocolError(c.ids.Slot, "ProcessRxByte", phase, ErrInvalidPhase)
	}

	c.adapter.ResetWT(c.ids.UARTChannel)
	if flags&RxParityError != 0 {
		return c.rxParityError(b)
	}
	if flags&RxOverrun != 0 {
		Debugf("slot %d: RX overrun before %02X", c.ids.Slot, b)
	}
	c.rxRetries = 0

	switch phase {
	case PhaseATRDelivery:
		return c.rxFirstByte(b)
	case PhasePPSNegotiation:
		return c.rxPPS(b)
	default:
		c.deliver(b)
		return nil
	}
}

// rxParityError pulls I/O low for the error signal so the reader repeats
// the character.
func (c *Card) rxParityError(b byte) error {
	c.rxParityTotal.Add(1)
	c.rxRetries++
	if debugActive() {
		Debugf("slot %d: RX parity error on %02X (%d/%d)", c.ids.Slot, b, c.rxRetries, c.maxRetries)
	}
	if c.rxRetries >= c.maxRetries {
		c.halt("ProcessRxByte", ErrParityRetriesExceeded)
		return c.LastError()
	}
	ch := c.ids.UARTChannel
	c.adapter.SetIO(ch, false)
	c.adapter.SetIO(ch, true)
	return nil
}

// rxFirstByte decides between PPS and TPDU on the first byte after an ATR
// that allows negotiation.
func (c *Card) rxFirstByte(b byte) error {
	if b == pps.PPSS {
		c.pps.Reset()
		c.setPhase(PhasePPSNegotiation)
		return c.rxPPS(b)
	}
	c.setPhase(PhaseTPDUExchange)
	c.deliver(b)
	return nil
}

func (c *Card) deliver(b byte) {
	c.rxCount.Add(1)
	if c.rxHandler != nil {
		c.rxHandler(c.ids.Slot, b)
	}
}
