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

import "fmt"

// procedureNull is the T=0 NULL procedure byte. It restarts the reader's
// waiting time without carrying data.
const procedureNull byte = 0x60

// TxByte is called by the adapter when the transmitter can take a byte.
// It returns sent=false once there is nothing left to send; the adapter
// then waits for the next Interrupt.
//
// A byte flagged by TxParityError is repeated first. After that the
// order is ATR, PPS response, NULL procedure byte, queued frames.
func (c *Card) TxByte() (bool, error) {
	phase := c.Phase()
	switch phase {
	case PhasePoweredOff, PhaseResetAsserted:
		return false, newProtocolError(c.ids.Slot, "TxByte", phase, ErrInvalidPhase)
	case PhaseHalted:
		return false, newProtocolError(c.ids.Slot, "TxByte", phase, ErrHalted)
	}

	if c.retransmit {
		c.retransmit = false
		return c.send(c.lastTx, c.lastSrc)
	}
	c.txRetries = 0

	switch phase {
	case PhaseATRDelivery:
		return c.txATR()
	case PhasePPSNegotiation:
		return c.txPPS()
	default:
		return c.txExchange()
	}
}

// send hands b to the adapter and restarts the waiting time. A byte the
// adapter refused is kept for retransmission.
func (c *Card) send(b byte, src txSource) (bool, error) {
	ch := c.ids.UARTChannel
	c.lastTx = b
	c.lastSrc = src

	if err := c.adapter.Tx(ch, b); err != nil {
		c.retransmit = true
		c.txRetries++
		if c.txRetries >= c.maxRetries {
			c.halt("TxByte", fmt.Errorf("%w: %w", ErrTxFailed, err))
			return false, c.LastError()
		}
		return false, newProtocolError(c.ids.Slot, "TxByte", c.Phase(), fmt.Errorf("%w: %w", ErrTxFailed, err))
	}
	c.txCount.Add(1)
	c.adapter.ResetWT(ch)
	return true, nil
}

// txExchange sends a NULL byte if one is due, else the next queued byte.
// An empty queue turns the line around to reception.
func (c *Card) txExchange() (bool, error) {
	if c.nullSend {
		c.nullSend = false
		c.startTx()
		return c.send(procedureNull, txNull)
	}
	if c.lines.Load()&(lineVCC|lineRST) != lineVCC {
		return false, nil
	}

	b, ok := c.queue.nextByte()
	if !ok {
		c.stopTx()
		return false, nil
	}
	c.startTx()
	return c.send(b, txQueue)
}

// startTx enables the transmitter if it is not already on.
func (c *Card) startTx() {
	if c.txActive {
		return
	}
	c.adapter.Enable(c.ids.UARTChannel, EnableTX)
	c.txActive = true
}

// stopTx waits for the last byte to leave the line and switches to
// reception.
func (c *Card) stopTx() {
	if !c.txActive {
		return
	}
	ch := c.ids.UARTChannel
	c.adapter.WaitTxIdle(ch)
	c.adapter.Enable(ch, EnableRX)
	c.txActive = false
}

// TxParityError is called when the reader signalled an error on the byte
// just sent. The byte is repeated until the retry budget runs out, which
// halts the card.
func (c *Card) TxParityError() {
	phase := c.Phase()
	if !phase.Active() || c.lastSrc == txNone {
		Debugf("slot %d: TX parity error ignored in %s", c.ids.Slot, phase)
		return
	}
	c.txParityTotal.Add(1)
	c.txRetries++
	if debugActive() {
		Debugf("slot %d: TX parity error on %02X (%d/%d)", c.ids.Slot, c.lastTx, c.txRetries, c.maxRetries)
	}
	if c.txRetries >= c.maxRetries {
		c.halt("TxParityError", ErrParityRetriesExceeded)
		return
	}
	c.retransmit = true
	c.startTx()
	c.adapter.Interrupt(c.ids.UARTChannel)
}
