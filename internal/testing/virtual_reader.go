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
	"errors"
	"fmt"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/ZaparooProject/go-cardemu/internal/pps"
)

// maxPump bounds one PumpTx call so a card that never goes idle fails the
// test instead of hanging it.
const maxPump = 4096

// ErrTxNotIdle is returned when the card keeps transmitting past maxPump
// bytes.
var ErrTxNotIdle = errors.New("card transmitter never went idle")

// VirtualReader plays the reader side of the contact interface against a
// card. It drives the contact lines, clocks bytes out of the card through
// TxByte and feeds bytes in through ProcessRxByteFlags. It runs every
// event on the caller's goroutine, so events never overlap.
type VirtualReader struct {
	card      cardemu.EventSink
	adapter   *SimAdapter
	clock     *FakeClock
	resetHold time.Duration
	powered   bool
}

// NewVirtualReader connects a reader to card. adapter must be the adapter
// the card was created with; clock the card's clock. Reset pulses last
// resetHold on the fake clock.
func NewVirtualReader(card cardemu.EventSink, adapter *SimAdapter, clock *FakeClock, resetHold time.Duration) *VirtualReader {
	return &VirtualReader{
		card:      card,
		adapter:   adapter,
		clock:     clock,
		resetHold: resetHold,
	}
}

// Adapter returns the simulated UART the card talks to.
func (r *VirtualReader) Adapter() *SimAdapter { return r.adapter }

// PowerOn runs the activation sequence up to, not including, the release
// of RST: CLK running, RST low, VCC up.
func (r *VirtualReader) PowerOn() {
	r.card.IOStateChanged(cardemu.SignalCLK, true)
	r.card.IOStateChanged(cardemu.SignalRST, true)
	r.card.IOStateChanged(cardemu.SignalVCC, true)
	r.powered = true
}

// PowerOff runs the deactivation sequence: RST low, CLK stopped, VCC off.
func (r *VirtualReader) PowerOff() {
	r.card.IOStateChanged(cardemu.SignalRST, true)
	r.card.IOStateChanged(cardemu.SignalCLK, false)
	r.card.IOStateChanged(cardemu.SignalVCC, false)
	r.powered = false
}

// ColdReset powers the card up, holds reset for the configured time and
// releases it. Returns the ATR.
func (r *VirtualReader) ColdReset() ([]byte, error) {
	if r.powered {
		r.PowerOff()
	}
	r.PowerOn()
	r.clock.Advance(r.resetHold)
	r.card.IOStateChanged(cardemu.SignalRST, false)
	return r.PumpTx()
}

// WarmReset pulses RST on a powered card. Returns the ATR.
func (r *VirtualReader) WarmReset() ([]byte, error) {
	r.AssertReset()
	r.clock.Advance(r.resetHold)
	r.ReleaseReset()
	return r.PumpTx()
}

// AssertReset drives RST low.
func (r *VirtualReader) AssertReset() {
	r.card.IOStateChanged(cardemu.SignalRST, true)
}

// ReleaseReset drives RST high.
func (r *VirtualReader) ReleaseReset() {
	r.card.IOStateChanged(cardemu.SignalRST, false)
}

// PumpTx calls TxByte until the card has nothing more to send and returns
// the bytes it transmitted.
func (r *VirtualReader) PumpTx() ([]byte, error) {
	start := r.adapter.txLen()
	for i := 0; i < maxPump; i++ {
		sent, err := r.card.TxByte()
		if err != nil {
			return r.adapter.TxBytes()[start:], err
		}
		if !sent {
			return r.adapter.TxBytes()[start:], nil
		}
	}
	return r.adapter.TxBytes()[start:], ErrTxNotIdle
}

// Send feeds bytes to the card as received without error.
func (r *VirtualReader) Send(data ...byte) error {
	for i, b := range data {
		if err := r.card.ProcessRxByte(b); err != nil {
			return fmt.Errorf("byte %d (%02X): %w", i, b, err)
		}
	}
	return nil
}

// SendCorrupted feeds b as received with a parity error.
func (r *VirtualReader) SendCorrupted(b byte) error {
	return r.card.ProcessRxByteFlags(b, cardemu.RxParityError)
}

// NackLastByte signals a parity error on the byte the card just sent.
func (r *VirtualReader) NackLastByte() {
	r.card.TxParityError()
}

// SendPPS sends a PPS request and returns the card's response.
func (r *VirtualReader) SendPPS(req pps.Request) ([]byte, error) {
	if err := r.Send(pps.EncodeRequest(req)...); err != nil {
		return nil, err
	}
	return r.PumpTx()
}

// Exchange sends cmd and collects whatever the card sends back after the
// caller's callback queued a response. respond may be nil when the card
// answers on its own.
func (r *VirtualReader) Exchange(cmd []byte, respond func()) ([]byte, error) {
	if err := r.Send(cmd...); err != nil {
		return nil, err
	}
	if respond != nil {
		respond()
	}
	return r.PumpTx()
}

// HalfWaitingTime fires the half waiting time event.
func (r *VirtualReader) HalfWaitingTime() {
	r.card.WaitingTimeHalfed()
}

// ExpireWaitingTime fires the waiting time expiry event.
func (r *VirtualReader) ExpireWaitingTime() {
	r.card.WaitingTimeExpired()
}
