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

// Phase is the protocol state of a card
type Phase int32

const (
	PhasePoweredOff Phase = iota
	PhaseResetAsserted
	PhaseATRDelivery
	PhasePPSNegotiation
	PhaseTPDUExchange
	PhaseHalted
)

func (p Phase) String() string {
	switch p {
	case PhasePoweredOff:
		return "POWERED_OFF"
	case PhaseResetAsserted:
		return "RESET_ASSERTED"
	case PhaseATRDelivery:
		return "ATR_DELIVERY"
	case PhasePPSNegotiation:
		return "PPS_NEGOTIATION"
	case PhaseTPDUExchange:
		return "TPDU_EXCHANGE"
	case PhaseHalted:
		return "HALTED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Active reports whether the card is powered and out of reset.
func (p Phase) Active() bool {
	return p == PhaseATRDelivery || p == PhasePPSNegotiation || p == PhaseTPDUExchange
}

// Signal identifies a contact driven by the reader
type Signal uint8

const (
	SignalVCC Signal = iota
	SignalRST
	SignalCLK
)

func (s Signal) String() string {
	switch s {
	case SignalVCC:
		return "VCC"
	case SignalRST:
		return "RST"
	case SignalCLK:
		return "CLK"
	default:
		return fmt.Sprintf("Signal(%d)", uint8(s))
	}
}

// line bits in Card.lines
const (
	lineVCC uint32 = 1 << iota
	lineRST
	lineCLK
)

func lineBit(s Signal) uint32 {
	switch s {
	case SignalVCC:
		return lineVCC
	case SignalRST:
		return lineRST
	case SignalCLK:
		return lineCLK
	default:
		return 0
	}
}

// txSource records where the last transmitted byte came from, for
// retransmission after a parity error.
type txSource uint8

const (
	txNone txSource = iota
	txATR
	txPPS
	txNull
	txQueue
)

// setPhase moves to phase to and notifies the reporter. Self transitions
// are not reported.
func (c *Card) setPhase(to Phase) {
	from := Phase(c.phase.Swap(int32(to)))
	if from == to {
		return
	}
	if debugActive() {
		Debugf("slot %d: %s -> %s", c.ids.Slot, from, to)
	}
	if c.reporter != nil {
		c.reporter.PhaseChanged(c.ids.Slot, from, to)
	}
}

// halt moves the card to PhaseHalted. The card goes silent: the UART is
// disabled, the waiting time stopped and queued frames dropped. Only a
// reset brings it back.
func (c *Card) halt(op string, err error) {
	from := c.Phase()
	if from == PhaseHalted {
		return
	}
	perr := newProtocolError(c.ids.Slot, op, from, err)
	c.lastErr.Store(perr)
	c.haltCount.Add(1)

	c.queue.flush()
	c.clearTx()
	c.adapter.UpdateWT(c.ids.UARTChannel, 0)
	c.adapter.Enable(c.ids.UARTChannel, 0)
	c.wt.Store(0)

	c.setPhase(PhaseHalted)
	c.ReportStatus()
}
