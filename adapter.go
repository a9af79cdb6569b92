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

// Direction selects the UART directions enabled by Adapter.Enable.
type Direction uint8

const (
	// EnableTX enables the transmitter
	EnableTX Direction = 0x01
	// EnableRX enables the receiver
	EnableRX Direction = 0x02
)

func (d Direction) String() string {
	switch d {
	case 0:
		return "off"
	case EnableTX:
		return "tx"
	case EnableRX:
		return "rx"
	case EnableTX | EnableRX:
		return "tx+rx"
	default:
		return "invalid"
	}
}

// Adapter is implemented by the UART/timer layer and called by the card.
// Every method except Interrupt is invoked from inside an event handler, so
// implementations must not call back into the card synchronously and must
// not block, except WaitTxIdle which may wait for at most one character
// time. Interrupt is also called from producer goroutines through
// HaveNewTx and Enqueue; it must be safe for concurrent use.
type Adapter interface {
	// UpdateFD configures the clock rate conversion integer F and the baud
	// rate adjustment factor D. Called after every reset and successful PPS.
	UpdateFD(uartChan uint8, f uint16, d uint8)

	// UpdateWT arms the waiting time counter with wt ETU. Zero disables it.
	// The adapter calls WaitingTimeHalfed and WaitingTimeExpired on the sink.
	UpdateWT(uartChan uint8, wt uint32)

	// ResetWT restarts the waiting time countdown.
	ResetWT(uartChan uint8)

	// SetIO drives the I/O line high (true) or low (false). The card drives
	// it low for the error signal after a parity error; the adapter keeps
	// the level for the error signal width.
	SetIO(uartChan uint8, high bool)

	// Tx hands one byte to the UART.
	Tx(uartChan uint8, b byte) error

	// Enable selects the active UART directions. Zero disables both.
	Enable(uartChan uint8, dir Direction)

	// WaitTxIdle returns once the last byte has left the shift register.
	WaitTxIdle(uartChan uint8)

	// Interrupt requests a channel interrupt. The adapter answers it by
	// calling TxByte on the sink from its serialized event context. May be
	// called from any goroutine, concurrently with event handlers.
	Interrupt(uartChan uint8)
}

// RxFlags qualify a received byte.
type RxFlags uint8

const (
	// RxParityError marks a byte received with a parity error.
	RxParityError RxFlags = 1 << iota
	// RxOverrun marks a byte received after the UART dropped earlier data.
	RxOverrun
)

// EventSink is implemented by Card and called by the adapter.
// Calls for one card must never overlap; see Serialize for adapters that
// deliver events from several goroutines.
type EventSink interface {
	// ProcessRxByte delivers one byte received from the reader.
	ProcessRxByte(b byte) error
	// ProcessRxByteFlags delivers one byte with reception flags.
	ProcessRxByteFlags(b byte, flags RxFlags) error
	// TxByte is called when the UART can accept one more byte. sent is
	// false when there is nothing to send.
	TxByte() (sent bool, err error)
	// TxParityError reports that the reader signalled an error for the
	// last transmitted byte.
	TxParityError()
	// IOStateChanged reports a level change on VCC, RST or CLK.
	IOStateChanged(sig Signal, active bool)
	// WaitingTimeHalfed reports that half the waiting time has elapsed.
	WaitingTimeHalfed()
	// WaitingTimeExpired reports that the waiting time has elapsed.
	WaitingTimeExpired()
}

// RxHandler receives TPDU bytes for the layer above the card. It runs in
// the event context and must not block.
type RxHandler func(slot uint8, b byte)
