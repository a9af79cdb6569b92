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

package testing

import (
	"fmt"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/ZaparooProject/go-cardemu/internal/syncutil"
)

// Adapter operation names recorded in Call.Op
const (
	OpUpdateFD   = "UpdateFD"
	OpUpdateWT   = "UpdateWT"
	OpResetWT    = "ResetWT"
	OpSetIO      = "SetIO"
	OpTx         = "Tx"
	OpEnable     = "Enable"
	OpWaitTxIdle = "WaitTxIdle"
	OpInterrupt  = "Interrupt"
)

// Call records one adapter call made by the card
type Call struct {
	Op   string
	WT   uint32
	F    uint16
	Chan uint8
	D    uint8
	Byte byte
	Dir  cardemu.Direction
	High bool
}

func (c Call) String() string {
	switch c.Op {
	case OpUpdateFD:
		return fmt.Sprintf("%s(F=%d D=%d)", c.Op, c.F, c.D)
	case OpUpdateWT:
		return fmt.Sprintf("%s(%d)", c.Op, c.WT)
	case OpSetIO:
		return fmt.Sprintf("%s(%t)", c.Op, c.High)
	case OpTx:
		return fmt.Sprintf("%s(%02X)", c.Op, c.Byte)
	case OpEnable:
		return fmt.Sprintf("%s(%s)", c.Op, c.Dir)
	default:
		return c.Op
	}
}

// SimAdapter implements cardemu.Adapter in memory. It records every call
// and keeps the UART configuration the card last asked for, so tests can
// check both the sequence and the resulting state.
type SimAdapter struct {
	txErr      error
	calls      []Call
	tx         []byte
	mu         syncutil.Mutex
	wt         uint32
	interrupts int
	wtResets   int
	f          uint16
	d          uint8
	dir        cardemu.Direction
	ioHigh     bool
}

// NewSimAdapter returns an adapter in the post-power-on state: default
// F/D, UART disabled, I/O high.
func NewSimAdapter() *SimAdapter {
	return &SimAdapter{f: 372, d: 1, ioHigh: true}
}

func (a *SimAdapter) record(c Call) {
	a.calls = append(a.calls, c)
}

// UpdateFD implements cardemu.Adapter.
func (a *SimAdapter) UpdateFD(ch uint8, f uint16, d uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.f, a.d = f, d
	a.record(Call{Op: OpUpdateFD, Chan: ch, F: f, D: d})
}

// UpdateWT implements cardemu.Adapter.
func (a *SimAdapter) UpdateWT(ch uint8, wt uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wt = wt
	a.record(Call{Op: OpUpdateWT, Chan: ch, WT: wt})
}

// ResetWT implements cardemu.Adapter. Resets are counted, not recorded,
// to keep call logs readable.
func (a *SimAdapter) ResetWT(uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wtResets++
}

// SetIO implements cardemu.Adapter.
func (a *SimAdapter) SetIO(ch uint8, high bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ioHigh = high
	a.record(Call{Op: OpSetIO, Chan: ch, High: high})
}

// Tx implements cardemu.Adapter. Fails with the error set by FailTx.
func (a *SimAdapter) Tx(ch uint8, b byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.txErr != nil {
		return a.txErr
	}
	if a.dir&cardemu.EnableTX == 0 {
		return fmt.Errorf("tx of %02X with transmitter disabled", b)
	}
	a.tx = append(a.tx, b)
	a.record(Call{Op: OpTx, Chan: ch, Byte: b})
	return nil
}

// Enable implements cardemu.Adapter.
func (a *SimAdapter) Enable(ch uint8, dir cardemu.Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dir = dir
	a.record(Call{Op: OpEnable, Chan: ch, Dir: dir})
}

// WaitTxIdle implements cardemu.Adapter.
func (a *SimAdapter) WaitTxIdle(ch uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(Call{Op: OpWaitTxIdle, Chan: ch})
}

// Interrupt implements cardemu.Adapter. The request is counted; the
// reader decides when to pump TxByte.
func (a *SimAdapter) Interrupt(ch uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupts++
	a.record(Call{Op: OpInterrupt, Chan: ch})
}

// FailTx makes subsequent Tx calls return err. nil restores normal
// operation.
func (a *SimAdapter) FailTx(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txErr = err
}

// Calls returns a copy of the recorded calls.
func (a *SimAdapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallsOf returns the recorded calls with operation op.
func (a *SimAdapter) CallsOf(op string) []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Call
	for _, c := range a.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ClearCalls drops the call log and the transmitted bytes.
func (a *SimAdapter) ClearCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
	a.tx = nil
	a.interrupts = 0
	a.wtResets = 0
}

// TxBytes returns every byte handed to Tx so far.
func (a *SimAdapter) TxBytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.tx...)
}

func (a *SimAdapter) txLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tx)
}

// FD returns the last F/D pushed by the card.
func (a *SimAdapter) FD() (uint16, uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f, a.d
}

// WT returns the armed waiting time in ETU, zero when disabled.
func (a *SimAdapter) WT() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wt
}

// Direction returns the enabled UART directions.
func (a *SimAdapter) Direction() cardemu.Direction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dir
}

// IOHigh returns the I/O line level the card last drove.
func (a *SimAdapter) IOHigh() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ioHigh
}

// Interrupts returns the number of Interrupt calls.
func (a *SimAdapter) Interrupts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupts
}

// WTResets returns the number of ResetWT calls.
func (a *SimAdapter) WTResets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wtResets
}

// FakeClock is a manually advanced cardemu.Clock.
type FakeClock struct {
	now time.Time
	mu  syncutil.Mutex
}

// NewFakeClock returns a clock stopped at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now implements cardemu.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
