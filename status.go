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

	"github.com/ZaparooProject/go-cardemu/pkg/atr"
)

// Status is a snapshot of a card for diagnostics. It is a plain value: the
// ATR is held in a fixed array so a report does not allocate.
type Status struct {
	LastError error
	Identifiers
	Phase          Phase
	F              uint16
	D              uint8
	ExtraGuardTime uint8
	WaitingTime    uint32
	ATR            [atr.MaxLength]byte
	ATRLen         int
	QueuedFrames   int
	RxBytes        uint32
	TxBytes        uint32
	RxParityErrors uint32
	TxParityErrors uint32
	Resets         uint32
	Halts          uint32
	VCC            bool
	RST            bool
	CLK            bool
	PendingATR     bool
}

// ATRBytes returns the held ATR as a slice of the snapshot.
func (s Status) ATRBytes() []byte { return s.ATR[:s.ATRLen] }

func (s Status) String() string {
	return fmt.Sprintf("slot %d %s F=%d D=%d WT=%d etu ATR=% X queued=%d parity rx/tx=%d/%d halts=%d",
		s.Slot, s.Phase, s.F, s.D, s.WaitingTime, s.ATR[:s.ATRLen], s.QueuedFrames,
		s.RxParityErrors, s.TxParityErrors, s.Halts)
}

// StatusReporter is notified of card activity. Both methods are called
// from the card's event context and must not block or call back into the
// card's event methods.
type StatusReporter interface {
	PhaseChanged(slot uint8, from, to Phase)
	Status(st Status)
}

// Status returns a snapshot of the card. Safe from any goroutine.
func (c *Card) Status() Status {
	lines := c.lines.Load()
	st := Status{
		Identifiers:    c.ids,
		Phase:          c.Phase(),
		F:              uint16(c.f.Load()),
		D:              uint8(c.d.Load()),
		WaitingTime:    c.wt.Load(),
		QueuedFrames:   c.queue.Len(),
		RxBytes:        c.rxCount.Load(),
		TxBytes:        c.txCount.Load(),
		RxParityErrors: c.rxParityTotal.Load(),
		TxParityErrors: c.txParityTotal.Load(),
		Resets:         c.resetCount.Load(),
		Halts:          c.haltCount.Load(),
		VCC:            lines&lineVCC != 0,
		RST:            lines&lineRST != 0,
		CLK:            lines&lineCLK != 0,
	}
	if p := c.lastErr.Load(); p != nil {
		st.LastError = p
	}

	c.atrMu.Lock()
	st.ATRLen = c.held.CopyTo(st.ATR[:])
	st.ExtraGuardTime = c.held.ExtraGuardTime()
	st.PendingATR = c.hasPending
	c.atrMu.Unlock()
	return st
}

// ReportStatus pushes a snapshot to the reporter, if one is configured.
func (c *Card) ReportStatus() {
	if c.reporter != nil {
		c.reporter.Status(c.Status())
	}
}

// LogReporter writes card activity to the debug log.
type LogReporter struct{}

// PhaseChanged implements StatusReporter.
func (LogReporter) PhaseChanged(slot uint8, from, to Phase) {
	Debugf("slot %d: phase %s -> %s", slot, from, to)
}

// Status implements StatusReporter.
func (LogReporter) Status(st Status) {
	if st.LastError != nil {
		Debugf("%s err=%v", st.String(), st.LastError)
		return
	}
	Debugln(st.String())
}

// MultiReporter fans reports out to several reporters in order.
type MultiReporter []StatusReporter

// PhaseChanged implements StatusReporter.
func (m MultiReporter) PhaseChanged(slot uint8, from, to Phase) {
	for _, r := range m {
		r.PhaseChanged(slot, from, to)
	}
}

// Status implements StatusReporter.
func (m MultiReporter) Status(st Status) {
	for _, r := range m {
		r.Status(st)
	}
}
