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

package cardemu_test

import (
	"bytes"
	"sync"
	"testing"

	cardemu "github.com/ZaparooProject/go-cardemu"
	testutil "github.com/ZaparooProject/go-cardemu/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiReporter(t *testing.T) {
	t.Parallel()
	a, b := &recorder{}, &recorder{}
	h := newHarness(t, func(cfg *cardemu.Config) {
		cfg.Reporter = cardemu.MultiReporter{a, b}
	})

	_, err := h.reader.ColdReset()
	require.NoError(t, err)
	h.card.ReportStatus()

	assert.Len(t, a.Transitions(), 2)
	assert.Equal(t, a.Transitions(), b.Transitions())
	require.Len(t, b.Statuses(), 1)
	assert.Equal(t, cardemu.PhaseATRDelivery, b.Statuses()[0].Phase)
}

//nolint:paralleltest // swaps the package session log writer
func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	cardemu.SetSessionLogWriter(&buf)
	t.Cleanup(func() { cardemu.SetSessionLogWriter(nil) })

	h := newHarness(t, func(cfg *cardemu.Config) {
		cfg.Reporter = cardemu.LogReporter{}
	})
	h.activate(t)
	h.reader.ExpireWaitingTime()

	out := buf.String()
	assert.Contains(t, out, "slot 1: phase POWERED_OFF -> RESET_ASSERTED")
	assert.Contains(t, out, "slot 1: phase TPDU_EXCHANGE -> HALTED")
	assert.Contains(t, out, "err=slot 1: WaitingTimeExpired in TPDU_EXCHANGE: waiting time expired")
}

func TestSerialize(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.activate(t)
	sink := cardemu.Serialize(h.card)

	// Receive loop and timer callbacks on separate goroutines, as a host
	// adapter has them.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, sink.ProcessRxByte(byte(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			sink.WaitingTimeHalfed()
			_, err := sink.TxByte()
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Len(t, h.rx, 200)
	assert.Equal(t, cardemu.PhaseTPDUExchange, h.card.Phase())

	// the wrapper forwards everything else unchanged
	require.NoError(t, sink.ProcessRxByteFlags(0x01, cardemu.RxParityError))
	sink.TxParityError()
	sink.IOStateChanged(cardemu.SignalRST, true)
	assert.Equal(t, cardemu.PhaseResetAsserted, h.card.Phase())
	sink.WaitingTimeExpired()
	assert.Equal(t, cardemu.PhaseResetAsserted, h.card.Phase())
}

func TestStatusReporter_HaltObserved(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	card, err := cardemu.New(cardemu.Identifiers{Slot: 9}, testutil.NewSimAdapter(),
		&cardemu.Config{Reporter: rec, Clock: testutil.NewFakeClock(), DisableResetHold: true})
	require.NoError(t, err)

	card.IOStateChanged(cardemu.SignalCLK, true)
	card.IOStateChanged(cardemu.SignalRST, true)
	card.IOStateChanged(cardemu.SignalVCC, true)
	card.IOStateChanged(cardemu.SignalRST, false)
	card.WaitingTimeExpired()

	require.NotEmpty(t, rec.Statuses())
	st := rec.Statuses()[len(rec.Statuses())-1]
	assert.Equal(t, uint8(9), st.Slot)
	assert.Equal(t, cardemu.PhaseHalted, st.Phase)
	assert.Equal(t, uint32(1), st.Halts)
	require.ErrorIs(t, st.LastError, cardemu.ErrWaitingTimeExpired)
}
