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
	"testing"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReader(t *testing.T) (*VirtualReader, *cardemu.Card) {
	t.Helper()
	adapter := NewSimAdapter()
	clock := NewFakeClock()
	cfg := cardemu.DefaultConfig()
	cfg.Clock = clock
	card, err := cardemu.New(cardemu.Identifiers{UARTChannel: 7}, adapter, cfg)
	require.NoError(t, err)
	return NewVirtualReader(card, adapter, clock, time.Millisecond), card
}

func TestSimAdapter_RecordsState(t *testing.T) {
	t.Parallel()
	a := NewSimAdapter()

	f, d := a.FD()
	assert.Equal(t, uint16(372), f)
	assert.Equal(t, uint8(1), d)
	assert.True(t, a.IOHigh())

	a.UpdateFD(1, 512, 8)
	a.UpdateWT(1, 9600)
	a.ResetWT(1)
	a.SetIO(1, false)
	a.Enable(1, cardemu.EnableTX)
	require.NoError(t, a.Tx(1, 0x3B))
	a.WaitTxIdle(1)
	a.Interrupt(1)

	f, d = a.FD()
	assert.Equal(t, uint16(512), f)
	assert.Equal(t, uint8(8), d)
	assert.Equal(t, uint32(9600), a.WT())
	assert.False(t, a.IOHigh())
	assert.Equal(t, cardemu.EnableTX, a.Direction())
	assert.Equal(t, []byte{0x3B}, a.TxBytes())
	assert.Equal(t, 1, a.WTResets())
	assert.Equal(t, 1, a.Interrupts())

	var ops []string
	for _, c := range a.Calls() {
		ops = append(ops, c.String())
	}
	assert.Equal(t, []string{
		"UpdateFD(F=512 D=8)", "UpdateWT(9600)", "SetIO(false)",
		"Enable(tx)", "Tx(3B)", "WaitTxIdle", "Interrupt",
	}, ops)

	a.ClearCalls()
	assert.Empty(t, a.Calls())
	assert.Empty(t, a.TxBytes())
}

func TestSimAdapter_TxRules(t *testing.T) {
	t.Parallel()
	a := NewSimAdapter()

	require.Error(t, a.Tx(0, 0x01), "transmitter disabled")

	a.Enable(0, cardemu.EnableTX)
	boom := errors.New("boom")
	a.FailTx(boom)
	require.ErrorIs(t, a.Tx(0, 0x01), boom)
	a.FailTx(nil)
	require.NoError(t, a.Tx(0, 0x01))
	assert.Len(t, a.CallsOf(OpTx), 1)
}

func TestFakeClock(t *testing.T) {
	t.Parallel()
	c := NewFakeClock()
	start := c.Now()
	c.Advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Now().Sub(start))
}

func TestVirtualReader_ColdAndWarmReset(t *testing.T) {
	t.Parallel()
	r, card := newReader(t)

	got, err := r.ColdReset()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x02, 0x14, 0x50}, got)
	assert.Equal(t, cardemu.PhaseATRDelivery, card.Phase())

	got, err = r.WarmReset()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x02, 0x14, 0x50}, got)

	for _, c := range r.Adapter().Calls() {
		assert.Equal(t, uint8(7), c.Chan)
	}

	r.PowerOff()
	assert.Equal(t, cardemu.PhasePoweredOff, card.Phase())
}

func TestVirtualReader_Exchange(t *testing.T) {
	t.Parallel()
	r, card := newReader(t)
	_, err := r.ColdReset()
	require.NoError(t, err)

	got, err := r.Exchange([]byte{0x00, 0xB0, 0x00, 0x00, 0x02}, func() {
		require.NoError(t, card.Enqueue([]byte{0xB0, 0x12, 0x34, 0x90, 0x00}))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB0, 0x12, 0x34, 0x90, 0x00}, got)
}

func TestVirtualReader_SendErrorsCarryPosition(t *testing.T) {
	t.Parallel()
	r, _ := newReader(t)

	err := r.Send(0x00, 0x01)
	require.ErrorIs(t, err, cardemu.ErrInvalidPhase)
	assert.Contains(t, err.Error(), "byte 0 (00)")
}

func TestNoisyReader_Deterministic(t *testing.T) {
	t.Parallel()

	run := func() (int, int) {
		r, card := newReader(t)
		n := NewNoisyReader(r, NoiseConfig{Seed: 7, RxErrorRate: 0.5, TxErrorRate: 0.5, MaxBurst: 2})
		_, err := r.ColdReset()
		require.NoError(t, err)
		require.NoError(t, n.Send(0x00, 0xA4, 0x04, 0x00, 0x00))
		require.NoError(t, card.Enqueue([]byte{0x6A, 0x82}))
		got, err := n.PumpTx()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x6A, 0x82}, got)
		return n.Errors()
	}

	rx1, tx1 := run()
	rx2, tx2 := run()
	assert.Equal(t, rx1, rx2)
	assert.Equal(t, tx1, tx2)
}

func TestNoisyReader_BurstCap(t *testing.T) {
	t.Parallel()
	r, card := newReader(t)
	n := NewNoisyReader(r, NoiseConfig{Seed: 1, RxErrorRate: 1, TxErrorRate: 1, MaxBurst: 2})

	_, err := r.ColdReset()
	require.NoError(t, err)
	require.NoError(t, n.Send(0x00, 0x84, 0x00, 0x00, 0x08))
	require.NoError(t, card.Enqueue([]byte{0x84}))
	got, err := n.PumpTx()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x84}, got)

	rx, tx := n.Errors()
	assert.Equal(t, 10, rx)
	assert.Equal(t, 2, tx)
	assert.Equal(t, cardemu.PhaseTPDUExchange, card.Phase())
}

func TestDefaultNoiseConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultNoiseConfig()
	assert.Equal(t, 2, cfg.MaxBurst)
	assert.Less(t, cfg.MaxBurst, cardemu.DefaultConfig().MaxParityRetries)
}
