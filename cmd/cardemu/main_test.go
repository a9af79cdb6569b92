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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config
		wantErr string
	}{
		{name: "list needs nothing", cfg: config{list: true}},
		{name: "stress needs nothing", cfg: config{stress: 1}},
		{name: "port required", cfg: config{clockHz: 3571200}, wantErr: "-port"},
		{name: "valid", cfg: config{portName: "/dev/ttyUSB0", clockHz: 3571200}},
		{name: "slot range", cfg: config{portName: "p", clockHz: 3571200, slot: 256}, wantErr: "-slot"},
		{name: "clock range", cfg: config{portName: "p"}, wantErr: "-clock"},
		{
			name:    "gpio pairs",
			cfg:     config{portName: "p", clockHz: 3571200, gpioVCC: "GPIO17"},
			wantErr: "-gpio-vcc",
		},
		{
			name: "gpio",
			cfg:  config{portName: "p", clockHz: 3571200, gpioVCC: "GPIO17", gpioRST: "GPIO27"},
		},
		{name: "mdns without listen", cfg: config{portName: "p", clockHz: 3571200, mdns: true}, wantErr: "-mdns"},
		{name: "mdns", cfg: config{portName: "p", clockHz: 3571200, mdns: true, listen: ":8532"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigCardATR(t *testing.T) {
	t.Parallel()

	b, err := (&config{}).cardATR()
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = (&config{atrHex: "3B:02:14:50"}).cardATR()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x02, 0x14, 0x50}, b)

	_, err = (&config{atrHex: "3B 02"}).cardATR()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid -atr")
}

func TestStressATR(t *testing.T) {
	t.Parallel()

	b, err := stressATR(&config{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x10, 0x13}, b)

	b, err = stressATR(&config{atrHex: "3B 00"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x00}, b)
}

func TestRunStressSession(t *testing.T) {
	t.Parallel()

	atrBytes, err := stressATR(&config{})
	require.NoError(t, err)
	cfg := &config{stressDir: t.TempDir()}

	for _, seed := range []uint64{1, 7, 99} {
		r := runStressSession(cfg, atrBytes, seed)
		assert.True(t, r.Success, "seed %d", seed)
		assert.Zero(t, r.Failed)
		// cold reset, PPS, exchanges, warm reset
		assert.Equal(t, stressExchanges+3, r.Passed)
		assert.Empty(t, r.CrashFile)
	}
}

func TestRunStressTestMode(t *testing.T) {
	t.Parallel()

	cfg := &config{stress: 3, stressSeed: 10, stressDir: t.TempDir()}
	require.NoError(t, runStressTestMode(context.Background(), cfg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runStressTestMode(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteCrashReport(t *testing.T) {
	t.Parallel()

	atrBytes, err := stressATR(&config{})
	require.NoError(t, err)
	s, err := newStressSession(atrBytes, 5)
	require.NoError(t, err)

	s.logOp("exchange 0", []byte{0x90, 0x00}, nil)
	report := s.crashReport(&stressFailure{
		operation: "exchange 1",
		err:       errors.New("mismatch"),
		expected:  []byte{0x90, 0x00},
		actual:    []byte{0x6F, 0x00},
	})
	report.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	path, err := writeCrashReport(t.TempDir(), report)
	require.NoError(t, err)
	assert.Contains(t, path, "cardemu_crash_5_20260102_030405.json")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded CrashReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "exchange 1", decoded.Operation)
	assert.Equal(t, "6f00", decoded.ActualHex)
	assert.Equal(t, "3b1013", decoded.ATR)
	assert.Equal(t, "POWERED_OFF", decoded.Status.Phase)
	require.Len(t, decoded.OperationLog, 1)
	assert.True(t, decoded.OperationLog[0].Success)
}

func TestRxPrinterNeverBlocks(t *testing.T) {
	t.Parallel()

	p := &rxPrinter{bytes: make(chan byte, 1), done: make(chan struct{})}
	p.handle(0, 0x01)
	p.handle(0, 0x02) // dropped
	assert.Len(t, p.bytes, 1)
}

func TestResolvePortExplicit(t *testing.T) {
	t.Parallel()

	name, err := resolvePort("/dev/ttyUSB3")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", name)
}

func TestListenPort(t *testing.T) {
	t.Parallel()

	port, err := listenPort(":8532")
	require.NoError(t, err)
	assert.Equal(t, 8532, port)

	port, err = listenPort("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	for _, bad := range []string{"", "8532", ":http", ":0", ":70000"} {
		_, err := listenPort(bad)
		assert.Error(t, err, bad)
	}
}
