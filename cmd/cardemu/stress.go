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
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/ZaparooProject/go-cardemu/internal/pps"
	testutil "github.com/ZaparooProject/go-cardemu/internal/testing"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
	"github.com/ZaparooProject/go-cardemu/statusserver"
)

const (
	// exchanges per simulated session
	stressExchanges = 20
	// reset hold the simulated reader applies, above 400 cycles at 3.5712 MHz
	stressResetHold = 200 * time.Microsecond
)

// stressNoise is noise every session must survive with the default retry
// budget of three.
var stressNoise = testutil.NoiseConfig{
	RxErrorRate: 0.3,
	TxErrorRate: 0.3,
	MaxBurst:    2,
}

// StressTestResult holds the final result for a simulated session.
type StressTestResult struct {
	CrashFile string
	Seed      uint64
	Passed    int
	Failed    int
	RxErrors  int
	TxErrors  int
	Duration  time.Duration
	Success   bool
}

// CrashReport contains all information for debugging a failure.
type CrashReport struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Operation    string                     `json:"operation"`
	Error        string                     `json:"error"`
	ATR          string                     `json:"atr"`
	ExpectedHex  string                     `json:"expected_hex,omitempty"`
	ActualHex    string                     `json:"actual_hex,omitempty"`
	OperationLog []LogEntry                 `json:"operation_log"`
	Status       statusserver.StatusPayload `json:"status"`
	Seed         uint64                     `json:"seed"`
}

// LogEntry represents a single operation in the log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	DataHex   string    `json:"data_hex,omitempty"`
	Error     string    `json:"error,omitempty"`
	Success   bool      `json:"success"`
}

// stressSession is one simulated card and reader pair.
type stressSession struct {
	card   *cardemu.Card
	reader *testutil.VirtualReader
	noisy  *testutil.NoisyReader
	atr    atr.ATR
	header []byte
	opLog  []LogEntry
	seed   uint64
}

func newStressSession(atrBytes []byte, seed uint64) (*stressSession, error) {
	parsed, err := atr.Parse(atrBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid ATR: %w", err)
	}
	s := &stressSession{atr: parsed, seed: seed}

	adapter := testutil.NewSimAdapter()
	clock := testutil.NewFakeClock()
	cfg := cardemu.DefaultConfig()
	cfg.Clock = clock
	cfg.ATR = atrBytes
	cfg.RxHandler = s.echo

	s.card, err = cardemu.New(cardemu.Identifiers{}, adapter, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create card: %w", err)
	}
	s.reader = testutil.NewVirtualReader(s.card, adapter, clock, stressResetHold)
	noise := stressNoise
	noise.Seed = seed
	s.noisy = testutil.NewNoisyReader(s.reader, noise)
	return s, nil
}

// echo answers a case 2 command header with the INS procedure byte, the
// header itself and 90 00.
func (s *stressSession) echo(_ uint8, b byte) {
	s.header = append(s.header, b)
	if len(s.header) < 5 {
		return
	}
	resp := append([]byte{s.header[1]}, s.header...)
	resp = append(resp, 0x90, 0x00)
	s.header = s.header[:0]
	if err := s.card.Enqueue(resp); err != nil {
		cardemu.Debugf("stress: enqueue: %v", err)
	}
}

func (s *stressSession) logOp(op string, data []byte, err error) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Operation: op,
		DataHex:   hex.EncodeToString(data),
		Success:   err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.opLog = append(s.opLog, entry)
}

// stressFailure describes the step that broke a session.
type stressFailure struct {
	err       error
	operation string
	expected  []byte
	actual    []byte
}

func (s *stressSession) check(op string, want, got []byte, err error) *stressFailure {
	s.logOp(op, got, err)
	if err != nil {
		return &stressFailure{operation: op, err: err, expected: want, actual: got}
	}
	if !bytes.Equal(want, got) {
		return &stressFailure{
			operation: op,
			err:       fmt.Errorf("got % X, want % X", got, want),
			expected:  want,
			actual:    got,
		}
	}
	return nil
}

// run resets the card, negotiates when the ATR offers faster rates,
// exchanges commands over the noisy line and finishes with a warm reset.
func (s *stressSession) run(result *StressTestResult) *stressFailure {
	got, err := s.reader.ColdReset()
	if f := s.check("cold reset", s.atr.Bytes(), got, err); f != nil {
		return f
	}
	result.Passed++

	if s.atr.NegotiationAllowed() && s.atr.HasTA1() {
		req := pps.EncodeRequest(pps.Request{
			Protocol: s.atr.FirstProtocol(),
			HasPPS1:  true,
			PPS1:     atr.JoinFiDi(s.atr.FiIndex(), s.atr.DiIndex()),
		})
		got, err = s.noisy.SendPPS(req)
		if f := s.check("pps", req, got, err); f != nil {
			return f
		}
		result.Passed++
	}

	for i := range stressExchanges {
		cmd := []byte{0x00, byte(0xB0 + i%4), byte(i), 0x00, 0x10}
		want := append([]byte{cmd[1]}, cmd...)
		want = append(want, 0x90, 0x00)

		err = s.noisy.Send(cmd...)
		if err == nil {
			got, err = s.noisy.PumpTx()
		}
		if f := s.check(fmt.Sprintf("exchange %d", i), want, got, err); f != nil {
			return f
		}
		result.Passed++
	}

	got, err = s.reader.WarmReset()
	if f := s.check("warm reset", s.atr.Bytes(), got, err); f != nil {
		return f
	}
	result.Passed++
	return nil
}

func (s *stressSession) crashReport(f *stressFailure) *CrashReport {
	st := s.card.Status()
	return &CrashReport{
		Timestamp:    time.Now(),
		Seed:         s.seed,
		Operation:    f.operation,
		Error:        f.err.Error(),
		ATR:          hex.EncodeToString(s.atr.Bytes()),
		ExpectedHex:  hex.EncodeToString(f.expected),
		ActualHex:    hex.EncodeToString(f.actual),
		OperationLog: s.opLog,
		Status:       statusserver.NewStatusPayload(&st),
	}
}

func writeCrashReport(dir string, report *CrashReport) (string, error) {
	name := fmt.Sprintf("cardemu_crash_%d_%s.json", report.Seed, report.Timestamp.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write crash report: %w", err)
	}
	return path, nil
}

func runStressSession(cfg *config, atrBytes []byte, seed uint64) *StressTestResult {
	result := &StressTestResult{Seed: seed}
	started := time.Now()
	defer func() { result.Duration = time.Since(started) }()

	s, err := newStressSession(atrBytes, seed)
	if err != nil {
		result.Failed++
		_, _ = fmt.Fprintf(os.Stderr, "  seed %d: %v\n", seed, err)
		return result
	}

	failure := s.run(result)
	result.RxErrors, result.TxErrors = s.noisy.Errors()
	if failure == nil {
		result.Success = true
		return result
	}

	result.Failed++
	_, _ = fmt.Printf("  seed %d: %s failed: %v\n", seed, failure.operation, failure.err)
	path, err := writeCrashReport(cfg.stressDir, s.crashReport(failure))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "  %v\n", err)
		return result
	}
	result.CrashFile = path
	return result
}

// stressATR returns the configured ATR, or one announcing Fi=372 Di=4 so
// every session also negotiates.
func stressATR(cfg *config) ([]byte, error) {
	b, err := cfg.cardATR()
	if err != nil || b != nil {
		return b, err
	}
	a, err := atr.NewBuilder().WithFiDi(0x1, 0x3).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build stress ATR: %w", err)
	}
	return a.Bytes(), nil
}

func printStressTestBanner(cfg *config, atrBytes []byte) {
	_, _ = fmt.Println(strings.Repeat("=", 80))
	_, _ = fmt.Println("                      Card Emulation Stress Test Mode")
	_, _ = fmt.Println(strings.Repeat("=", 80))
	_, _ = fmt.Printf("Sessions: %d, seeds %d..%d, ATR % X\n",
		cfg.stress, cfg.stressSeed, cfg.stressSeed+uint64(cfg.stress)-1, atrBytes)
	_, _ = fmt.Printf("Noise: rx %.0f%%, tx %.0f%%, bursts up to %d\n",
		stressNoise.RxErrorRate*100, stressNoise.TxErrorRate*100, stressNoise.MaxBurst)
}

func printFinalSummary(results []*StressTestResult) {
	var passed, failed, rx, tx int
	var total time.Duration
	for _, r := range results {
		if r.Success {
			passed++
		} else {
			failed++
		}
		rx += r.RxErrors
		tx += r.TxErrors
		total += r.Duration
	}
	_, _ = fmt.Println(strings.Repeat("-", 80))
	_, _ = fmt.Printf("Sessions: %d passed, %d failed in %v\n", passed, failed, total.Round(time.Millisecond))
	_, _ = fmt.Printf("Injected parity errors: %d rx, %d tx\n", rx, tx)
	for _, r := range results {
		if r.CrashFile != "" {
			_, _ = fmt.Printf("Crash report: %s\n", r.CrashFile)
		}
	}
}

func runStressTestMode(ctx context.Context, cfg *config) error {
	atrBytes, err := stressATR(cfg)
	if err != nil {
		return err
	}
	printStressTestBanner(cfg, atrBytes)

	results := make([]*StressTestResult, 0, cfg.stress)
	for i := range cfg.stress {
		if err := ctx.Err(); err != nil {
			printFinalSummary(results)
			return err
		}
		results = append(results, runStressSession(cfg, atrBytes, cfg.stressSeed+uint64(i)))
	}
	printFinalSummary(results)

	for _, r := range results {
		if !r.Success {
			return fmt.Errorf("stress test failed for seed %d", r.Seed)
		}
	}
	return nil
}
