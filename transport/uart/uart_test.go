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

package uart

import (
	"errors"
	"sync"
	"testing"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	testutil "github.com/ZaparooProject/go-cardemu/internal/testing"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// errPortClosed is returned when operations are attempted on a closed port
var errPortClosed = errors.New("port is closed")

// mockPort is a serial.Port whose TX is looped back into RX, like a half
// duplex I/O line.
type mockPort struct {
	writeErr  error
	notify    chan struct{}
	rx        []byte
	written   []byte
	modes     []serial.Mode
	breaks    []time.Duration
	drainErrs []error
	drains    int
	bits      serial.ModemStatusBits
	timeout   time.Duration
	mu        sync.Mutex
	closed    bool
}

func newMockPort() *mockPort {
	return &mockPort{notify: make(chan struct{}, 1), timeout: time.Millisecond}
}

func (m *mockPort) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// inject queues bytes sent by the reader.
func (m *mockPort) inject(b ...byte) {
	m.mu.Lock()
	m.rx = append(m.rx, b...)
	m.mu.Unlock()
	m.wake()
}

func (m *mockPort) setLines(vcc, rstReleased, clk bool) {
	m.mu.Lock()
	m.bits = serial.ModemStatusBits{CTS: vcc, DSR: rstReleased, DCD: clk}
	m.mu.Unlock()
}

func (m *mockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written...)
}

func (m *mockPort) Breaks() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.breaks...)
}

func (m *mockPort) SetMode(mode *serial.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes = append(m.modes, *mode)
	return nil
}

func (m *mockPort) Read(p []byte) (int, error) {
	deadline := time.After(m.timeout)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, errPortClosed
		}
		if len(m.rx) > 0 {
			n := copy(p, m.rx)
			m.rx = m.rx[n:]
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-deadline:
			return 0, nil
		}
	}
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errPortClosed
	}
	if m.writeErr != nil {
		m.mu.Unlock()
		return 0, m.writeErr
	}
	m.written = append(m.written, p...)
	m.rx = append(m.rx, p...)
	m.mu.Unlock()
	m.wake()
	return len(p), nil
}

func (m *mockPort) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drains++
	if len(m.drainErrs) > 0 {
		err := m.drainErrs[0]
		m.drainErrs = m.drainErrs[1:]
		return err
	}
	return nil
}

func (*mockPort) ResetInputBuffer() error  { return nil }
func (*mockPort) ResetOutputBuffer() error { return nil }
func (*mockPort) SetDTR(_ bool) error      { return nil }
func (*mockPort) SetRTS(_ bool) error      { return nil }

func (m *mockPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bits := m.bits
	return &bits, nil
}

func (m *mockPort) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = t
	return nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *mockPort) Break(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaks = append(m.breaks, d)
	return nil
}

// Verify interface implementation
var _ serial.Port = (*mockPort)(nil)

// recordingSink counts events and never has anything to send.
type recordingSink struct {
	rx      []byte
	signals []cardemu.ContactEvent
	halfed  int
	expired int
	mu      sync.Mutex
}

func (r *recordingSink) ProcessRxByte(b byte) error { return r.ProcessRxByteFlags(b, 0) }

func (r *recordingSink) ProcessRxByteFlags(b byte, _ cardemu.RxFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rx = append(r.rx, b)
	return nil
}

func (*recordingSink) TxByte() (bool, error) { return false, nil }
func (*recordingSink) TxParityError()        {}

func (r *recordingSink) IOStateChanged(sig cardemu.Signal, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, cardemu.ContactEvent{Signal: sig, Active: active})
}

func (r *recordingSink) WaitingTimeHalfed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halfed++
}

func (r *recordingSink) WaitingTimeExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired++
}

func (r *recordingSink) received() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.rx...)
}

func newTestBridge(t *testing.T, port *mockPort) *Bridge {
	t.Helper()
	b, err := newBridge(port, Config{PortName: "mock", PollInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestModeFor(t *testing.T) {
	t.Parallel()

	mode := modeFor(3571200, atr.DefaultF, atr.DefaultD)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	assert.Equal(t, 223200, modeFor(3571200, 512, 32).BaudRate)
}

func TestETUDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 104166*time.Nanosecond, etuDuration(3571200, 372, 1))
	assert.Equal(t, 4480*time.Nanosecond, etuDuration(3571200, 512, 32))
	assert.Zero(t, etuDuration(0, 372, 1))
}

func TestContactsFromModem(t *testing.T) {
	t.Parallel()

	c := contactsFromModem(&serial.ModemStatusBits{CTS: true, DSR: false, DCD: true})
	assert.Equal(t, cardemu.Contacts{VCC: true, RST: true, CLK: true}, c)

	c = contactsFromModem(&serial.ModemStatusBits{DSR: true})
	assert.Equal(t, cardemu.Contacts{}, c)
}

func TestIsInterruptedSystemCall(t *testing.T) {
	t.Parallel()

	assert.False(t, isInterruptedSystemCall(nil))
	assert.True(t, isInterruptedSystemCall(errors.New("read: interrupted system call")))
	assert.True(t, isInterruptedSystemCall(errors.New("EINTR")))
	assert.False(t, isInterruptedSystemCall(errors.New("device not configured")))
}

func TestDrainWithRetry(t *testing.T) {
	t.Parallel()

	t.Run("retries interrupted drain", func(t *testing.T) {
		t.Parallel()
		port := newMockPort()
		port.drainErrs = []error{errors.New("interrupted system call")}
		b := newTestBridge(t, port)

		require.NoError(t, b.drainWithRetry("test"))
		assert.Equal(t, 2, port.drains)
	})

	t.Run("gives up on other errors", func(t *testing.T) {
		t.Parallel()
		port := newMockPort()
		port.drainErrs = []error{errors.New("io error")}
		b := newTestBridge(t, port)

		err := b.drainWithRetry("test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "io error")
		assert.Equal(t, 1, port.drains)
	})
}

func TestBridge_UpdateFD(t *testing.T) {
	t.Parallel()

	port := newMockPort()
	b := newTestBridge(t, port)

	b.UpdateFD(0, 512, 32)
	require.NotEmpty(t, port.modes)
	assert.Equal(t, 223200, port.modes[len(port.modes)-1].BaudRate)
	assert.Equal(t, 4480*time.Nanosecond, b.currentETU())
}

func TestBridge_Tx(t *testing.T) {
	t.Parallel()

	port := newMockPort()
	b := newTestBridge(t, port)

	require.NoError(t, b.Tx(0, 0x3B))
	assert.Equal(t, []byte{0x3B}, port.Written())
	assert.Equal(t, int32(1), b.echo.Load())

	port.writeErr = errors.New("unplugged")
	err := b.Tx(0, 0x02)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unplugged")
	assert.Equal(t, int32(1), b.echo.Load())
}

func TestBridge_ReceiveFiltering(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, newMockPort())
	rec := &recordingSink{}
	b.sink = rec

	b.Enable(0, cardemu.EnableRX)
	b.echo.Store(1)
	b.receive(0x55) // our own byte
	b.receive(0x66)

	b.Enable(0, 0)
	b.receive(0x77)

	assert.Equal(t, []byte{0x66}, rec.received())
}

func TestWaitingTimeGuard(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, newMockPort())
	rec := &recordingSink{}
	g := &wtGuard{EventSink: rec, b: b}

	// disarmed
	g.WaitingTimeHalfed()
	g.WaitingTimeExpired()

	// restarted just now: both callbacks are stale
	b.wtDur.Store(int64(time.Hour))
	b.wtStart.Store(int64(time.Since(b.epoch)))
	g.WaitingTimeHalfed()
	g.WaitingTimeExpired()

	b.wtStart.Store(int64(time.Since(b.epoch) - 40*time.Minute))
	g.WaitingTimeHalfed()
	g.WaitingTimeExpired()

	b.wtStart.Store(int64(time.Since(b.epoch) - 2*time.Hour))
	g.WaitingTimeExpired()

	assert.Equal(t, 1, rec.halfed)
	assert.Equal(t, 1, rec.expired)
}

func TestBridge_WaitingTimeTimers(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, newMockPort())
	rec := &recordingSink{}
	_, err := b.Start(rec)
	require.NoError(t, err)

	// 10 ETU at 9600 baud, about a millisecond
	b.UpdateWT(0, 10)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.halfed == 1 && rec.expired == 1
	}, time.Second, time.Millisecond)
}

func TestBridge_ErrorSignalBreak(t *testing.T) {
	t.Parallel()

	port := newMockPort()
	b := newTestBridge(t, port)
	_, err := b.Start(&recordingSink{})
	require.NoError(t, err)

	b.SetIO(0, false)
	b.SetIO(0, true)

	assert.Eventually(t, func() bool {
		return len(port.Breaks()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2*104166*time.Nanosecond, port.Breaks()[0])
}

func TestBridge_StartTwice(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, newMockPort())
	_, err := b.Start(&recordingSink{})
	require.NoError(t, err)
	_, err = b.Start(&recordingSink{})
	require.ErrorIs(t, err, ErrStarted)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

// Producers call Interrupt through Card.HaveNewTx while the transmit loop
// may be busy; the call must never block or race.
func TestBridge_InterruptFromProducers(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, newMockPort())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Interrupt(0)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Interrupt blocked")
	}
	assert.Len(t, b.kick, 1, "pending kicks collapse into one")
}

func TestBridge_LinePolling(t *testing.T) {
	t.Parallel()

	port := newMockPort()
	b := newTestBridge(t, port)
	rec := &recordingSink{}
	port.setLines(true, true, true)
	_, err := b.Start(rec)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.signals) == 2
	}, time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []cardemu.ContactEvent{
		{Signal: cardemu.SignalCLK, Active: true},
		{Signal: cardemu.SignalVCC, Active: true},
	}, rec.signals)
}

func TestBridge_CardSession(t *testing.T) {
	t.Parallel()

	port := newMockPort()
	runCardSession(t, port, newTestBridge(t, port))
}

// USB bridges hand over received characters late and split up.
func TestBridge_CardSessionJittery(t *testing.T) {
	t.Parallel()

	port := newMockPort()
	jittery := testutil.NewJitteryPort(port, testutil.JitterConfig{
		MaxLatency:       time.Millisecond,
		FragmentReads:    true,
		FragmentMinBytes: 1,
		Seed:             7816,
	})
	b, err := newBridge(jittery, Config{PortName: "jittery", PollInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	runCardSession(t, port, b)
}

func runCardSession(t *testing.T, port *mockPort, b *Bridge) {
	t.Helper()

	var (
		mu  sync.Mutex
		got []byte
	)
	card, err := cardemu.New(cardemu.Identifiers{Slot: 1}, b, &cardemu.Config{
		RxHandler: func(_ uint8, v byte) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	_, err = b.Start(card)
	require.NoError(t, err)

	// RST low, then power and clock
	port.setLines(true, false, true)
	require.Eventually(t, func() bool {
		return card.Phase() == cardemu.PhaseResetAsserted
	}, time.Second, time.Millisecond)

	time.Sleep(time.Millisecond)
	port.setLines(true, true, true)

	want := atr.Default().Bytes()
	require.Eventually(t, func() bool {
		return string(port.Written()) == string(want) &&
			cardemu.Direction(b.dir.Load()) == cardemu.EnableRX
	}, time.Second, time.Millisecond)

	port.inject(0x00, 0xA4)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "\x00\xA4"
	}, time.Second, time.Millisecond)
	assert.Equal(t, cardemu.PhaseTPDUExchange, card.Phase())

	require.NoError(t, card.Enqueue([]byte{0x90, 0x00}))
	require.Eventually(t, func() bool {
		return string(port.Written()) == string(append(want, 0x90, 0x00))
	}, time.Second, time.Millisecond)

	// the looped back response is not mistaken for reader data
	time.Sleep(5 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []byte{0x00, 0xA4}, got)
	mu.Unlock()
}
