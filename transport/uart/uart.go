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

// Package uart connects a card to a reader through a host serial port.
//
// The Bridge is the cardemu.Adapter for setups where the reader's I/O line
// is wired to the RX and TX pins of a USB serial adapter (TX through a
// diode or open-drain buffer so the line stays half duplex) and the
// contact lines are fed to the modem status inputs:
//
//	CTS  VCC present
//	DSR  RST released (high)
//	DCD  CLK running
//
// Contacts are polled once per read timeout, so a reset pulse shorter than
// the poll interval is seen as a glitch. A host UART cannot sample the
// reader's error signal or generate one at
// the exact ETU position, so parity errors are not reported in either
// direction. The error signal the card asks for is approximated with a
// short break.
package uart

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrStarted is returned by Start when the bridge already runs a card.
var ErrStarted = errors.New("uart: bridge already started")

// Config selects the port and the reader clock.
type Config struct {
	// PortName is the serial device, e.g. /dev/ttyUSB0 or COM3.
	PortName string
	// ClockHz is the reader's CLK frequency. Default: 3.5712 MHz
	ClockHz uint32
	// PollInterval bounds how long a contact change goes unnoticed.
	// Default: 10ms, 20ms on Windows
	PollInterval time.Duration
	// UARTChannel is the channel id the card addresses this bridge with.
	UARTChannel uint8
	// IgnoreLines disables modem status polling, for wiring where the
	// contact lines are watched by another monitor (see transport/gpio).
	IgnoreLines bool
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// defaultPollInterval returns the read timeout used as line poll period.
// Windows serial drivers return early reads less reliably.
func defaultPollInterval() time.Duration {
	if isWindows() {
		return 20 * time.Millisecond
	}
	return 10 * time.Millisecond
}

// Bridge implements cardemu.Adapter on a serial port.
type Bridge struct {
	port      serial.Port
	sink      cardemu.EventSink
	halfTimer *time.Timer
	fullTimer *time.Timer
	kick      chan struct{}
	done      chan struct{}
	portName  string

	// wtStart is the last restart as an offset from epoch
	epoch   time.Time
	wtStart atomic.Int64
	wtDur   atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
	etu       atomic.Int64
	echo      atomic.Int32
	dir       atomic.Uint32
	started   atomic.Bool
	breakReq  atomic.Bool

	// read loop only
	last cardemu.Contacts

	poll        time.Duration
	clockHz     uint32
	ch          uint8
	ignoreLines bool
	txBuf       [1]byte
}

var _ cardemu.Adapter = (*Bridge)(nil)

// Open opens the serial port at the default ISO 7816-3 rate, 8E2.
func Open(cfg Config) (*Bridge, error) {
	clockHz := cfg.ClockHz
	if clockHz == 0 {
		clockHz = cardemu.DefaultConfig().ClockHz
	}
	port, err := serial.Open(cfg.PortName, modeFor(clockHz, atr.DefaultF, atr.DefaultD))
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", cfg.PortName, err)
	}
	b, err := newBridge(port, cfg)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return b, nil
}

func newBridge(port serial.Port, cfg Config) (*Bridge, error) {
	if cfg.ClockHz == 0 {
		cfg.ClockHz = cardemu.DefaultConfig().ClockHz
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval()
	}
	if err := port.SetReadTimeout(cfg.PollInterval); err != nil {
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}

	b := &Bridge{
		port:        port,
		portName:    cfg.PortName,
		clockHz:     cfg.ClockHz,
		poll:        cfg.PollInterval,
		ch:          cfg.UARTChannel,
		ignoreLines: cfg.IgnoreLines,
		epoch:       time.Now(),
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	b.etu.Store(int64(etuDuration(cfg.ClockHz, atr.DefaultF, atr.DefaultD)))
	b.halfTimer = time.AfterFunc(time.Hour, b.fireHalf)
	b.fullTimer = time.AfterFunc(time.Hour, b.fireFull)
	b.halfTimer.Stop()
	b.fullTimer.Stop()
	return b, nil
}

// modeFor returns the serial framing for an ISO 7816-3 character at F/D.
func modeFor(clockHz uint32, f uint16, d uint8) *serial.Mode {
	return &serial.Mode{
		BaudRate: int(atr.BaudRate(clockHz, f, d)),
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.TwoStopBits,
	}
}

// etuDuration returns one elementary time unit, F/D clock cycles.
func etuDuration(clockHz uint32, f uint16, d uint8) time.Duration {
	if clockHz == 0 || d == 0 {
		return 0
	}
	return time.Duration(uint64(f) * uint64(time.Second) / (uint64(d) * uint64(clockHz)))
}

// Start attaches the card and starts the receive and transmit loops. The
// returned sink serializes every event for card; other monitors feeding
// the same card must use it.
func (b *Bridge) Start(card cardemu.EventSink) (cardemu.EventSink, error) {
	if !b.started.CompareAndSwap(false, true) {
		return nil, ErrStarted
	}
	b.sink = cardemu.Serialize(&wtGuard{EventSink: card, b: b})

	b.wg.Add(2)
	go b.readLoop()
	go b.txLoop()
	return b.sink, nil
}

// Close stops the loops and closes the port.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.halfTimer.Stop()
		b.fullTimer.Stop()
		if cerr := b.port.Close(); cerr != nil {
			err = fmt.Errorf("UART close failed: %w", cerr)
		}
		b.wg.Wait()
	})
	return err
}

// PortName returns the device the bridge was opened on.
func (b *Bridge) PortName() string { return b.portName }

// UpdateFD implements cardemu.Adapter by reprogramming the baud rate.
func (b *Bridge) UpdateFD(_ uint8, f uint16, d uint8) {
	b.etu.Store(int64(etuDuration(b.clockHz, f, d)))
	mode := modeFor(b.clockHz, f, d)
	if err := b.port.SetMode(mode); err != nil {
		cardemu.Debugf("uart %s: set %d baud: %v", b.portName, mode.BaudRate, err)
		return
	}
	cardemu.Debugf("uart %s: F=%d D=%d, %d baud", b.portName, f, d, mode.BaudRate)
}

// UpdateWT implements cardemu.Adapter. wt is in ETU at the current F/D.
func (b *Bridge) UpdateWT(_ uint8, wt uint32) {
	b.wtDur.Store(int64(wt) * b.etu.Load())
	b.restartWT()
}

// ResetWT implements cardemu.Adapter.
func (b *Bridge) ResetWT(uint8) {
	b.restartWT()
}

func (b *Bridge) restartWT() {
	b.wtStart.Store(int64(time.Since(b.epoch)))
	dur := time.Duration(b.wtDur.Load())
	if dur <= 0 {
		b.halfTimer.Stop()
		b.fullTimer.Stop()
		return
	}
	b.halfTimer.Reset(dur / 2)
	b.fullTimer.Reset(dur)
}

func (b *Bridge) fireHalf() {
	if b.started.Load() {
		b.sink.WaitingTimeHalfed()
	}
}

func (b *Bridge) fireFull() {
	if b.started.Load() {
		b.sink.WaitingTimeExpired()
	}
}

// wtElapsed reports whether 1/div of the waiting time has passed since
// the last restart.
func (b *Bridge) wtElapsed(div time.Duration) bool {
	dur := time.Duration(b.wtDur.Load())
	if dur <= 0 {
		return false
	}
	elapsed := time.Since(b.epoch) - time.Duration(b.wtStart.Load())
	return elapsed >= dur/div
}

// wtGuard drops timer callbacks that lost the race against a restart:
// a stale timer may fire just before ResetWT stops it.
type wtGuard struct {
	cardemu.EventSink
	b *Bridge
}

func (g *wtGuard) WaitingTimeHalfed() {
	if g.b.wtElapsed(2) {
		g.EventSink.WaitingTimeHalfed()
	}
}

func (g *wtGuard) WaitingTimeExpired() {
	if g.b.wtElapsed(1) {
		g.EventSink.WaitingTimeExpired()
	}
}

// SetIO implements cardemu.Adapter. Pulling the line low requests a break
// of two ETU from the transmit loop.
func (b *Bridge) SetIO(_ uint8, high bool) {
	if high {
		return
	}
	b.breakReq.Store(true)
	b.Interrupt(b.ch)
}

// Tx implements cardemu.Adapter. The byte will be looped back by the
// shared I/O line and is dropped from the receive stream.
func (b *Bridge) Tx(_ uint8, v byte) error {
	b.txBuf[0] = v
	b.echo.Add(1)
	n, err := b.port.Write(b.txBuf[:])
	if err != nil || n != 1 {
		b.echo.Add(-1)
		if err == nil {
			err = errors.New("short write")
		}
		return fmt.Errorf("UART write failed: %w", err)
	}
	return nil
}

// Enable implements cardemu.Adapter. Disabling both directions also
// forgets pending echo bytes.
func (b *Bridge) Enable(_ uint8, dir cardemu.Direction) {
	b.dir.Store(uint32(dir))
	if dir == 0 {
		b.echo.Store(0)
	}
}

// WaitTxIdle implements cardemu.Adapter.
func (b *Bridge) WaitTxIdle(uint8) {
	if err := b.drainWithRetry("tx idle"); err != nil {
		cardemu.Debugf("uart %s: %v", b.portName, err)
	}
}

// Interrupt implements cardemu.Adapter. Never blocks: one pending kick is
// enough for the transmit loop to drain the card.
func (b *Bridge) Interrupt(uint8) {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (b *Bridge) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := b.port.Drain()
		if err == nil {
			return nil
		}

		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt))
			continue
		}

		return fmt.Errorf("UART %s drain failed: %w", operation, err)
	}

	return fmt.Errorf("UART %s drain failed after %d retries", operation, maxRetries)
}

func (b *Bridge) txLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.kick:
		}

		if b.breakReq.Swap(false) {
			if err := b.port.Break(2 * b.currentETU()); err != nil {
				cardemu.Debugf("uart %s: error signal: %v", b.portName, err)
			}
		}
		for {
			sent, err := b.sink.TxByte()
			if err != nil {
				cardemu.Debugf("uart %s: %v", b.portName, err)
				break
			}
			if !sent {
				break
			}
		}
	}
}

// currentETU returns the ETU at the F/D last pushed by the card.
func (b *Bridge) currentETU() time.Duration {
	etu := time.Duration(b.etu.Load())
	if etu < time.Microsecond {
		etu = time.Microsecond
	}
	return etu
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, 64)
	for {
		select {
		case <-b.done:
			return
		default:
		}

		n, err := b.port.Read(buf)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			cardemu.Debugf("uart %s: read: %v", b.portName, err)
			time.Sleep(b.poll)
			continue
		}
		for _, v := range buf[:n] {
			b.receive(v)
		}
		if !b.ignoreLines {
			b.pollLines()
		}
	}
}

// receive drops looped back bytes and bytes arriving with RX disabled.
func (b *Bridge) receive(v byte) {
	if b.consumeEcho() {
		return
	}
	if cardemu.Direction(b.dir.Load())&cardemu.EnableRX == 0 {
		return
	}
	if err := b.sink.ProcessRxByte(v); err != nil {
		cardemu.Debugf("uart %s: rx %02X: %v", b.portName, v, err)
	}
}

func (b *Bridge) consumeEcho() bool {
	for {
		n := b.echo.Load()
		if n <= 0 {
			return false
		}
		if b.echo.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (b *Bridge) pollLines() {
	bits, err := b.port.GetModemStatusBits()
	if err != nil {
		cardemu.Debugf("uart %s: modem status: %v", b.portName, err)
		return
	}
	next := contactsFromModem(bits)
	b.last.Deliver(b.sink, next)
	b.last = next
}

func contactsFromModem(bits *serial.ModemStatusBits) cardemu.Contacts {
	return cardemu.Contacts{VCC: bits.CTS, RST: !bits.DSR, CLK: bits.DCD}
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	VID          string
	PID          string
	SerialNumber string
	Product      string
	IsUSB        bool
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	return fmt.Sprintf("%s [%s:%s] %s %s", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

// ListPorts returns the serial ports available on the host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}
