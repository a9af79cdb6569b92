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

// Package gpio watches the reader contacts on GPIO pins and drives the
// I/O line for the error signal.
//
// CLK runs at several MHz, far beyond what edge interrupts can follow, so
// the CLK pin is expected to carry a clock present level, e.g. from a
// retriggerable monostable. Without a CLK pin the clock is assumed to run.
package gpio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	// ErrPinNotFound is returned when a pin name does not resolve.
	ErrPinNotFound = errors.New("gpio: pin not found")
	// ErrStarted is returned by Start when the monitor already runs.
	ErrStarted = errors.New("gpio: monitor already started")
)

// Config names the pins. Names are resolved with gpioreg, e.g. "GPIO17".
type Config struct {
	VCC string
	RST string
	// CLK is optional.
	CLK string
	// IO is optional; see IOLine.
	IO string
	// RSTActiveHigh inverts RST for level shifters that do. ISO 7816 RST
	// is active low.
	RSTActiveHigh bool
	// Pull applies to the input pins. Default: pull down
	Pull gpio.Pull
	// EdgeTimeout bounds how long a watcher blocks between checks for
	// Close. Default: 100ms
	EdgeTimeout time.Duration
}

// Pins are the resolved pins of a Config.
type Pins struct {
	VCC gpio.PinIn
	RST gpio.PinIn
	CLK gpio.PinIn
	IO  gpio.PinOut
}

// Resolve initializes the host drivers and looks up the configured pins.
func Resolve(cfg Config) (Pins, error) {
	if _, err := host.Init(); err != nil {
		return Pins{}, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	var pins Pins
	var err error
	if pins.VCC, err = byName("VCC", cfg.VCC); err != nil {
		return Pins{}, err
	}
	if pins.RST, err = byName("RST", cfg.RST); err != nil {
		return Pins{}, err
	}
	if cfg.CLK != "" {
		if pins.CLK, err = byName("CLK", cfg.CLK); err != nil {
			return Pins{}, err
		}
	}
	if cfg.IO != "" {
		p, err := byName("IO", cfg.IO)
		if err != nil {
			return Pins{}, err
		}
		pins.IO = p
	}
	return pins, nil
}

func byName(role, name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no %s pin configured", ErrPinNotFound, role)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s pin %q", ErrPinNotFound, role, name)
	}
	return p, nil
}

// Monitor turns contact edges into IOStateChanged events.
type Monitor struct {
	pins Pins
	sink cardemu.EventSink
	done chan struct{}

	// mu orders samples taken by the per pin watchers
	mu   sync.Mutex
	last cardemu.Contacts

	wg            sync.WaitGroup
	closeOnce     sync.Once
	started       atomic.Bool
	timeout       time.Duration
	pull          gpio.Pull
	rstActiveHigh bool
}

// NewMonitor returns a monitor for pins. VCC and RST are required.
func NewMonitor(pins Pins, cfg Config) (*Monitor, error) {
	if pins.VCC == nil || pins.RST == nil {
		return nil, fmt.Errorf("%w: VCC and RST are required", ErrPinNotFound)
	}
	if cfg.EdgeTimeout <= 0 {
		cfg.EdgeTimeout = 100 * time.Millisecond
	}
	if cfg.Pull == gpio.Float {
		cfg.Pull = gpio.PullDown
	}
	return &Monitor{
		pins:          pins,
		done:          make(chan struct{}),
		timeout:       cfg.EdgeTimeout,
		pull:          cfg.Pull,
		rstActiveHigh: cfg.RSTActiveHigh,
	}, nil
}

// Start configures the input pins, reports their current levels and
// watches them until Close. sink must tolerate events from other
// goroutines feeding the same card; pass the sink returned by the
// transport's Start or cardemu.Serialize.
func (m *Monitor) Start(sink cardemu.EventSink) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	m.sink = sink

	inputs := []gpio.PinIn{m.pins.VCC, m.pins.RST}
	if m.pins.CLK != nil {
		inputs = append(inputs, m.pins.CLK)
	}
	for _, p := range inputs {
		if err := p.In(m.pull, gpio.BothEdges); err != nil {
			return fmt.Errorf("failed to configure pin %s: %w", p.Name(), err)
		}
	}

	m.sample()
	for _, p := range inputs {
		m.wg.Add(1)
		go m.watch(p)
	}
	return nil
}

// Close stops the watchers.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
	return nil
}

// Contacts returns the levels last reported to the sink.
func (m *Monitor) Contacts() cardemu.Contacts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) watch(p gpio.PinIn) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		default:
		}
		if p.WaitForEdge(m.timeout) {
			m.sample()
		}
	}
}

// sample reads every pin and reports what changed since the last sample.
func (m *Monitor) sample() {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.read()
	if n := m.last.Deliver(m.sink, next); n > 0 {
		cardemu.Debugf("gpio: %s", next)
	}
	m.last = next
}

func (m *Monitor) read() cardemu.Contacts {
	c := cardemu.Contacts{
		VCC: m.pins.VCC.Read() == gpio.High,
		RST: (m.pins.RST.Read() == gpio.High) == m.rstActiveHigh,
		CLK: true,
	}
	if m.pins.CLK != nil {
		c.CLK = m.pins.CLK.Read() == gpio.High
	}
	return c
}

// IOLine drives the error signal on a GPIO wired to the I/O contact and
// forwards every other call to the wrapped adapter. The pin must pull the
// line low only, through an open drain buffer or a diode.
type IOLine struct {
	cardemu.Adapter
	pin     gpio.PinOut
	width   atomic.Int64
	clockHz uint32
}

var _ cardemu.Adapter = (*IOLine)(nil)

// NewIOLine wraps next. clockHz converts the ETU into the error signal
// width of two ETU.
func NewIOLine(next cardemu.Adapter, pin gpio.PinOut, clockHz uint32) (*IOLine, error) {
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("failed to release I/O pin %s: %w", pin.Name(), err)
	}
	l := &IOLine{Adapter: next, pin: pin, clockHz: clockHz}
	l.setWidth(atr.DefaultF, atr.DefaultD)
	return l, nil
}

func (l *IOLine) setWidth(f uint16, d uint8) {
	if l.clockHz == 0 || d == 0 {
		return
	}
	etu := time.Duration(uint64(f) * uint64(time.Second) / (uint64(d) * uint64(l.clockHz)))
	l.width.Store(int64(2 * etu))
}

// Width returns the current error signal width.
func (l *IOLine) Width() time.Duration {
	return time.Duration(l.width.Load())
}

// UpdateFD implements cardemu.Adapter.
func (l *IOLine) UpdateFD(ch uint8, f uint16, d uint8) {
	l.setWidth(f, d)
	l.Adapter.UpdateFD(ch, f, d)
}

// SetIO implements cardemu.Adapter. A low request holds the line for the
// error signal width and then releases it; high requests are absorbed.
func (l *IOLine) SetIO(_ uint8, high bool) {
	if high {
		return
	}
	if err := l.pin.Out(gpio.Low); err != nil {
		cardemu.Debugf("gpio: error signal on %s: %v", l.pin.Name(), err)
		return
	}
	time.AfterFunc(l.Width(), func() {
		if err := l.pin.Out(gpio.High); err != nil {
			cardemu.Debugf("gpio: release %s: %v", l.pin.Name(), err)
		}
	})
}
