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
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
	"github.com/ZaparooProject/go-cardemu/statusserver"
	"github.com/ZaparooProject/go-cardemu/transport/gpio"
	"github.com/ZaparooProject/go-cardemu/transport/uart"
)

type config struct {
	portName   string
	atrHex     string
	listen     string
	gpioVCC    string
	gpioRST    string
	gpioCLK    string
	gpioIO     string
	stressDir  string
	stress     int
	stressSeed uint64
	clockHz    uint
	slot       uint
	list       bool
	rstHigh    bool
	debug      bool
	sessionLog bool
	mdns       bool
}

// Package-level flag variables
var (
	flagPort       string
	flagATR        string
	flagListen     string
	flagGPIOVCC    string
	flagGPIORST    string
	flagGPIOCLK    string
	flagGPIOIO     string
	flagStressDir  string
	flagStress     int
	flagStressSeed uint64
	flagClock      uint
	flagSlot       uint
	flagList       bool
	flagRSTHigh    bool
	flagDebug      bool
	flagSessionLog bool
	flagMDNS       bool
)

func init() {
	flag.StringVar(&flagPort, "port", "", "Serial port wired to the reader's I/O line, or \"auto\" to detect it")
	flag.BoolVar(&flagList, "list", false, "List serial ports and exit")
	flag.UintVar(&flagClock, "clock", 3571200, "Reader clock frequency in Hz")
	flag.StringVar(&flagATR, "atr", "", "ATR to answer with, as hex (default 3B 02 14 50)")
	flag.UintVar(&flagSlot, "slot", 0, "Slot number reported in status messages")
	flag.StringVar(&flagListen, "listen", "", "Address for the websocket status server, e.g. :8532")
	flag.StringVar(&flagGPIOVCC, "gpio-vcc", "", "GPIO watching VCC (replaces modem status lines)")
	flag.StringVar(&flagGPIORST, "gpio-rst", "", "GPIO watching RST")
	flag.StringVar(&flagGPIOCLK, "gpio-clk", "", "GPIO with a clock present level (optional)")
	flag.StringVar(&flagGPIOIO, "gpio-io", "", "GPIO pulling I/O low for the error signal (optional)")
	flag.BoolVar(&flagRSTHigh, "gpio-rst-active-high", false, "RST GPIO reads high while reset is asserted")
	flag.BoolVar(&flagMDNS, "mdns", false, "Advertise the status server over mDNS")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagSessionLog, "session-log", false, "Write a session log file in the current directory")
	flag.IntVar(&flagStress, "stress", 0, "Run N simulated sessions over a noisy line and exit")
	flag.Uint64Var(&flagStressSeed, "stress-seed", 1, "Seed for the simulated line noise")
	flag.StringVar(&flagStressDir, "stress-reports", ".", "Directory for stress test crash reports")
}

func parseConfig() *config {
	cfg := &config{
		portName:   flagPort,
		list:       flagList,
		clockHz:    flagClock,
		atrHex:     flagATR,
		slot:       flagSlot,
		listen:     flagListen,
		gpioVCC:    flagGPIOVCC,
		gpioRST:    flagGPIORST,
		gpioCLK:    flagGPIOCLK,
		gpioIO:     flagGPIOIO,
		rstHigh:    flagRSTHigh,
		debug:      flagDebug,
		sessionLog: flagSessionLog,
		mdns:       flagMDNS,
		stress:     flagStress,
		stressSeed: flagStressSeed,
		stressDir:  flagStressDir,
	}

	// Enable debug output if --debug flag is set
	if cfg.debug {
		cardemu.SetDebugEnabled(true)
	}

	return cfg
}

func (cfg *config) validate() error {
	if cfg.list || cfg.stress > 0 {
		return nil
	}
	if cfg.portName == "" {
		return errors.New("-port is required")
	}
	if cfg.slot > 255 {
		return fmt.Errorf("-slot %d out of range", cfg.slot)
	}
	if cfg.clockHz == 0 || cfg.clockHz > 20_000_000 {
		return fmt.Errorf("-clock %d out of range", cfg.clockHz)
	}
	if (cfg.gpioVCC == "") != (cfg.gpioRST == "") {
		return errors.New("-gpio-vcc and -gpio-rst go together")
	}
	if cfg.mdns {
		if _, err := listenPort(cfg.listen); err != nil {
			return fmt.Errorf("-mdns needs -listen: %w", err)
		}
	}
	return nil
}

// listenPort extracts the TCP port from a listen address such as :8532.
func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid listen port %q", portStr)
	}
	return port, nil
}

func (cfg *config) watchGPIO() bool { return cfg.gpioVCC != "" }

// cardATR returns the configured ATR, nil for the default.
func (cfg *config) cardATR() ([]byte, error) {
	if cfg.atrHex == "" {
		return nil, nil
	}
	a, err := atr.ParseHex(cfg.atrHex)
	if err != nil {
		return nil, fmt.Errorf("invalid -atr: %w", err)
	}
	return a.Bytes(), nil
}

// resolvePort turns -port auto into the first known USB serial adapter.
func resolvePort(name string) (string, error) {
	if name != uart.AutoPort {
		return name, nil
	}
	p, err := uart.DetectPort(nil)
	if err != nil {
		return "", err
	}
	_, _ = fmt.Printf("Detected %s\n", p)
	return p.Name, nil
}

func listPorts() error {
	ports, err := uart.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		_, _ = fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		_, _ = fmt.Println(p.String())
	}
	return nil
}

// rxPrinter prints TPDU bytes from the reader without blocking the card.
type rxPrinter struct {
	bytes chan byte
	done  chan struct{}
}

func newRxPrinter() *rxPrinter {
	p := &rxPrinter{bytes: make(chan byte, 1024), done: make(chan struct{})}
	go p.run()
	return p
}

func (p *rxPrinter) handle(_ uint8, b byte) {
	select {
	case p.bytes <- b:
	default:
	}
}

func (p *rxPrinter) run() {
	defer close(p.done)
	var line []byte
	flush := time.NewTicker(20 * time.Millisecond)
	defer flush.Stop()
	for {
		select {
		case b, ok := <-p.bytes:
			if !ok {
				printRx(line)
				return
			}
			line = append(line, b)
		case <-flush.C:
			printRx(line)
			line = line[:0]
		}
	}
}

func (p *rxPrinter) close() {
	close(p.bytes)
	<-p.done
}

func printRx(b []byte) {
	if len(b) > 0 {
		_, _ = fmt.Printf("RX % X\n", b)
	}
}

func runEmulator(ctx context.Context, cfg *config) error {
	atrBytes, err := cfg.cardATR()
	if err != nil {
		return err
	}

	registry := cardemu.NewRegistry()
	reporters := cardemu.MultiReporter{cardemu.LogReporter{}}

	var srv *statusserver.Server
	if cfg.listen != "" {
		srv = statusserver.New(registry, nil)
		defer func() { _ = srv.Close() }()
		reporters = append(reporters, srv)
	}

	// closed after the bridge, which may still deliver bytes
	printer := newRxPrinter()
	defer printer.close()

	portName, err := resolvePort(cfg.portName)
	if err != nil {
		return err
	}

	bridge, err := uart.OpenWithRetry(ctx, uart.Config{
		PortName:    portName,
		ClockHz:     uint32(cfg.clockHz),
		IgnoreLines: cfg.watchGPIO(),
	}, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close port: %v\n", err)
		}
	}()

	var adapter cardemu.Adapter = bridge
	var pins gpio.Pins
	if cfg.watchGPIO() || cfg.gpioIO != "" {
		pins, err = gpio.Resolve(gpio.Config{
			VCC: cfg.gpioVCC,
			RST: cfg.gpioRST,
			CLK: cfg.gpioCLK,
			IO:  cfg.gpioIO,
		})
		if err != nil {
			return err
		}
	}
	if pins.IO != nil {
		adapter, err = gpio.NewIOLine(bridge, pins.IO, uint32(cfg.clockHz))
		if err != nil {
			return err
		}
	}

	card, err := cardemu.New(cardemu.Identifiers{Slot: uint8(cfg.slot)}, adapter, &cardemu.Config{
		ATR:       atrBytes,
		ClockHz:   uint32(cfg.clockHz),
		Reporter:  reporters,
		RxHandler: printer.handle,
	})
	if err != nil {
		return fmt.Errorf("failed to create card: %w", err)
	}
	if err := registry.Register(card); err != nil {
		return err
	}

	sink, err := bridge.Start(card)
	if err != nil {
		return err
	}

	if cfg.watchGPIO() {
		monitor, err := gpio.NewMonitor(pins, gpio.Config{RSTActiveHigh: cfg.rstHigh})
		if err != nil {
			return err
		}
		if err := monitor.Start(sink); err != nil {
			return err
		}
		defer func() { _ = monitor.Close() }()
	}

	errCh := make(chan error, 1)
	if srv != nil {
		go func() { errCh <- srv.ListenAndServe(ctx, cfg.listen) }()

		if cfg.mdns {
			port, err := listenPort(cfg.listen)
			if err != nil {
				return err
			}
			adv, err := statusserver.Advertise("", port, registry)
			if err != nil {
				return err
			}
			defer adv.Shutdown()
		}
	}

	_, _ = fmt.Printf("Emulating card on %s, ATR %s. Press Ctrl+C to stop...\n",
		bridge.PortName(), atrString(card.ATR()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func atrString(b []byte) string {
	return fmt.Sprintf("% X", b)
}

func run(ctx context.Context, cfg *config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.sessionLog {
		path, err := cardemu.InitSessionLog("")
		if err != nil {
			return fmt.Errorf("failed to open session log: %w", err)
		}
		defer func() { _ = cardemu.CloseSessionLog() }()
		_, _ = fmt.Printf("Session log: %s\n", path)
	}

	switch {
	case cfg.list:
		return listPorts()
	case cfg.stress > 0:
		return runStressTestMode(ctx, cfg)
	default:
		return runEmulator(ctx, cfg)
	}
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	// Parse command-line flags
	cfg := parseConfig()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			// User requested shutdown, exit cleanly
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
