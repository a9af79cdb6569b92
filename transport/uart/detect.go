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
	"fmt"
	"strings"
)

// AutoPort is the port name that makes DetectPort pick the adapter.
const AutoPort = "auto"

// ErrNoAdapter is returned when no known USB serial adapter is present.
var ErrNoAdapter = errors.New("uart: no USB serial adapter found")

// DefaultAdapters returns the USB serial bridges known to expose CTS, DSR
// and DCD, which the contact lines are wired to.
// Format: VID:PID in hexadecimal (case-insensitive).
func DefaultAdapters() []string {
	return []string{
		"0403:6001", // FTDI FT232R
		"0403:6010", // FTDI FT2232
		"0403:6014", // FTDI FT232H
		"10C4:EA60", // Silicon Labs CP210x
		"067B:2303", // Prolific PL2303
	}
}

// IsKnown checks if a VID:PID pair is in the list.
func IsKnown(vidpid string, list []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	for _, known := range list {
		if vidpid == strings.ToUpper(strings.TrimSpace(known)) {
			return true
		}
	}
	return false
}

// VIDPID returns the port's USB ids as VID:PID, or "" for non USB ports.
func (p PortInfo) VIDPID() string {
	if !p.IsUSB || p.VID == "" || p.PID == "" {
		return ""
	}
	return strings.ToUpper(p.VID + ":" + p.PID)
}

// DetectPort returns the first port backed by one of the known adapters.
// A nil list selects DefaultAdapters.
func DetectPort(known []string) (PortInfo, error) {
	ports, err := ListPorts()
	if err != nil {
		return PortInfo{}, err
	}
	return selectPort(ports, known)
}

func selectPort(ports []PortInfo, known []string) (PortInfo, error) {
	if known == nil {
		known = DefaultAdapters()
	}
	for _, p := range ports {
		if id := p.VIDPID(); id != "" && IsKnown(id, known) {
			return p, nil
		}
	}
	return PortInfo{}, fmt.Errorf("%w among %d ports", ErrNoAdapter, len(ports))
}
