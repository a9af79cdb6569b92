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

// Package pps encodes and decodes ISO/IEC 7816-3 Protocol and Parameters
// Selection exchanges (§9).
//
// A request is PPSS PPS0 [PPS1] [PPS2] [PPS3] PCK. PPSS is always FF, the
// high nibble of PPS0 says which of PPS1..3 follow, its low nibble is the
// requested protocol T, and PCK makes the XOR of all bytes zero. The card
// answers with the same layout; echoing PPS1 accepts the proposed Fi/Di,
// leaving it out keeps Fd/Dd.
package pps

import (
	"errors"
	"fmt"
)

// Frame markers and sizes
const (
	PPSS = 0xFF // initial byte of every request and response

	MaxLength = 6 // PPSS + PPS0 + PPS1..3 + PCK
	MinLength = 3 // PPSS + PPS0 + PCK
)

// PPS0 presence bits
const (
	hasPPS1  = 0x10
	hasPPS2  = 0x20
	hasPPS3  = 0x40
	reserved = 0x80
)

var (
	// ErrNotPPS is returned when the first byte is not PPSS.
	ErrNotPPS = errors.New("pps: first byte is not PPSS")
	// ErrReservedBit is returned when bit 8 of PPS0 is set.
	ErrReservedBit = errors.New("pps: reserved bit set in PPS0")
	// ErrChecksum is returned when PCK does not check.
	ErrChecksum = errors.New("pps: PCK mismatch")
	// ErrComplete is returned when bytes are fed after PCK.
	ErrComplete = errors.New("pps: request already complete")
)

// Checksum returns the XOR of b. A frame including its PCK checks to zero.
func Checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

// Request is a decoded PPS request.
type Request struct {
	Protocol uint8
	PPS1     byte
	PPS2     byte
	PPS3     byte
	HasPPS1  bool
	HasPPS2  bool
	HasPPS3  bool
}

// String renders the request for logs.
func (r Request) String() string {
	s := fmt.Sprintf("T=%d", r.Protocol)
	if r.HasPPS1 {
		s += fmt.Sprintf(" PPS1=%02X", r.PPS1)
	}
	if r.HasPPS2 {
		s += fmt.Sprintf(" PPS2=%02X", r.PPS2)
	}
	if r.HasPPS3 {
		s += fmt.Sprintf(" PPS3=%02X", r.PPS3)
	}
	return s
}

// Parser accumulates a request one byte at a time into a fixed buffer.
// The zero value is ready to use.
type Parser struct {
	buf  [MaxLength]byte
	n    int
	want int
}

// Reset discards any partial request.
func (p *Parser) Reset() {
	p.n = 0
	p.want = 0
}

// Len returns the number of bytes received so far.
func (p *Parser) Len() int { return p.n }

// Feed adds one byte. done is true once PCK has been received and checked.
// Any error leaves the parser in a state that needs Reset.
func (p *Parser) Feed(b byte) (done bool, err error) {
	if p.want != 0 && p.n >= p.want {
		return false, ErrComplete
	}
	switch p.n {
	case 0:
		if b != PPSS {
			return false, fmt.Errorf("%w: 0x%02X", ErrNotPPS, b)
		}
	case 1:
		if b&reserved != 0 {
			return false, fmt.Errorf("%w: 0x%02X", ErrReservedBit, b)
		}
		p.want = MinLength + optionalCount(b)
	}
	p.buf[p.n] = b
	p.n++

	if p.want == 0 || p.n < p.want {
		return false, nil
	}
	if Checksum(p.buf[:p.n]) != 0 {
		return false, ErrChecksum
	}
	return true, nil
}

// Request decodes the accumulated bytes. Only meaningful after Feed
// reported done.
func (p *Parser) Request() Request {
	pps0 := p.buf[1]
	r := Request{Protocol: pps0 & 0x0F}
	i := 2
	if pps0&hasPPS1 != 0 {
		r.HasPPS1 = true
		r.PPS1 = p.buf[i]
		i++
	}
	if pps0&hasPPS2 != 0 {
		r.HasPPS2 = true
		r.PPS2 = p.buf[i]
		i++
	}
	if pps0&hasPPS3 != 0 {
		r.HasPPS3 = true
		r.PPS3 = p.buf[i]
	}
	return r
}

// Bytes returns a copy of the accumulated request bytes.
func (p *Parser) Bytes() []byte {
	out := make([]byte, p.n)
	copy(out, p.buf[:p.n])
	return out
}

func optionalCount(pps0 byte) int {
	n := 0
	for _, bit := range []byte{hasPPS1, hasPPS2, hasPPS3} {
		if pps0&bit != 0 {
			n++
		}
	}
	return n
}

// Encode writes a PPS frame for protocol t carrying PPS1 when withPPS1 is
// set. dst must hold MaxLength bytes. Returns the number of bytes written.
// PPS2 and PPS3 are never echoed: the card does not support them.
func Encode(dst []byte, t uint8, withPPS1 bool, pps1 byte) int {
	dst[0] = PPSS
	pps0 := t & 0x0F
	n := 2
	if withPPS1 {
		pps0 |= hasPPS1
		dst[2] = pps1
		n = 3
	}
	dst[1] = pps0
	dst[n] = Checksum(dst[:n])
	return n + 1
}

// EncodeRequest builds a request frame. Used by reader-side simulators.
func EncodeRequest(r Request) []byte {
	out := []byte{PPSS, r.Protocol & 0x0F}
	if r.HasPPS1 {
		out[1] |= hasPPS1
		out = append(out, r.PPS1)
	}
	if r.HasPPS2 {
		out[1] |= hasPPS2
		out = append(out, r.PPS2)
	}
	if r.HasPPS3 {
		out[1] |= hasPPS3
		out = append(out, r.PPS3)
	}
	return append(out, Checksum(out))
}
