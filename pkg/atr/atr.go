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

// Package atr parses, validates and builds ISO/IEC 7816-3 Answer-To-Reset
// byte sequences.
//
// An ATR is laid out as (§8.2):
//
//	TS T0 {TAi TBi TCi TDi}... T1..TK [TCK]
//
// TS selects the coding convention, T0 announces the first interface byte
// group and the number of historical bytes K, each TDi announces the next
// group and a protocol type, and TCK is present whenever any protocol other
// than T=0 is offered.
//
// The ATR type is a value: it embeds its raw bytes in a fixed array so it can
// be copied between a pending and a held slot without allocating.
package atr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MaxLength is the largest ATR allowed by ISO 7816-3 (TS plus 32 bytes).
const MaxLength = 33

// maxHistorical is the largest K encodable in T0.
const maxHistorical = 15

// Initial character values (§8.1).
const (
	TSDirect  byte = 0x3B
	TSInverse byte = 0x3F
)

// Interface byte presence bits in T0 and TDi.
const (
	presentTA byte = 0x10
	presentTB byte = 0x20
	presentTC byte = 0x40
	presentTD byte = 0x80
)

var (
	// ErrTooLong is returned for ATRs longer than MaxLength.
	ErrTooLong = errors.New("atr: longer than 33 bytes")
	// ErrTruncated is returned when interface or historical bytes are missing.
	ErrTruncated = errors.New("atr: truncated")
	// ErrInvalidTS is returned for an initial character other than 3B or 3F.
	ErrInvalidTS = errors.New("atr: invalid initial character")
	// ErrChecksum is returned when TCK does not check.
	ErrChecksum = errors.New("atr: TCK mismatch")
	// ErrTrailingBytes is returned when bytes follow the last expected byte.
	ErrTrailingBytes = errors.New("atr: trailing bytes")
	// ErrInvalidParameters is returned by the builder for inconsistent settings.
	ErrInvalidParameters = errors.New("atr: invalid parameters")
)

// Convention is the coding convention selected by TS.
type Convention uint8

const (
	// ConventionDirect is selected by TS = 3B.
	ConventionDirect Convention = iota
	// ConventionInverse is selected by TS = 3F.
	ConventionInverse
)

func (c Convention) String() string {
	if c == ConventionInverse {
		return "inverse"
	}
	return "direct"
}

// ATR is a parsed Answer-To-Reset.
type ATR struct {
	raw        [MaxLength]byte
	n          uint8
	histOff    uint8
	histLen    uint8
	protocols  uint16
	convention Convention
	fiIndex    uint8
	diIndex    uint8
	hasTA1     bool
	guardN     uint8
	wi         uint8
	specific   bool
	specificT  uint8
	implicit   bool
	hasTCK     bool
}

// defaultATR is the ATR sent when no other was configured: direct
// convention, T=0 only, default Fi/Di, two historical bytes.
var defaultATR = []byte{0x3B, 0x02, 0x14, 0x50}

// Default returns the built-in ATR.
func Default() ATR {
	a, err := Parse(defaultATR)
	if err != nil {
		panic("atr: default ATR does not parse: " + err.Error())
	}
	return a
}

// Parse validates b and returns the decoded ATR. The input is copied.
func Parse(b []byte) (ATR, error) {
	var a ATR
	if len(b) > MaxLength {
		return a, fmt.Errorf("%w: %d bytes", ErrTooLong, len(b))
	}
	if len(b) < 2 {
		return a, ErrTruncated
	}

	switch b[0] {
	case TSDirect:
		a.convention = ConventionDirect
	case TSInverse:
		a.convention = ConventionInverse
	default:
		return a, fmt.Errorf("%w: 0x%02X", ErrInvalidTS, b[0])
	}

	a.fiIndex = DefaultFiIndex
	a.diIndex = DefaultDiIndex
	a.wi = DefaultWI

	k := int(b[1] & 0x0F)
	y := b[1] & 0xF0
	pos := 2
	group := 1
	firstTD := true
	needTCK := false

	for {
		if y&presentTA != 0 {
			if pos >= len(b) {
				return a, fmt.Errorf("%w: TA%d", ErrTruncated, group)
			}
			a.interfaceTA(group, b[pos])
			pos++
		}
		if y&presentTB != 0 {
			// TB1/TB2 (VPP) are deprecated and carry nothing the card side uses.
			if pos >= len(b) {
				return a, fmt.Errorf("%w: TB%d", ErrTruncated, group)
			}
			pos++
		}
		if y&presentTC != 0 {
			if pos >= len(b) {
				return a, fmt.Errorf("%w: TC%d", ErrTruncated, group)
			}
			a.interfaceTC(group, b[pos])
			pos++
		}
		if y&presentTD == 0 {
			break
		}
		if pos >= len(b) {
			return a, fmt.Errorf("%w: TD%d", ErrTruncated, group)
		}
		td := b[pos]
		pos++
		t := td & 0x0F
		if t != 0 {
			needTCK = true
		}
		if t != 0x0F {
			if firstTD {
				// TD1 replaces the implicit T=0.
				a.protocols = 0
				firstTD = false
			}
			a.protocols |= 1 << t
		}
		y = td & 0xF0
		group++
	}
	if firstTD {
		a.protocols = 1 // implicit T=0
	}

	if pos+k > len(b) {
		return a, fmt.Errorf("%w: expected %d historical bytes", ErrTruncated, k)
	}
	a.histOff = uint8(pos)
	a.histLen = uint8(k)
	pos += k

	if needTCK {
		if pos >= len(b) {
			return a, fmt.Errorf("%w: TCK", ErrTruncated)
		}
		if Checksum(b[1:pos+1]) != 0 {
			return a, ErrChecksum
		}
		a.hasTCK = true
		pos++
	}
	if pos != len(b) {
		return a, fmt.Errorf("%w: %d", ErrTrailingBytes, len(b)-pos)
	}

	copy(a.raw[:], b)
	a.n = uint8(len(b))
	return a, nil
}

// ParseHex parses an ATR written as hex, with optional spaces or colons.
func ParseHex(s string) (ATR, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return ATR{}, fmt.Errorf("atr: decode hex: %w", err)
	}
	return Parse(b)
}

func (a *ATR) interfaceTA(group int, v byte) {
	switch group {
	case 1:
		a.hasTA1 = true
		a.fiIndex, a.diIndex = SplitFiDi(v)
	case 2:
		a.specific = true
		a.specificT = v & 0x0F
		a.implicit = v&0x10 != 0
	}
}

func (a *ATR) interfaceTC(group int, v byte) {
	switch group {
	case 1:
		a.guardN = v
	case 2:
		a.wi = v
	}
}

// Checksum returns the XOR of b. An ATR checks when the XOR from T0 through
// TCK is zero.
func Checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

// Len returns the number of ATR bytes.
func (a ATR) Len() int { return int(a.n) }

// Bytes returns a copy of the raw ATR.
func (a ATR) Bytes() []byte {
	out := make([]byte, a.n)
	copy(out, a.raw[:a.n])
	return out
}

// At returns byte i of the ATR. The caller guarantees i < Len().
func (a ATR) At(i int) byte { return a.raw[i] }

// CopyTo copies the raw ATR into dst and returns the number of bytes copied.
func (a ATR) CopyTo(dst []byte) int { return copy(dst, a.raw[:a.n]) }

// Historical returns a copy of the historical bytes.
func (a ATR) Historical() []byte {
	out := make([]byte, a.histLen)
	copy(out, a.raw[a.histOff:a.histOff+a.histLen])
	return out
}

// Convention returns the coding convention announced by TS.
func (a ATR) Convention() Convention { return a.convention }

// FiIndex returns the Fi index from TA1, or the default index.
func (a ATR) FiIndex() uint8 { return a.fiIndex }

// DiIndex returns the Di index from TA1, or the default index.
func (a ATR) DiIndex() uint8 { return a.diIndex }

// HasTA1 reports whether the ATR announces Fi/Di explicitly.
func (a ATR) HasTA1() bool { return a.hasTA1 }

// Fi returns F for the TA1 Fi index, falling back to Fd for RFU values.
func (a ATR) Fi() uint16 {
	if f, ok := FiValue(a.fiIndex); ok {
		return f
	}
	return DefaultF
}

// Di returns D for the TA1 Di index, falling back to Dd for RFU values.
func (a ATR) Di() uint8 {
	if d, ok := DiValue(a.diIndex); ok {
		return d
	}
	return DefaultD
}

// ExtraGuardTime returns N from TC1.
func (a ATR) ExtraGuardTime() uint8 { return a.guardN }

// WI returns the waiting time integer from TC2, or the default of 10.
func (a ATR) WI() uint8 {
	if a.wi == 0 {
		return DefaultWI
	}
	return a.wi
}

// WaitingTime returns the T=0 waiting time in ETU at the given F and D.
// WT is fixed in clock cycles by WI and Fi, so it grows in ETU while the
// line still runs at Fd after an ATR announcing a larger Fi.
func (a ATR) WaitingTime(f uint16, d uint8) uint32 {
	return WaitingTime(a.WI(), a.Fi(), f, d)
}

// SpecificMode reports whether TA2 is present. In specific mode the reader
// must not send a PPS request.
func (a ATR) SpecificMode() bool { return a.specific }

// SpecificProtocol returns the protocol fixed by TA2.
func (a ATR) SpecificProtocol() uint8 { return a.specificT }

// SpecificImplicit reports whether TA2 b5 is set: the card uses implicit
// parameters instead of the Fi/Di coded in TA1.
func (a ATR) SpecificImplicit() bool { return a.implicit }

// NegotiationAllowed reports whether the reader may start a PPS exchange.
func (a ATR) NegotiationAllowed() bool { return !a.specific }

// SupportsProtocol reports whether protocol T=t is offered.
func (a ATR) SupportsProtocol(t uint8) bool {
	if t > 14 {
		return false
	}
	return a.protocols&(1<<t) != 0
}

// Protocols returns the offered protocol types in ascending order.
func (a ATR) Protocols() []uint8 {
	var out []uint8
	for t := range uint8(15) {
		if a.protocols&(1<<t) != 0 {
			out = append(out, t)
		}
	}
	return out
}

// FirstProtocol returns the lowest offered protocol, the one in effect when
// no PPS exchange takes place.
func (a ATR) FirstProtocol() uint8 {
	for t := range uint8(15) {
		if a.protocols&(1<<t) != 0 {
			return t
		}
	}
	return 0
}

// HasTCK reports whether the ATR carries a check byte.
func (a ATR) HasTCK() bool { return a.hasTCK }

// Equal reports whether both ATRs carry the same bytes.
func (a ATR) Equal(other ATR) bool {
	return a.n == other.n && a.raw == other.raw
}

// String returns the ATR as spaced upper-case hex.
func (a ATR) String() string {
	parts := make([]string, a.n)
	for i := range int(a.n) {
		parts[i] = fmt.Sprintf("%02X", a.raw[i])
	}
	return strings.Join(parts, " ")
}
