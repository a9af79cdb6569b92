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

package atr

import "fmt"

// Builder assembles an ATR from transmission parameters. The zero value
// builds a direct-convention T=0 ATR without interface bytes.
type Builder struct {
	historical []byte
	protocols  []uint8
	convention Convention
	fiIndex    uint8
	diIndex    uint8
	guardN     uint8
	wi         uint8
	specificT  uint8
	hasTA1     bool
	hasTC1     bool
	hasTC2     bool
	specific   bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithInverseConvention selects TS = 3F.
func (b *Builder) WithInverseConvention() *Builder {
	b.convention = ConventionInverse
	return b
}

// WithFiDi announces the maximum Fi/Di the card supports in TA1.
func (b *Builder) WithFiDi(fiIndex, diIndex uint8) *Builder {
	b.hasTA1 = true
	b.fiIndex = fiIndex
	b.diIndex = diIndex
	return b
}

// WithExtraGuardTime sets N in TC1.
func (b *Builder) WithExtraGuardTime(n uint8) *Builder {
	b.hasTC1 = true
	b.guardN = n
	return b
}

// WithWaitingInteger sets WI in TC2. Only valid when T=0 is the first
// offered protocol.
func (b *Builder) WithWaitingInteger(wi uint8) *Builder {
	b.hasTC2 = true
	b.wi = wi
	return b
}

// WithSpecificMode adds TA2, which forbids PPS and fixes protocol t.
func (b *Builder) WithSpecificMode(t uint8) *Builder {
	b.specific = true
	b.specificT = t
	return b
}

// WithProtocols sets the offered protocols, first one first.
func (b *Builder) WithProtocols(protocols ...uint8) *Builder {
	b.protocols = append([]uint8(nil), protocols...)
	return b
}

// WithHistorical sets the historical bytes.
func (b *Builder) WithHistorical(h []byte) *Builder {
	b.historical = append([]byte(nil), h...)
	return b
}

// Build encodes and validates the ATR.
func (b *Builder) Build() (ATR, error) {
	if len(b.historical) > maxHistorical {
		return ATR{}, fmt.Errorf("%w: %d historical bytes", ErrInvalidParameters, len(b.historical))
	}
	if b.hasTA1 && !ValidFiDi(b.fiIndex, b.diIndex) {
		return ATR{}, fmt.Errorf("%w: Fi=%X Di=%X", ErrInvalidParameters, b.fiIndex, b.diIndex)
	}
	if b.hasTC2 && b.wi == 0 {
		return ATR{}, fmt.Errorf("%w: WI must not be zero", ErrInvalidParameters)
	}

	protocols := b.protocols
	if len(protocols) == 0 {
		protocols = []uint8{0}
	}
	for _, t := range protocols {
		if t > 14 {
			return ATR{}, fmt.Errorf("%w: protocol T=%d", ErrInvalidParameters, t)
		}
	}
	if b.hasTC2 && protocols[0] != 0 {
		return ATR{}, fmt.Errorf("%w: TC2 requires T=0 first", ErrInvalidParameters)
	}

	group2 := b.hasTC2 || b.specific
	var tds []uint8
	if group2 || len(protocols) > 1 || protocols[0] != 0 {
		tds = protocols
	}

	out := make([]byte, 0, MaxLength)
	ts := TSDirect
	if b.convention == ConventionInverse {
		ts = TSInverse
	}
	out = append(out, ts, 0)

	y := byte(0)
	if b.hasTA1 {
		y |= presentTA
	}
	if b.hasTC1 {
		y |= presentTC
	}
	if len(tds) > 0 {
		y |= presentTD
	}
	out[1] = y | byte(len(b.historical))

	// group 1
	if b.hasTA1 {
		out = append(out, JoinFiDi(b.fiIndex, b.diIndex))
	}
	if b.hasTC1 {
		out = append(out, b.guardN)
	}

	// TD1..TDn and the groups they announce
	for i, t := range tds {
		next := byte(0)
		if i == 0 {
			if b.specific {
				next |= presentTA
			}
			if b.hasTC2 {
				next |= presentTC
			}
		}
		if i+1 < len(tds) {
			next |= presentTD
		}
		out = append(out, next|t)
		if i == 0 {
			if b.specific {
				out = append(out, b.specificT&0x0F)
			}
			if b.hasTC2 {
				out = append(out, b.wi)
			}
		}
	}

	out = append(out, b.historical...)

	needTCK := false
	for _, t := range tds {
		if t != 0 {
			needTCK = true
		}
	}
	if needTCK {
		out = append(out, Checksum(out[1:]))
	}
	if len(out) > MaxLength {
		return ATR{}, fmt.Errorf("%w: %d bytes", ErrTooLong, len(out))
	}
	return Parse(out)
}
