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

// Default transmission parameters used after every reset (ISO 7816-3 §7.1).
const (
	DefaultF  uint16 = 372
	DefaultD  uint8  = 1
	DefaultWI uint8  = 10

	// DefaultFiIndex and DefaultDiIndex encode Fd/Dd in a TA1 or PPS1 byte.
	DefaultFiIndex uint8 = 0x1
	DefaultDiIndex uint8 = 0x1

	// waitingTimeUnit is the 960 in WT = WI * 960 * Fi / f (§10.2).
	waitingTimeUnit = 960
)

// fiTable maps the high nibble of TA1/PPS1 to the clock rate conversion
// integer F (ISO 7816-3 Table 7). Zero marks RFU entries.
var fiTable = [16]uint16{
	372, 372, 558, 744, 1116, 1488, 1860, 0,
	0, 512, 768, 1024, 1536, 2048, 0, 0,
}

// fMaxTable holds the maximum clock frequency in kHz for each Fi index.
var fMaxTable = [16]uint32{
	4000, 5000, 6000, 8000, 12000, 16000, 20000, 0,
	0, 5000, 7500, 10000, 15000, 20000, 0, 0,
}

// diTable maps the low nibble of TA1/PPS1 to the baud rate adjustment
// factor D (ISO 7816-3 Table 8). Zero marks RFU entries.
var diTable = [16]uint8{
	0, 1, 2, 4, 8, 16, 32, 64,
	12, 20, 0, 0, 0, 0, 0, 0,
}

// FiValue returns F for a 4-bit Fi index. ok is false for RFU indices.
func FiValue(index uint8) (f uint16, ok bool) {
	if index > 0x0F {
		return 0, false
	}
	f = fiTable[index]
	return f, f != 0
}

// FMaxKHz returns the maximum reader clock frequency allowed for an Fi index.
func FMaxKHz(index uint8) (uint32, bool) {
	if index > 0x0F {
		return 0, false
	}
	v := fMaxTable[index]
	return v, v != 0
}

// DiValue returns D for a 4-bit Di index. ok is false for RFU indices.
func DiValue(index uint8) (d uint8, ok bool) {
	if index > 0x0F {
		return 0, false
	}
	d = diTable[index]
	return d, d != 0
}

// SplitFiDi splits a TA1 or PPS1 byte into its Fi and Di indices.
func SplitFiDi(b byte) (fiIndex, diIndex uint8) {
	return b >> 4, b & 0x0F
}

// JoinFiDi encodes Fi and Di indices into a TA1 or PPS1 byte.
func JoinFiDi(fiIndex, diIndex uint8) byte {
	return fiIndex<<4 | diIndex&0x0F
}

// ValidFiDi reports whether both indices map to defined F and D values.
func ValidFiDi(fiIndex, diIndex uint8) bool {
	_, fok := FiValue(fiIndex)
	_, dok := DiValue(diIndex)
	return fok && dok
}

// WaitingTime returns the T=0 waiting time WI·960·Fi/f expressed in ETU
// of the F and D currently in use, i.e. WI·960·Fi·D/F, rounded up. It
// reduces to WI·960·D once F equals Fi.
func WaitingTime(wi uint8, fi, f uint16, d uint8) uint32 {
	if wi == 0 {
		wi = DefaultWI
	}
	if fi == 0 {
		fi = DefaultF
	}
	if f == 0 {
		f = DefaultF
	}
	if d == 0 {
		d = DefaultD
	}
	num := uint64(wi) * waitingTimeUnit * uint64(fi) * uint64(d)
	return uint32((num + uint64(f) - 1) / uint64(f))
}

// BaudRate returns the bit rate for a reader clock of clockHz and the given
// F and D. Returns 0 if F is zero.
func BaudRate(clockHz uint32, f uint16, d uint8) uint32 {
	if f == 0 {
		return 0
	}
	return uint32(uint64(clockHz) * uint64(d) / uint64(f))
}
