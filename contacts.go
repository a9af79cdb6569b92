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

package cardemu

// ContactEvent is one level change on a reader driven contact.
type ContactEvent struct {
	Signal Signal
	Active bool
}

// Contacts is a snapshot of the reader driven contacts, for monitors that
// sample levels instead of seeing edges. RST is true while asserted.
type Contacts struct {
	VCC bool
	RST bool
	CLK bool
}

// Changes orders the differences between c and next the way a reader
// sequences them: CLK starts and RST is asserted before VCC changes, CLK
// stops before VCC drops, and RST is released last. A sampled activation
// therefore still resets the card before releasing it.
func (c Contacts) Changes(next Contacts) ([5]ContactEvent, int) {
	var out [5]ContactEvent
	n := 0
	add := func(sig Signal, active bool) {
		out[n] = ContactEvent{Signal: sig, Active: active}
		n++
	}
	if !c.CLK && next.CLK {
		add(SignalCLK, true)
	}
	if !c.RST && next.RST {
		add(SignalRST, true)
	}
	if c.CLK && !next.CLK {
		add(SignalCLK, false)
	}
	if c.VCC != next.VCC {
		add(SignalVCC, next.VCC)
	}
	if c.RST && !next.RST {
		add(SignalRST, false)
	}
	return out, n
}

// Deliver reports the changes from c to next on sink and returns how many
// events were sent.
func (c Contacts) Deliver(sink EventSink, next Contacts) int {
	events, n := c.Changes(next)
	for _, ev := range events[:n] {
		sink.IOStateChanged(ev.Signal, ev.Active)
	}
	return n
}

func (c Contacts) String() string {
	return "VCC " + onOff(c.VCC) + " RST " + onOff(c.RST) + " CLK " + onOff(c.CLK)
}
