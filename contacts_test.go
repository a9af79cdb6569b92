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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type signalRecorder struct {
	EventSink
	got []ContactEvent
}

func (r *signalRecorder) IOStateChanged(sig Signal, active bool) {
	r.got = append(r.got, ContactEvent{Signal: sig, Active: active})
}

func TestContactsChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		prev Contacts
		next Contacts
		want []ContactEvent
	}{
		{
			name: "no change",
			prev: Contacts{VCC: true, CLK: true},
			next: Contacts{VCC: true, CLK: true},
		},
		{
			name: "activation",
			prev: Contacts{},
			next: Contacts{VCC: true, RST: true, CLK: true},
			want: []ContactEvent{{SignalCLK, true}, {SignalRST, true}, {SignalVCC, true}},
		},
		{
			name: "activation and release in one sample",
			prev: Contacts{RST: true},
			next: Contacts{VCC: true, CLK: true},
			want: []ContactEvent{{SignalCLK, true}, {SignalVCC, true}, {SignalRST, false}},
		},
		{
			name: "deactivation",
			prev: Contacts{VCC: true, CLK: true},
			next: Contacts{},
			want: []ContactEvent{{SignalCLK, false}, {SignalVCC, false}},
		},
		{
			name: "warm reset",
			prev: Contacts{VCC: true, CLK: true},
			next: Contacts{VCC: true, RST: true, CLK: true},
			want: []ContactEvent{{SignalRST, true}},
		},
		{
			name: "deactivation with reset",
			prev: Contacts{VCC: true, CLK: true},
			next: Contacts{RST: true},
			want: []ContactEvent{{SignalRST, true}, {SignalCLK, false}, {SignalVCC, false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, n := tt.prev.Changes(tt.next)
			if len(tt.want) == 0 {
				assert.Zero(t, n)
				return
			}
			assert.Equal(t, tt.want, out[:n])

			rec := &signalRecorder{}
			assert.Equal(t, n, tt.prev.Deliver(rec, tt.next))
			assert.Equal(t, tt.want, rec.got)
		})
	}
}

func TestContactsString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "VCC on RST off CLK on", Contacts{VCC: true, CLK: true}.String())
}
