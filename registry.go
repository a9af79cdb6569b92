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
	"fmt"
	"sync/atomic"

	"github.com/ZaparooProject/go-cardemu/internal/syncutil"
)

const maxChannels = 256

// Registry maps timer and UART channels to card handles so adapters can
// route hardware events without a search. Lookups are lock free; only
// Register and Unregister serialize.
type Registry struct {
	byUART  [maxChannels]atomic.Pointer[Card]
	byTimer [maxChannels]atomic.Pointer[Card]
	bySlot  [maxChannels]atomic.Pointer[Card]
	mu      syncutil.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds c. Each slot, timer channel and UART channel may belong to
// one card only.
func (r *Registry) Register(c *Card) error {
	ids := c.Identifiers()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.bySlot[ids.Slot].Load() != nil:
		return fmt.Errorf("%w: slot %d", ErrChannelInUse, ids.Slot)
	case r.byUART[ids.UARTChannel].Load() != nil:
		return fmt.Errorf("%w: uart %d", ErrChannelInUse, ids.UARTChannel)
	case r.byTimer[ids.TimerChannel].Load() != nil:
		return fmt.Errorf("%w: timer %d", ErrChannelInUse, ids.TimerChannel)
	}
	r.bySlot[ids.Slot].Store(c)
	r.byUART[ids.UARTChannel].Store(c)
	r.byTimer[ids.TimerChannel].Store(c)
	Debugf("registry: slot %d on uart %d timer %d", ids.Slot, ids.UARTChannel, ids.TimerChannel)
	return nil
}

// Unregister removes c. Unknown cards are ignored.
func (r *Registry) Unregister(c *Card) {
	ids := c.Identifiers()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlot[ids.Slot].CompareAndSwap(c, nil)
	r.byUART[ids.UARTChannel].CompareAndSwap(c, nil)
	r.byTimer[ids.TimerChannel].CompareAndSwap(c, nil)
}

// ByUART returns the card owning UART channel ch, or nil.
func (r *Registry) ByUART(ch uint8) *Card { return r.byUART[ch].Load() }

// ByTimer returns the card owning timer channel ch, or nil.
func (r *Registry) ByTimer(ch uint8) *Card { return r.byTimer[ch].Load() }

// BySlot returns the card in slot, or nil.
func (r *Registry) BySlot(slot uint8) *Card { return r.bySlot[slot].Load() }

// Cards returns the registered cards ordered by slot.
func (r *Registry) Cards() []*Card {
	var out []*Card
	for i := range r.bySlot {
		if c := r.bySlot[i].Load(); c != nil {
			out = append(out, c)
		}
	}
	return out
}
