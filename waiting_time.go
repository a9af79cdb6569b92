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

// WaitingTimeHalfed is called by the adapter when half the waiting time
// has elapsed without line activity. In TPDU exchange the configured hook
// runs first; if an extension was requested the card then sends a NULL
// procedure byte, which restarts the reader's waiting time.
func (c *Card) WaitingTimeHalfed() {
	if c.Phase() != PhaseTPDUExchange {
		return
	}
	if c.onWTHalf != nil {
		c.onWTHalf(c.ids.Slot)
	}
	if !c.wtExtension.Swap(false) {
		return
	}
	if debugActive() {
		Debugf("slot %d: sending NULL to extend waiting time", c.ids.Slot)
	}
	c.nullSend = true
	c.startTx()
	c.adapter.Interrupt(c.ids.UARTChannel)
}

// WaitingTimeExpired is called by the adapter when the full waiting time
// has elapsed. The reader has given up on the card by now, so the card
// halts until the next reset.
func (c *Card) WaitingTimeExpired() {
	switch phase := c.Phase(); phase {
	case PhaseATRDelivery, PhasePPSNegotiation, PhaseTPDUExchange:
		c.halt("WaitingTimeExpired", ErrWaitingTimeExpired)
	default:
		if debugActive() {
			Debugf("slot %d: waiting time expiry ignored in %s", c.ids.Slot, phase)
		}
	}
}
