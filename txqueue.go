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
	"github.com/ZaparooProject/go-cardemu/internal/syncutil"
)

// TxQueue is a fixed-capacity FIFO of outbound frames.
//
// Producers call Enqueue from ordinary goroutines. The card is the only
// consumer and drains it one byte at a time from its event context. The
// lock covers the ring indices only; the frame being sent is owned by the
// consumer and read without it.
type TxQueue struct {
	mu    syncutil.Mutex
	slots [][]byte
	head  int
	count int

	// consumer side
	cur []byte
	off int
}

// NewTxQueue returns a queue holding up to depth frames.
func NewTxQueue(depth int) *TxQueue {
	if depth <= 0 {
		depth = 1
	}
	return &TxQueue{slots: make([][]byte, depth)}
}

// Enqueue appends a copy of frame. It never blocks on the consumer.
func (q *TxQueue) Enqueue(frame []byte) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.slots) {
		return ErrQueueFull
	}
	q.slots[(q.head+q.count)%len(q.slots)] = buf
	q.count++
	return nil
}

// Len returns the number of frames waiting, not counting the one being sent.
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity in frames.
func (q *TxQueue) Cap() int {
	return len(q.slots)
}

// pop removes the head frame.
func (q *TxQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	frame := q.slots[q.head]
	q.slots[q.head] = nil
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	return frame, true
}

// nextByte returns the next byte to transmit. Consumer only.
func (q *TxQueue) nextByte() (byte, bool) {
	for q.cur == nil || q.off >= len(q.cur) {
		frame, ok := q.pop()
		if !ok {
			q.cur = nil
			q.off = 0
			return 0, false
		}
		q.cur = frame
		q.off = 0
	}
	b := q.cur[q.off]
	q.off++
	return b, true
}

// pending reports whether the consumer has bytes left, in the current frame
// or in the ring. Consumer only.
func (q *TxQueue) pending() bool {
	if q.cur != nil && q.off < len(q.cur) {
		return true
	}
	return q.Len() > 0
}

// flush drops the frame being sent and every queued frame. Consumer only.
func (q *TxQueue) flush() {
	q.cur = nil
	q.off = 0

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		q.slots[i] = nil
	}
	q.head = 0
	q.count = 0
}
