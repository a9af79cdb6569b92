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

import "github.com/ZaparooProject/go-cardemu/internal/syncutil"

// Serialize wraps sink so its event methods never overlap. Adapters whose
// events arrive on several goroutines, such as a line watcher next to a
// receive loop and timer callbacks, route them through one wrapper.
//
// The adapter must not call into the wrapper from inside an Adapter
// method the card invokes, or it deadlocks.
func Serialize(sink EventSink) EventSink {
	return &serialSink{sink: sink}
}

type serialSink struct {
	sink EventSink
	mu   syncutil.Mutex
}

func (s *serialSink) ProcessRxByte(b byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.ProcessRxByte(b)
}

func (s *serialSink) ProcessRxByteFlags(b byte, flags RxFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.ProcessRxByteFlags(b, flags)
}

func (s *serialSink) TxByte() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.TxByte()
}

func (s *serialSink) TxParityError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.TxParityError()
}

func (s *serialSink) IOStateChanged(sig Signal, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.IOStateChanged(sig, active)
}

func (s *serialSink) WaitingTimeHalfed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.WaitingTimeHalfed()
}

func (s *serialSink) WaitingTimeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.WaitingTimeExpired()
}
