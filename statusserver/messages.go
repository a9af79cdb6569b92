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

package statusserver

import (
	"encoding/hex"
	"strings"

	cardemu "github.com/ZaparooProject/go-cardemu"
)

// Message types.
const (
	TypeHello        = "hello"
	TypePhaseChanged = "phaseChanged"
	TypeStatus       = "status"
	TypeSetATR       = "setAtr"
	TypeGetStatus    = "getStatus"
	TypeError        = "error"
)

// Message is the envelope of everything the server sends.
type Message struct {
	Payload any    `json:"payload,omitempty"`
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
}

// Request is sent by clients. Slot selects the card; getStatus without a
// slot returns every card.
type Request struct {
	Slot *uint8 `json:"slot,omitempty"`
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	ATR  string `json:"atr,omitempty"`
}

// Hello is the first message on a connection.
type Hello struct {
	ClientID string          `json:"clientId"`
	Cards    []StatusPayload `json:"cards"`
}

// PhasePayload reports a phase transition.
type PhasePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Slot uint8  `json:"slot"`
}

// Response acknowledges a request.
type Response struct {
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// StatusPayload is the wire form of cardemu.Status.
type StatusPayload struct {
	Phase          string `json:"phase"`
	ATR            string `json:"atr"`
	Error          string `json:"error,omitempty"`
	WaitingTime    uint32 `json:"waitingTime"`
	RxBytes        uint32 `json:"rxBytes"`
	TxBytes        uint32 `json:"txBytes"`
	RxParityErrors uint32 `json:"rxParityErrors"`
	TxParityErrors uint32 `json:"txParityErrors"`
	Resets         uint32 `json:"resets"`
	Halts          uint32 `json:"halts"`
	QueuedFrames   int    `json:"queuedFrames"`
	F              uint16 `json:"f"`
	Slot           uint8  `json:"slot"`
	TimerChannel   uint8  `json:"timerChannel"`
	UARTChannel    uint8  `json:"uartChannel"`
	D              uint8  `json:"d"`
	ExtraGuardTime uint8  `json:"extraGuardTime"`
	VCC            bool   `json:"vcc"`
	RST            bool   `json:"rst"`
	CLK            bool   `json:"clk"`
	PendingATR     bool   `json:"pendingAtr"`
}

// NewStatusPayload converts a status snapshot.
func NewStatusPayload(st *cardemu.Status) StatusPayload {
	p := StatusPayload{
		Slot:           st.Slot,
		TimerChannel:   st.TimerChannel,
		UARTChannel:    st.UARTChannel,
		Phase:          st.Phase.String(),
		F:              st.F,
		D:              st.D,
		ExtraGuardTime: st.ExtraGuardTime,
		WaitingTime:    st.WaitingTime,
		ATR:            strings.ToUpper(hex.EncodeToString(st.ATRBytes())),
		PendingATR:     st.PendingATR,
		QueuedFrames:   st.QueuedFrames,
		RxBytes:        st.RxBytes,
		TxBytes:        st.TxBytes,
		RxParityErrors: st.RxParityErrors,
		TxParityErrors: st.TxParityErrors,
		Resets:         st.Resets,
		Halts:          st.Halts,
		VCC:            st.VCC,
		RST:            st.RST,
		CLK:            st.CLK,
	}
	if st.LastError != nil {
		p.Error = st.LastError.Error()
	}
	return p
}
