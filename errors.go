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
	"errors"
	"fmt"
)

// Error categories, following the handling each one gets
var (
	// Configuration errors - rejected synchronously, state unchanged
	ErrATRTooLong    = errors.New("ATR longer than 33 bytes")
	ErrATRMalformed  = errors.New("ATR malformed")
	ErrATRInFlight   = errors.New("ATR delivery in progress")
	ErrUnsupportedFD = errors.New("unsupported F/D combination")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrChannelInUse  = errors.New("channel already registered")

	// Timing errors - halt the card until the next reset
	ErrWaitingTimeExpired = errors.New("waiting time expired")
	ErrClockStopped       = errors.New("reset released without clock")

	// Transport errors - retried locally, then escalated to a halt
	ErrParityRetriesExceeded = errors.New("parity error retries exceeded")
	ErrTxFailed              = errors.New("UART transmit failed")
	ErrPPSMalformed          = errors.New("malformed PPS request")
	ErrPPSUnsupported        = errors.New("unsupported PPS request")

	// Contract errors - call made in a phase where it is not legal
	ErrInvalidPhase = errors.New("operation not valid in current phase")
	ErrHalted       = errors.New("card halted")
	ErrQueueFull    = errors.New("TX queue full")
	ErrEmptyFrame   = errors.New("empty TX frame")
)

// ErrorType represents the category of an error
type ErrorType int

const (
	// ErrorTypeContract indicates a call against an invalid phase or a
	// misuse of the API. Never fatal.
	ErrorTypeContract ErrorType = iota
	// ErrorTypeConfiguration indicates a rejected ATR, F/D or setup value.
	ErrorTypeConfiguration
	// ErrorTypeTiming indicates a waiting time or reset timing violation.
	ErrorTypeTiming
	// ErrorTypeTransport indicates a parity or UART level failure.
	ErrorTypeTransport
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeContract:
		return "contract"
	case ErrorTypeConfiguration:
		return "configuration"
	case ErrorTypeTiming:
		return "timing"
	case ErrorTypeTransport:
		return "transport"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

// ProtocolError wraps a card-level error with the slot and phase it occurred in
type ProtocolError struct {
	Err   error     // Underlying error
	Op    string    // Operation that failed
	Phase Phase     // Phase at the time of the failure
	Type  ErrorType // Error category
	Slot  uint8     // Slot number of the card handle
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("slot %d: %s in %s: %v", e.Slot, e.Op, e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// GetErrorType returns the category of err. Errors not produced by this
// package are reported as contract errors.
func GetErrorType(err error) ErrorType {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Type
	}

	switch {
	case errors.Is(err, ErrATRTooLong),
		errors.Is(err, ErrATRMalformed),
		errors.Is(err, ErrATRInFlight),
		errors.Is(err, ErrUnsupportedFD),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrChannelInUse):
		return ErrorTypeConfiguration
	case errors.Is(err, ErrWaitingTimeExpired),
		errors.Is(err, ErrClockStopped):
		return ErrorTypeTiming
	case errors.Is(err, ErrParityRetriesExceeded),
		errors.Is(err, ErrTxFailed),
		errors.Is(err, ErrPPSMalformed),
		errors.Is(err, ErrPPSUnsupported):
		return ErrorTypeTransport
	default:
		return ErrorTypeContract
	}
}

// IsRecoverable returns true if the card keeps operating after err without
// an external reset. Timing errors and exhausted retries halt the card.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, ErrWaitingTimeExpired),
		errors.Is(err, ErrClockStopped),
		errors.Is(err, ErrParityRetriesExceeded),
		errors.Is(err, ErrPPSMalformed),
		errors.Is(err, ErrPPSUnsupported),
		errors.Is(err, ErrHalted):
		return false
	default:
		return true
	}
}

// IsHalted returns true if err means the card is halted until reset
func IsHalted(err error) bool {
	return errors.Is(err, ErrHalted)
}

func newProtocolError(slot uint8, op string, phase Phase, err error) *ProtocolError {
	return &ProtocolError{
		Slot:  slot,
		Op:    op,
		Phase: phase,
		Type:  GetErrorType(err),
		Err:   err,
	}
}
