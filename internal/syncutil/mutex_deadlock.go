//go:build deadlock

// Package syncutil provides the mutex types used by the TX queue, the ATR
// holder and the host adapters. This file is compiled with -tags=deadlock and
// routes every lock through github.com/sasha-s/go-deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	// Queue and registry locks are only held for index updates.
	deadlock.Opts.DeadlockTimeout = 5 * time.Second
}

// Mutex wraps deadlock.Mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex.
type RWMutex struct {
	deadlock.RWMutex
}
