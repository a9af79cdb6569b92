//go:build !deadlock

// Package syncutil provides the mutex types used by the TX queue, the ATR
// holder and the host adapters. Default builds use the sync package directly.
// Build with -tags=deadlock to swap in github.com/sasha-s/go-deadlock and get
// lock-order and hold-time reports while running the simulator tests.
package syncutil

import "sync"

// Mutex is a sync.Mutex unless built with -tags=deadlock.
//
//nolint:gocritic // embedding exposes Lock/Unlock/TryLock
type Mutex struct {
	sync.Mutex
}

// RWMutex is a sync.RWMutex unless built with -tags=deadlock.
//
//nolint:gocritic // embedding exposes the full RWMutex API
type RWMutex struct {
	sync.RWMutex
}
