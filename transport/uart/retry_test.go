// go-cardemu
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-cardemu.
//
// go-cardemu is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-cardemu is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-cardemu; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package uart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotYet = errors.New("not yet")

func isNotYet(err error) bool { return errors.Is(err, errNotYet) }

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryConfig_DefaultRetryConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRetryConfig()

	assert.Positive(t, config.MaxAttempts)
	assert.Greater(t, config.MaxBackoff, config.InitialBackoff)
	assert.Greater(t, config.BackoffMultiplier, 1.0)
	assert.GreaterOrEqual(t, config.Jitter, 0.0)
	assert.LessOrEqual(t, config.Jitter, 1.0)
}

func TestCalculateNextBackoff(t *testing.T) {
	t.Parallel()

	config := &RetryConfig{BackoffMultiplier: 2.0, MaxBackoff: 5 * time.Second}
	assert.Equal(t, 200*time.Millisecond, calculateNextBackoff(100*time.Millisecond, config))
	assert.Equal(t, 5*time.Second, calculateNextBackoff(3*time.Second, config))
}

func TestCalculateJitteredSleep(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	assert.Equal(t, base, calculateJitteredSleep(base, 0))
	for range 20 {
		got := calculateJitteredSleep(base, 0.5)
		assert.GreaterOrEqual(t, got, base)
		assert.Less(t, got, base+base/2)
	}
}

func TestOpenWithRetry(t *testing.T) {
	t.Parallel()

	t.Run("succeeds once the port appears", func(t *testing.T) {
		t.Parallel()
		calls := 0
		want := &Bridge{}
		got, err := openWithRetry(context.Background(), fastRetry(5), func() (*Bridge, error) {
			calls++
			if calls < 3 {
				return nil, errNotYet
			}
			return want, nil
		}, isNotYet)
		require.NoError(t, err)
		assert.Same(t, want, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := openWithRetry(context.Background(), fastRetry(4), func() (*Bridge, error) {
			calls++
			return nil, errNotYet
		}, isNotYet)
		require.ErrorIs(t, err, errNotYet)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		permanent := errors.New("permission denied")
		_, err := openWithRetry(context.Background(), fastRetry(4), func() (*Bridge, error) {
			calls++
			return nil, permanent
		}, isNotYet)
		require.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("no retry when disabled", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := openWithRetry(context.Background(), fastRetry(0), func() (*Bridge, error) {
			calls++
			return nil, errNotYet
		}, isNotYet)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := openWithRetry(ctx, fastRetry(3), func() (*Bridge, error) {
			t.Fatal("open must not be called")
			return nil, nil
		}, isNotYet)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryableOpenError(t *testing.T) {
	t.Parallel()

	assert.False(t, isRetryableOpenError(errors.New("plain")))
	assert.False(t, isRetryableOpenError(nil))
}
