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
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanupSessionLog(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		_ = CloseSessionLog()
	})
}

func TestInitSessionLog_CreatesFile(t *testing.T) {
	cleanupSessionLog(t)
	dir := t.TempDir()

	path, err := InitSessionLog(dir)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "Log file should exist")
	assert.Equal(t, dir, filepath.Dir(path))

	matched, err := regexp.MatchString(`^cardemu_\d{8}_\d{6}\.log$`, filepath.Base(path))
	require.NoError(t, err)
	assert.True(t, matched, "Filename should match cardemu_YYYYMMDD_HHMMSS.log, got: %s", path)
	assert.Equal(t, path, GetSessionLogPath())
	assert.True(t, debugActive())
}

func TestInitSessionLog_HeaderAndFooter(t *testing.T) {
	cleanupSessionLog(t)

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)
	Debugf("slot %d: %s -> %s", 0, PhasePoweredOff, PhaseResetAsserted)
	require.NoError(t, CloseSessionLog())

	content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)
	s := string(content)

	assert.Contains(t, s, "=== Card Emulation Session Log ===")
	assert.Contains(t, s, "Started:")
	assert.Contains(t, s, "PID:")
	assert.Contains(t, s, "Go Version:")
	assert.Contains(t, s, "DEBUG: slot 0: POWERED_OFF -> RESET_ASSERTED")
	assert.Contains(t, s, "=== Session ended ===")
	assert.Empty(t, GetSessionLogPath())
}

func TestCloseSessionLog_NoFile(t *testing.T) {
	cleanupSessionLog(t)
	assert.NoError(t, CloseSessionLog())
}

func TestInitSessionLog_ErrorOnMissingDirectory(t *testing.T) {
	cleanupSessionLog(t)

	_, err := InitSessionLog(filepath.Join(t.TempDir(), "missing", "dir"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create session log")
	assert.Empty(t, GetSessionLogPath())
}

func TestMultipleInitCloseCycles(t *testing.T) {
	cleanupSessionLog(t)

	for i := 0; i < 3; i++ {
		path, err := InitSessionLog(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, path, GetSessionLogPath())
		require.NoError(t, CloseSessionLog())
		assert.Empty(t, GetSessionLogPath())
	}
}
