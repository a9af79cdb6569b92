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
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-cardemu/internal/syncutil"
)

// Session log state. Event handlers run on several goroutines in host
// adapters, so writes are serialized.
var (
	sessionLogMu     syncutil.Mutex
	sessionLogFile   *os.File
	sessionLogPath   string
	sessionLogWriter io.Writer
	sessionLogActive atomic.Bool
)

// InitSessionLog creates a new session log file in dir (the current
// directory if empty). Returns the log file path for display to the user.
func InitSessionLog(dir string) (string, error) {
	name := fmt.Sprintf("cardemu_%s.log", time.Now().Format("20060102_150405"))
	if dir != "" {
		name = filepath.Join(dir, name)
	}

	logFile, err := os.Create(name) //nolint:gosec // filename is constructed internally
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	sessionLogMu.Lock()
	sessionLogFile = logFile
	sessionLogPath = name
	sessionLogWriter = logFile
	writeSessionHeader(logFile)
	sessionLogMu.Unlock()
	sessionLogActive.Store(true)

	return name, nil
}

// SetSessionLogWriter directs session log lines to w. Passing nil disables
// the session log. Used by tests and by callers that manage their own file.
func SetSessionLogWriter(w io.Writer) {
	sessionLogMu.Lock()
	sessionLogWriter = w
	sessionLogMu.Unlock()
	sessionLogActive.Store(w != nil)
}

// CloseSessionLog closes the current session log file.
func CloseSessionLog() error {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()

	sessionLogActive.Store(false)
	if sessionLogFile == nil {
		sessionLogWriter = nil
		return nil
	}

	_, _ = fmt.Fprintf(sessionLogWriter, "\n%s === Session ended ===\n", timestamp())
	err := sessionLogFile.Close()
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the current session log file path.
func GetSessionLogPath() string {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	return sessionLogPath
}

func writeSessionLine(level, message string) {
	if !sessionLogActive.Load() {
		return
	}
	sessionLogMu.Lock()
	if sessionLogWriter != nil {
		_, _ = fmt.Fprintf(sessionLogWriter, "%s %s: %s\n", timestamp(), level, message)
	}
	sessionLogMu.Unlock()
}

// writeSessionHeader writes metadata about the session to the log file.
func writeSessionHeader(writer io.Writer) {
	_, _ = fmt.Fprint(writer, "=== Card Emulation Session Log ===\n")
	_, _ = fmt.Fprintf(writer, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(writer, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(writer, "Go Version: %s\n", runtime.Version())
	_, _ = fmt.Fprintf(writer, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(writer, "==================================\n\n")
}
