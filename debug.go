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
	"os"
	"sync/atomic"
	"time"
)

// debugEnabled controls whether debug output goes to the console.
// Event handlers check debugActive before formatting anything.
var debugEnabled atomic.Bool

func init() {
	if os.Getenv("CARDEMU_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
}

// debugActive reports whether any debug sink would receive output.
func debugActive() bool {
	return debugEnabled.Load() || sessionLogActive.Load()
}

// Debugf prints debug information.
// Always writes to the session log file (if initialized) with a timestamp.
// Only prints to the console when debug mode is enabled.
func Debugf(format string, args ...any) {
	if !debugActive() {
		return
	}
	message := fmt.Sprintf(format, args...)
	writeSessionLine("DEBUG", message)

	if debugEnabled.Load() {
		_, _ = fmt.Printf("DEBUG: %s\n", message)
	}
}

// Debugln prints debug information.
// Always writes to the session log file (if initialized) with a timestamp.
// Only prints to the console when debug mode is enabled.
func Debugln(args ...any) {
	if !debugActive() {
		return
	}
	message := fmt.Sprint(args...)
	writeSessionLine("DEBUG", message)

	if debugEnabled.Load() {
		_, _ = fmt.Print("DEBUG: ")
		_, _ = fmt.Println(args...)
	}
}

// SetDebugEnabled allows programmatic control of debug logging
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// timestamp formats the session log time prefix.
func timestamp() string {
	return time.Now().Format("15:04:05.000")
}
