// Copyright 2025 The Reginald Authors
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

// Package panichandler defines the recovered-panic handler that every
// goroutine the plugin host starts on its own (supervisor loops, info-loader
// fan-out, deferred log-phase tasks) must defer. A panic inside one plugin's
// goroutine must not silently take down the others or the embedding gateway
// process, so unlike a top-level program's panic handler this one logs and
// returns rather than exiting.
package panichandler

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// Recover recovers a panic in the current goroutine, if any, and logs it at
// ERROR level with a stack trace and the given label (typically "server
// name: component", e.g. "git-auth: supervisor"). It is a no-op if there was
// no panic. Callers defer it directly:
//
//	go func() {
//		defer panichandler.Recover(ctx, logger, "git-auth: info loader")
//		...
//	}()
func Recover(ctx context.Context, logger *slog.Logger, label string) {
	r := recover()
	if r == nil {
		return
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.ErrorContext(ctx, "recovered panic",
		"component", label,
		"panic", r,
		"stack", string(debug.Stack()),
	)
}
