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

// Package logging sets up the [log/slog] default logger used throughout the
// plugin host. It also defines a Trace level below [slog.LevelDebug] that is
// silent unless explicitly requested.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// LevelTrace is one step below [slog.LevelDebug] and is rendered as "TRACE".
// InitBootstrap enables it when PLUGINHOST_DEBUG is set; no code in this
// module logs at it (package mprpc does no logging).
const LevelTrace = slog.LevelDebug - 4

// Init sets the process-wide default logger. format selects "json" or
// "text"; an empty or unrecognized format auto-detects by asking
// golang.org/x/term whether stderr is an interactive terminal, picking text
// for a terminal and JSON otherwise (the shape a log-aggregation pipeline
// expects). level is the minimum level that reaches the handler. Init is
// safe to call more than once: the gateway process that embeds this host may
// reinitialize logging after its own configuration has loaded.
func Init(format string, level slog.Level) {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}

	var h slog.Handler

	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		if term.IsTerminal(int(os.Stderr.Fd())) {
			h = slog.NewTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewJSONHandler(os.Stderr, opts)
		}
	}

	slog.SetDefault(slog.New(h))
}

// InitBootstrap sets a minimal default logger to use before the embedding
// gateway has finished loading its own configuration. It honors
// PLUGINHOST_DEBUG: unset or "0"/"false" discards everything below INFO, any
// other value enables Trace-level logging. Format auto-detects per Init.
func InitBootstrap() {
	debugVar := strings.ToLower(os.Getenv("PLUGINHOST_DEBUG"))

	if debugVar == "" || debugVar == "0" || debugVar == "false" {
		Init("", slog.LevelInfo)

		return
	}

	Init("", LevelTrace)
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}

	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}

	if level == LevelTrace {
		return slog.String(slog.LevelKey, "TRACE")
	}

	return a
}
