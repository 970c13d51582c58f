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

// Package fspath resolves a path-shaped string from a server definition —
// its socket path — the way a user would type it in a config file: with "~"
// and environment variables expanded, not necessarily already absolute.
package fspath

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// A Path is a file system path that has not yet been expanded.
type Path string

// Clean returns the shortest path name equivalent to p.
func (p Path) Clean() Path {
	return Path(filepath.Clean(string(p)))
}

// ExpandEnv replaces ${var} or $var in p according to the current
// environment. References to undefined variables are replaced by an empty
// string, matching os.ExpandEnv.
func (p Path) ExpandEnv() Path {
	return Path(os.ExpandEnv(string(p)))
}

// ExpandUser replaces a leading "~" or "~username" in p with the named
// user's home directory.
func (p Path) ExpandUser() (Path, error) {
	if !strings.HasPrefix(string(p), "~") {
		return p, nil
	}

	if p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("fspath: resolve home directory: %w", err)
		}

		return Path(home), nil
	}

	rest := string(p)[1:]
	if strings.HasPrefix(rest, "/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("fspath: resolve home directory: %w", err)
		}

		return Path(filepath.Join(home, rest)), nil
	}

	name, sub, _ := strings.Cut(rest, "/")

	u, err := user.Lookup(name)
	if err != nil {
		return "", fmt.Errorf("fspath: look up user %q: %w", name, err)
	}

	return Path(filepath.Join(u.HomeDir, sub)), nil
}

// Resolve expands environment variables and a leading "~", then cleans the
// result. It is the one call sites normally need.
func (p Path) Resolve() (Path, error) {
	p = p.ExpandEnv()

	p, err := p.ExpandUser()
	if err != nil {
		return "", err
	}

	return p.Clean(), nil
}

// String returns p as a plain string.
func (p Path) String() string {
	return string(p)
}
