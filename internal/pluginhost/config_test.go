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

package pluginhost

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "servers.yaml")

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoadServerDefsBareSequence(t *testing.T) {
	path := writeConfig(t, `
- name: auth
  socket: /tmp/auth.sock
  exec: ./auth-server
  args: ["--foo"]
  info_cmd: ./auth-server info
- socket: /tmp/unnamed.sock
`)

	defs, err := LoadServerDefs(path)
	if err != nil {
		t.Fatalf("LoadServerDefs() error = %v", err)
	}

	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}

	if defs[0].Name != "auth" {
		t.Errorf("defs[0].Name = %q, want auth", defs[0].Name)
	}

	if defs[0].Socket != "/tmp/auth.sock" {
		t.Errorf("defs[0].Socket = %q, want /tmp/auth.sock", defs[0].Socket)
	}

	if defs[1].Name != "plugin server #2" {
		t.Errorf("defs[1].Name = %q, want \"plugin server #2\"", defs[1].Name)
	}
}

func TestLoadServerDefsDuplicateName(t *testing.T) {
	path := writeConfig(t, `
- name: auth
  socket: /tmp/a.sock
- name: auth
  socket: /tmp/b.sock
`)

	_, err := LoadServerDefs(path)
	if err == nil {
		t.Fatal("expected an error for a duplicate server name")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
}

func TestLoadServerDefsMissingSocket(t *testing.T) {
	path := writeConfig(t, `
- name: auth
`)

	_, err := LoadServerDefs(path)
	if err == nil {
		t.Fatal("expected an error for a missing socket")
	}
}

func TestLoadServerDefsMissingFile(t *testing.T) {
	_, err := LoadServerDefs(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
}
