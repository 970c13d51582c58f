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
	"fmt"
	"os"
	"strconv"

	"github.com/gatewayhq/pluginhost/internal/fspath"
	"gopkg.in/yaml.v3"
)

// rawServerDef is the on-disk shape of one entry in the server-definition
// file. It is decoded with yaml.v3 and then turned into a ServerDef; keeping
// the two types separate lets ServerDef carry unexported runtime state that
// config files have no business setting.
type rawServerDef struct {
	Name        string            `yaml:"name"`
	Socket      string            `yaml:"socket"`
	Exec        string            `yaml:"exec"`
	Args        []string          `yaml:"args"`
	Environment map[string]string `yaml:"environment"`
	InfoCmd     string            `yaml:"info_cmd"`
}

// LoadServerDefs reads and validates the plugin server definitions in the YAML
// file at path. The document's top level is a bare sequence of server
// definitions (no wrapping key). Unnamed entries are given a positional
// default name so that every returned ServerDef.Name is non-empty and unique
// within the result.
func LoadServerDefs(path string) ([]*ServerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var raw []rawServerDef

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse yaml: %w", err)}
	}

	seen := make(map[string]bool, len(raw))
	defs := make([]*ServerDef, 0, len(raw))

	for i, rd := range raw {
		name := rd.Name
		if name == "" {
			name = "plugin server #" + strconv.Itoa(i+1)
		}

		if seen[name] {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("duplicate server name %q", name)}
		}

		seen[name] = true

		if rd.Socket == "" {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("server %q: socket is required", name)}
		}

		socket, err := fspath.Path(rd.Socket).Resolve()
		if err != nil {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("server %q: resolve socket path: %w", name, err)}
		}

		defs = append(defs, &ServerDef{
			Name:        name,
			Socket:      socket.String(),
			Exec:        rd.Exec,
			Args:        rd.Args,
			Environment: rd.Environment,
			InfoCmd:     rd.InfoCmd,
		})
	}

	return defs, nil
}
