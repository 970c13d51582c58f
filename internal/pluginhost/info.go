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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/anttikivi/semver"
	"github.com/gatewayhq/pluginhost/internal/panichandler"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// runner abstracts the part of os/exec that loadInfo needs, so tests can
// substitute a fake without touching a real binary.
type runner interface {
	Output(ctx context.Context, name string, args []string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout bytes.Buffer

	cmd.Stdout = &stdout

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	err := cmd.Run()

	// The info-command protocol does not inspect exit status: a command that
	// exits non-zero but still printed a parseable descriptor sequence is
	// accepted. Only a failure to run at all (missing shell, context
	// cancellation) is reported here.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("%w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	return stdout.Bytes(), nil
}

// LoadDescriptors runs every server's configured info command concurrently
// and parses its YAML output into plugin descriptors, each stamped with the
// ServerDef that produced it. A server definition with no InfoCmd contributes
// no descriptors and is not an error: it describes a server the host only
// manages, advertising no plugins of its own.
//
// Neither an unparseable info command nor a duplicate plugin name fails
// startup: both are logged and the offending server's remaining plugins, or
// the later duplicate registration, are dropped. The first registration of
// a given plugin name wins.
func LoadDescriptors(ctx context.Context, defs []*ServerDef, run runner, logger *slog.Logger) []*PluginDescriptor {
	if run == nil {
		run = execRunner{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	results := make([][]*PluginDescriptor, len(defs))

	g, gctx := errgroup.WithContext(ctx)

	for i, def := range defs {
		if def.InfoCmd == "" {
			logger.Info("server has no info command, advertises no plugins", "server", def.Name)

			continue
		}

		i, def := i, def

		g.Go(func() error {
			defer panichandler.Recover(gctx, logger, "info loader: "+def.Name)

			descs, err := loadOneInfo(gctx, def, run)
			if err != nil {
				logger.Error("loading plugin info failed", "server", def.Name, "error", err)

				return nil
			}

			results[i] = descs

			return nil
		})
	}

	_ = g.Wait() // loadOneInfo never returns a non-nil error to the group; see above.

	var (
		all  []*PluginDescriptor
		seen = make(map[string]string) // plugin name -> owning server name
		mu   sync.Mutex
	)

	for _, descs := range results {
		for _, d := range descs {
			mu.Lock()

			if owner, ok := seen[d.Name]; ok {
				mu.Unlock()
				logger.Error("duplicate plugin name, keeping first registration",
					"plugin", d.Name, "first_server", owner, "rejected_server", d.Server.Name)

				continue
			}

			seen[d.Name] = d.Server.Name
			mu.Unlock()

			if v, err := semver.ParseLax(d.Version); err == nil {
				d.ParsedVersion = v
			} else if d.Version != "" {
				logger.Warn("plugin version does not parse as semver, registering anyway",
					"plugin", d.Name, "version", d.Version, "error", err)
			}

			all = append(all, d)
		}
	}

	return all
}

// loadOneInfo runs def.InfoCmd through a shell, exactly as the string is
// authored in the config file (it may be a pipeline, carry its own
// arguments, or not correspond to any file on disk at all), and parses its
// stdout as a bare sequence of descriptors. Exit status is not inspected:
// a command that exits non-zero but still printed a parseable sequence is
// accepted, matching the info-command protocol's own indifference to it.
// Output that is empty or only whitespace is an error.
func loadOneInfo(ctx context.Context, def *ServerDef, run runner) ([]*PluginDescriptor, error) {
	out, err := run.Output(ctx, "/bin/sh", []string{"-c", def.InfoCmd})
	if err != nil {
		return nil, &ConfigError{Path: def.InfoCmd, Err: fmt.Errorf("server %q: run info command: %w", def.Name, err)}
	}

	if len(bytes.TrimSpace(out)) == 0 {
		return nil, &ConfigError{Path: def.InfoCmd, Err: fmt.Errorf("server %q: info command printed nothing", def.Name)}
	}

	var parsed []PluginDescriptor

	if err := yaml.Unmarshal(out, &parsed); err != nil {
		return nil, &ConfigError{Path: def.InfoCmd, Err: fmt.Errorf("server %q: parse info output: %w", def.Name, err)}
	}

	descs := make([]*PluginDescriptor, len(parsed))

	for i := range parsed {
		d := parsed[i]
		d.Server = def
		descs[i] = &d
	}

	return descs, nil
}
