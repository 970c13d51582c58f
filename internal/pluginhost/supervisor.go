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
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/gatewayhq/pluginhost/internal/mprpc"
	"github.com/gatewayhq/pluginhost/internal/panichandler"
)

// Backoff bounds for process respawn, applied between a process exiting and
// the supervisor trying to start it again. backoffCap is also the minimum a
// respawned process must stay up for its failure to not count towards the
// next backoff step; surviving that long resets the delay to backoffFloor.
const (
	backoffFloor = 250 * time.Millisecond
	backoffCap   = 30 * time.Second
)

// supervisedProcess is the live *exec.Cmd a Supervisor is watching, plus the
// channel its exit is reported on.
type supervisedProcess struct {
	cmd  *exec.Cmd
	done chan error
}

// A Supervisor owns the respawn loop for one ServerDef's worker-managed
// subprocess. Every worker's Host constructs Supervisors, but only worker
// zero's spawn anything: on the other workers each ServerDef is given
// without Exec (see connectOnlyDef), so their Supervisors only dial the
// socket worker zero's process listens on.
type Supervisor struct {
	def      *ServerDef
	registry *Registry
	logger   *slog.Logger

	onConnect func(def *ServerDef, client *mprpc.Client)
}

// NewSupervisor returns a Supervisor for def. onConnect, if non-nil, is
// called every time a new RPC client is established for def, including after
// every respawn; it is the hook the host uses to forget stale instances and
// re-arm notification handlers.
func NewSupervisor(def *ServerDef, registry *Registry, logger *slog.Logger, onConnect func(*ServerDef, *mprpc.Client)) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{def: def, registry: registry, logger: logger, onConnect: onConnect}
}

// Run spawns def's process and keeps it running, respawning with exponential
// backoff on every exit, until ctx is cancelled. It does not return until the
// process (if any is currently running) has been killed and reaped. If the
// process cannot be spawned at all, Run logs the failure and returns nil
// without retrying; other servers' Supervisors are unaffected.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.def.Exec == "" {
		// Externally managed: just keep trying to (re)connect.
		return s.runExternal(ctx)
	}

	delay := backoffFloor

	for {
		started := time.Now()

		proc, err := s.spawn(ctx)
		if err != nil {
			s.logger.Error("spawn plugin server failed", "server", s.def.Name, "error", err)

			return nil
		} else {
			client, dialErr := s.connect(ctx, proc)
			if dialErr != nil {
				s.logger.Error("connect to plugin server failed", "server", s.def.Name, "error", dialErr)
				_ = proc.cmd.Process.Kill()
			} else {
				s.registry.ForgetServer(s.def.Name)
				s.def.setConnection(proc, client)

				if s.onConnect != nil {
					s.onConnect(s.def, client)
				}
			}

			select {
			case <-ctx.Done():
				s.shutdown(proc)

				return ctx.Err()
			case exitErr := <-proc.done:
				s.def.clearConnection()
				s.logger.Warn("plugin server exited", "server", s.def.Name, "error", exitErr)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) > backoffCap {
			delay = backoffFloor
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}

func (s *Supervisor) runExternal(ctx context.Context) error {
	delay := backoffFloor

	for {
		client, err := mprpc.Dial(ctx, "unix", s.def.Socket)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
			if delay > backoffCap {
				delay = backoffCap
			}

			continue
		}

		delay = backoffFloor
		s.registry.ForgetServer(s.def.Name)
		s.def.setConnection(nil, client)

		if s.onConnect != nil {
			s.onConnect(s.def, client)
		}

		select {
		case <-ctx.Done():
			_ = client.Close()

			return ctx.Err()
		case <-client.Done():
			s.def.clearConnection()
			s.logger.Warn("external plugin server connection lost", "server", s.def.Name)
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context) (*supervisedProcess, error) {
	_ = os.Remove(s.def.Socket)

	cmd := exec.Command(s.def.Exec, s.def.Args...)
	cmd.Env = os.Environ()

	for k, v := range s.def.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	logR, logW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("open log pipe for %s: %w", s.def.Exec, err)
	}

	cmd.Stdout = logW
	cmd.Stderr = logW

	if err := cmd.Start(); err != nil {
		_ = logR.Close()
		_ = logW.Close()

		return nil, fmt.Errorf("start %s: %w", s.def.Exec, err)
	}

	// The child now owns its own copy of the write end; this process no
	// longer needs one, and must close it so logR sees EOF once the child
	// (and any of its own children that inherited the fd) exit.
	_ = logW.Close()

	proc := &supervisedProcess{cmd: cmd, done: make(chan error, 1)}

	go func() {
		defer panichandler.Recover(ctx, s.logger, "supervisor: "+s.def.Name+": log drain")
		s.drainLogs(logR)
	}()

	go func() {
		proc.done <- cmd.Wait()
	}()

	return proc, nil
}

// drainLogs forwards every non-empty line r produces to the host log at INFO
// severity, prefixed with the owning server's name, until r hits EOF (the
// child process, and every descendant holding the write end, has exited).
func (s *Supervisor) drainLogs(r *os.File) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		s.logger.Info(line, "server", s.def.Name)
	}
}

// connect waits for the plugin server's socket to appear and dials it,
// bounded by ctx and by an overall connectTimeout.
func (s *Supervisor) connect(ctx context.Context, proc *supervisedProcess) (*mprpc.Client, error) {
	const (
		pollInterval   = 20 * time.Millisecond
		connectTimeout = 10 * time.Second
	)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	for {
		client, err := mprpc.Dial(ctx, "unix", s.def.Socket)
		if err == nil {
			return client, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case exitErr := <-proc.done:
			proc.done <- exitErr // let Run's own receive observe it too

			return nil, fmt.Errorf("server exited before listening: %w", errors.Join(err, exitErr))
		case <-time.After(pollInterval):
		}
	}
}

func (s *Supervisor) shutdown(proc *supervisedProcess) {
	if proc == nil || proc.cmd.Process == nil {
		return
	}

	_ = proc.cmd.Process.Kill()
	<-proc.done
}
