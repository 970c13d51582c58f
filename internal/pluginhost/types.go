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

// Package pluginhost implements the external plugin host: the gateway
// subsystem that discovers, supervises, and brokers requests to plugins that
// run as long-lived out-of-process servers and speak MessagePack-RPC.
package pluginhost

import (
	"sync"

	"github.com/anttikivi/semver"
	"github.com/gatewayhq/pluginhost/internal/mprpc"
)

// Well-known phase names the gateway may invoke a plugin for.
const (
	PhaseCertificate  = "certificate"
	PhaseRewrite      = "rewrite"
	PhaseAccess       = "access"
	PhaseHeaderFilter = "header_filter"
	PhaseBodyFilter   = "body_filter"
	PhaseLog          = "log"
)

// RPC methods consumed from a plugin server.
const (
	methodStartInstance = "plugin.StartInstance"
	methodCloseInstance = "plugin.CloseInstance"
	methodHandleEvent   = "plugin.HandleEvent"
	methodStep          = "plugin.Step"
	methodStepError     = "plugin.StepError"
)

// notificationServerPid is the name of the notification a plugin server sends
// whenever it wants the host to learn (or confirm) its process id.
const notificationServerPid = "serverPid"

// A ServerDef describes one configured plugin server. Values are built once
// from the configuration file (see config.go) and the runtime fields are
// populated and updated by the Supervisor as the server process is spawned,
// respawned, and connected to.
type ServerDef struct {
	// Name uniquely identifies this server among the ones configured for the
	// host. It is never empty: LoadServerDefs defaults it positionally.
	Name string

	// Socket is the UNIX socket path the server listens on (or will listen on,
	// once spawned).
	Socket string

	// Exec is the executable to run for this server. It is empty for server
	// definitions that describe an externally managed process the host should
	// only connect to, never spawn.
	Exec string

	// Args is the argument vector passed to Exec.
	Args []string

	// Environment is merged over the host process's own environment when
	// spawning Exec.
	Environment map[string]string

	// InfoCmd, if set, is run once at startup to discover the plugins this
	// server advertises.
	InfoCmd string

	mu      sync.Mutex
	process *supervisedProcess
	client  *mprpc.Client
	lastPid int
	havePid bool
}

// Client returns the server's current RPC client, or nil if the server has
// not yet been connected.
func (d *ServerDef) Client() *mprpc.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.client
}

func (d *ServerDef) setConnection(proc *supervisedProcess, client *mprpc.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.process = proc
	d.client = client
	d.havePid = false
	d.lastPid = 0
}

func (d *ServerDef) clearConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.process = nil
	d.client = nil
}

// observePid records pid as the server's last-observed process id and reports
// whether this is a change from a previously observed pid (the first
// observation after a connection is never itself a change).
func (d *ServerDef) observePid(pid int) (changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.havePid {
		d.havePid = true
		d.lastPid = pid

		return false
	}

	changed = pid != d.lastPid
	d.lastPid = pid

	return changed
}

// A PluginDescriptor is one plugin advertised by a ServerDef's info command.
type PluginDescriptor struct {
	// Name is globally unique across all configured servers.
	Name string `yaml:"name" mapstructure:"name"`

	// Priority orders plugins within a phase; higher runs first. It is
	// informational for the host — ordering across plugins within a phase is
	// the gateway's concern, not this subsystem's.
	Priority int `yaml:"priority" mapstructure:"priority"`

	// Version is the plugin's self-reported version string.
	Version string `yaml:"version" mapstructure:"version"`

	// ParsedVersion is Version parsed leniently with semver.ParseLax, or nil
	// if Version could not be parsed as a version at all. A plugin with an
	// unparseable version is still registered; this field only enables
	// version-aware comparisons where the host later wants them.
	ParsedVersion *semver.Version `yaml:"-" mapstructure:"-"`

	// Schema is an opaque value handed to the gateway's schema validator. The
	// host never interprets it.
	Schema any `yaml:"schema" mapstructure:"schema"`

	// Phases lists the phase names this plugin participates in.
	Phases []string `yaml:"phases" mapstructure:"phases"`

	// Server is the ServerDef that advertised this plugin.
	Server *ServerDef `yaml:"-" mapstructure:"-"`
}

// HasPhase reports whether d participates in the given phase.
func (d *PluginDescriptor) HasPhase(phase string) bool {
	for _, p := range d.Phases {
		if p == phase {
			return true
		}
	}

	return false
}
