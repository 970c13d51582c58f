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
	"context"
	"log/slog"
	"sync"

	"github.com/gatewayhq/pluginhost/internal/mprpc"
	"github.com/gatewayhq/pluginhost/internal/panichandler"
	"golang.org/x/sync/errgroup"
)

// Plugin is the gateway-facing view of one discovered plugin: its
// descriptor plus the entrypoint used to run it for a phase.
type Plugin struct {
	Descriptor *PluginDescriptor
	Adapter    *PhaseAdapter
}

// A Host owns every configured server, the combined plugin descriptor set
// they advertise, and the registry and bridge those plugins run against. A
// process runs exactly one Host per gateway worker; state lives on this
// struct rather than in package-level variables so that tests can construct
// as many independent Hosts as they need.
type Host struct {
	gw           Gateway
	logger       *slog.Logger
	isWorkerZero bool

	mu          sync.RWMutex
	defs        []*ServerDef
	descriptors map[string]*PluginDescriptor

	registry *Registry
	bridge   *Bridge
	adapter  *PhaseAdapter
}

// Option configures a Host constructed by NewHost.
type Option func(*Host)

// WithLogger overrides the host's logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// AsWorkerZero marks this Host as belonging to the one gateway worker
// responsible for spawning plugin server processes. Every other worker
// connects to the sockets worker zero's processes listen on without ever
// spawning anything itself.
func AsWorkerZero() Option {
	return func(h *Host) { h.isWorkerZero = true }
}

// NewHost returns a Host that brokers requests to gw's plugins.
func NewHost(gw Gateway, opts ...Option) *Host {
	registry := NewRegistry()
	bridge := NewBridge(gw)

	h := &Host{
		gw:          gw,
		logger:      slog.Default(),
		descriptors: make(map[string]*PluginDescriptor),
		registry:    registry,
		bridge:      bridge,
		adapter:     NewPhaseAdapter(registry, bridge),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// LoadConfig reads the server definitions at path and runs every server's
// info command to discover the plugins it advertises. It must be called
// before ManageServers. An empty path is logged at INFO and leaves the Host
// with no servers and no plugins.
func (h *Host) LoadConfig(ctx context.Context, path string) error {
	if path == "" {
		h.logger.Info("no external plugin server config path, not loading external plugins")

		return nil
	}

	defs, err := LoadServerDefs(path)
	if err != nil {
		return err
	}

	descs := LoadDescriptors(ctx, defs, nil, h.logger)

	byName := make(map[string]*PluginDescriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}

	h.mu.Lock()
	h.defs = defs
	h.descriptors = byName
	h.mu.Unlock()

	return nil
}

// LoadSchema returns the opaque schema value a plugin advertised, for the
// gateway's own config validator to consume.
func (h *Host) LoadSchema(pluginName string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	d, ok := h.descriptors[pluginName]
	if !ok {
		return nil, false
	}

	return d.Schema, true
}

// LoadPlugin returns the gateway-facing handle for a discovered plugin.
func (h *Host) LoadPlugin(pluginName string) (*Plugin, bool) {
	h.mu.RLock()
	d, ok := h.descriptors[pluginName]
	h.mu.RUnlock()

	if !ok {
		return nil, false
	}

	return &Plugin{Descriptor: d, Adapter: h.adapter}, true
}

// ManageServers spawns (when this Host is worker zero) or connects to every
// configured server and keeps each one supervised until ctx is cancelled. It
// blocks until every server's supervision loop has returned.
func (h *Host) ManageServers(ctx context.Context) error {
	h.mu.RLock()
	defs := h.defs
	h.mu.RUnlock()

	if len(defs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, def := range defs {
		def := def

		if def.Exec != "" && !h.isWorkerZero {
			// Non-zero workers never spawn; they only dial a socket worker
			// zero's process is expected to already be listening on.
			def = connectOnlyDef(def)
		}

		sup := NewSupervisor(def, h.registry, h.logger, h.onServerConnect)

		g.Go(func() error {
			defer panichandler.Recover(gctx, h.logger, "supervisor: "+def.Name)

			err := sup.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

// Close clears the instance registry. It does not stop any supervisor loop
// started by ManageServers — cancel the context passed to ManageServers for
// that — and it is safe to call once ManageServers has returned, to discard
// cached instance ids before a Host is dropped. The plugin descriptor table
// is never cleared: it is immutable for the Host's lifetime (see LoadConfig),
// and per-request log-phase snapshots need no teardown here at all, since
// they live on the request goroutine's context (see WithSnapshot), not in any
// table owned by the Host.
func (h *Host) Close() {
	h.registry.Clear()
}

// connectOnlyDef returns a ServerDef for the same socket with Exec cleared,
// so its Supervisor only ever dials, never spawns.
func connectOnlyDef(def *ServerDef) *ServerDef {
	return &ServerDef{
		Name:    def.Name,
		Socket:  def.Socket,
		InfoCmd: def.InfoCmd,
	}
}

func (h *Host) onServerConnect(def *ServerDef, client *mprpc.Client) {
	client.OnNotification(notificationServerPid, func(c *mprpc.Client, params []any) {
		if len(params) == 0 {
			return
		}

		pid, ok := asInt(params[0])
		if !ok {
			return
		}

		if def.observePid(pid) {
			h.logger.Info("plugin server pid changed", "server", def.Name, "pid", pid)
			h.registry.ForgetServer(def.Name)
		}
	})

	h.logger.Info("plugin server connected", "server", def.Name)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int16:
		return int(n), true
	case int8:
		return int(n), true
	case uint64:
		return int(n), true
	case uint32:
		return int(n), true
	case uint16:
		return int(n), true
	case uint8:
		return int(n), true
	default:
		return 0, false
	}
}
