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
	"fmt"
	"log/slog"

	"github.com/gatewayhq/pluginhost/internal/mprpc"
	"github.com/gatewayhq/pluginhost/internal/panichandler"
)

// PhaseAdapter is the per-phase entrypoint the gateway drives to run a
// plugin instance. It resolves the instance id through the Registry and
// drives the Event Bridge conversation for the duration of the call.
//
// The log phase is special-cased: the gateway must already have returned to
// its client before the log pipeline finishes, so InvokeLog schedules the
// conversation to run after the fact against a frozen Snapshot instead of
// running it inline.
type PhaseAdapter struct {
	registry *Registry
	bridge   *Bridge
}

// NewPhaseAdapter returns a PhaseAdapter that resolves instances through
// registry and drives PDK callbacks through bridge.
func NewPhaseAdapter(registry *Registry, bridge *Bridge) *PhaseAdapter {
	return &PhaseAdapter{registry: registry, bridge: bridge}
}

// Invoke runs desc's plugin instance for phase. conf is the gateway's plugin
// configuration for this call, used both to resolve (and, if needed, start)
// the instance and as the configuration value passed to the plugin. If the
// conversation fails with the "No plugin instance" sentinel, Invoke evicts
// the stale entry and retries exactly once before propagating the error.
func (a *PhaseAdapter) Invoke(ctx context.Context, desc *PluginDescriptor, phase string, conf any) (any, error) {
	if desc.Server == nil {
		return nil, ErrUnknownPlugin
	}

	client := desc.Server.Client()
	if client == nil {
		return nil, ErrServerNotConnected
	}

	err := a.run(ctx, desc, client, phase, conf)
	if err == nil || !noInstanceErr(err) {
		return nil, err
	}

	a.registry.Forget(deriveInstanceMeta(desc.Name, conf).Key)

	return nil, a.run(ctx, desc, client, phase, conf)
}

// InvokeLog schedules desc's log phase to run, against snapshot, after the
// gateway's own response has already been sent. It returns immediately;
// failures are logged rather than returned, since by the time the deferred
// task runs there is no request left to propagate an error to.
func (a *PhaseAdapter) InvokeLog(gw Gateway, desc *PluginDescriptor, conf any, snapshot *Snapshot, logger *slog.Logger) {
	gw.RunAfter(0, func() {
		defer panichandler.Recover(context.Background(), logger, "log phase: "+desc.Name)

		logCtx := WithSnapshot(context.Background(), snapshot)

		if _, err := a.Invoke(logCtx, desc, PhaseLog, conf); err != nil {
			logger.Error("log phase failed", "plugin", desc.Name, "error", err)
		}
	})
}

func (a *PhaseAdapter) run(ctx context.Context, desc *PluginDescriptor, client *mprpc.Client, phase string, conf any) error {
	id, err := a.startInstance(ctx, desc, client, conf)
	if err != nil {
		return err
	}

	args := map[string]any{"InstanceId": id, "EventName": phase}

	return a.bridge.Run(ctx, client, methodHandleEvent, args)
}

func (a *PhaseAdapter) startInstance(ctx context.Context, desc *PluginDescriptor, client *mprpc.Client, conf any) (string, error) {
	start := func(ctx context.Context, pluginName string, conf any) (string, error) {
		res, err := client.Call(ctx, methodStartInstance, map[string]any{"Name": pluginName, "Config": conf})
		if err != nil {
			return "", err
		}

		m, ok := res.(map[string]any)
		if !ok {
			return "", fmt.Errorf("pluginhost: StartInstance: unexpected result %#v", res)
		}

		instID, _ := m["Id"].(string)
		if instID == "" {
			return "", fmt.Errorf("pluginhost: StartInstance: missing instance id in result %#v", res)
		}

		return instID, nil
	}

	closeFn := func(ctx context.Context, instanceID string) {
		_, _ = client.Call(ctx, methodCloseInstance, map[string]any{"Id": instanceID})
	}

	return a.registry.GetInstanceID(ctx, desc.Name, desc.Server.Name, conf, start, closeFn)
}
