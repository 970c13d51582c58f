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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatewayhq/pluginhost/internal/pluginhost"
)

// gatewayStub is a minimal Gateway good enough to drive the plugin host
// standalone, outside the real gateway process it is normally embedded in.
// It answers the handful of PDK calls a plugin typically makes during a
// phase by reading back the Snapshot stashed on the request, and otherwise
// just logs what it was asked to do.
type gatewayStub struct {
	logger *slog.Logger
}

func newGatewayStub(logger *slog.Logger) *gatewayStub {
	return &gatewayStub{logger: logger}
}

func (g *gatewayStub) BridgeCall(ctx context.Context, method string, params []any) (any, error) {
	snap, _ := pluginhost.SnapshotFromContext(ctx)

	switch method {
	case "kong.request.get_header":
		if snap == nil || len(params) == 0 {
			return nil, nil
		}

		name, _ := params[0].(string)

		return snap.Request[name], nil

	case "kong.response.get_status":
		if snap == nil {
			return nil, nil
		}

		return snap.Response["status"], nil

	case "kong.log.err", "kong.log.warn", "kong.log.notice", "kong.log.info", "kong.log.debug":
		g.logger.Info("plugin log", "method", method, "params", params)

		return nil, nil

	default:
		g.logger.Warn("unhandled bridge call", "method", method, "params", params)

		return nil, fmt.Errorf("gatewaystub: unsupported method %q", method)
	}
}

func (g *gatewayStub) RunAfter(delay time.Duration, fn func()) {
	if delay <= 0 {
		go fn()

		return
	}

	time.AfterFunc(delay, fn)
}
