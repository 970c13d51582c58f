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

// Command pluginhostd runs the external plugin host standalone: it loads a
// server-definition file, discovers the plugins those servers advertise, and
// keeps every configured server supervised until interrupted. It exists so
// the host can be built, started, and exercised on its own, outside the
// gateway worker process that embeds package pluginhost in production.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatewayhq/pluginhost/internal/logging"
	"github.com/gatewayhq/pluginhost/internal/panichandler"
	"github.com/gatewayhq/pluginhost/internal/pluginhost"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	logging.InitBootstrap()

	logger := slog.Default()

	defer panichandler.Recover(context.Background(), logger, "main")

	var configPath string

	pflag.StringVarP(&configPath, "config", "c", "servers.yaml", "path to the plugin server definition file")
	pflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer panichandler.Recover(ctx, logger, "signal watcher")

		<-sigc
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.InfoContext(ctx, "starting plugin host", "config", configPath)

	gw := newGatewayStub(logger)
	host := pluginhost.NewHost(gw, pluginhost.WithLogger(logger), pluginhost.AsWorkerZero())

	defer host.Close()

	if err := host.LoadConfig(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		return 1
	}

	if err := host.ManageServers(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		return 1
	}

	logger.Info("plugin host stopped")

	return 0
}
