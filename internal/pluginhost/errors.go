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
	"fmt"
)

// ErrUnknownPlugin is returned when a caller asks for a plugin name that no
// configured server ever advertised.
var ErrUnknownPlugin = errors.New("pluginhost: unknown plugin")

// ErrNoInstance names the case of a plugin instance that was expected to
// exist but is unknown. No function in this package returns it: a missing
// remote instance surfaces as the plugin server's "No plugin instance"
// remote error, which PhaseAdapter.Invoke handles by restarting once.
var ErrNoInstance = errors.New("pluginhost: no instance for key")

// ErrServerNotConnected is returned when an operation needs a live RPC client
// for a server but the server has not (yet, or any longer) been connected.
var ErrServerNotConnected = errors.New("pluginhost: server not connected")

// ErrHostClosed names the case of an operation on a host that has shut down.
// No function in this package returns it: Host methods stay callable after
// ManageServers has returned and after Close.
var ErrHostClosed = errors.New("pluginhost: host closed")

// A ConfigError reports a problem loading or validating server definitions.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pluginhost: config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// A StartError reports that a plugin instance failed to start. It carries the
// plugin name and the key the registry attempted to associate with it so
// callers can log a precise diagnosis.
type StartError struct {
	Plugin string
	Key    string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("pluginhost: start %s (key %s): %v", e.Plugin, e.Key, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
