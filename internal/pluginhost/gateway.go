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
	"time"
)

// Gateway is the collaborator surface the host calls into on behalf of a
// plugin instance that, while handling one phase, makes a nested call back
// into the gateway itself (reading a request header, sharing a value across
// phases, emitting a log line at the gateway's own log level). The host
// treats method as opaque and routes params through unchanged; it is
// Gateway's job to know what "kong.request.get_header" or
// "kong.log.err" mean.
//
// BridgeCall is invoked with the context that was active when the phase
// invocation producing it began (see Bridge), so a Gateway implementation
// that wants per-request cancellation or tracing gets it for free. For the
// log phase specifically, that context also carries the request's Snapshot
// (see WithSnapshot), since the live request is gone by the time the log
// phase's PDK calls arrive.
type Gateway interface {
	BridgeCall(ctx context.Context, method string, params []any) (any, error)

	// RunAfter schedules fn to run once delay has elapsed, without blocking
	// the caller. PhaseAdapter.InvokeLog calls it with delay == 0 to defer the
	// log phase until after the gateway has already written its response —
	// the same RunAfter(0, fn) hook the gateway's own response pipeline uses
	// to schedule post-response work.
	RunAfter(delay time.Duration, fn func())
}
