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
	"errors"
	"fmt"
	"strings"

	"github.com/gatewayhq/pluginhost/internal/mprpc"
)

// snapshotContextKey scopes the association between a deferred log-phase
// task and the request-time Snapshot it carries. There is no explicit
// task-identity map: context.Context already gives each deferred task its
// own scope, and the association disappears the moment that scope's context
// value is no longer referenced.
type snapshotContextKey struct{}

// WithSnapshot returns a copy of ctx carrying snapshot, so that a PDK call
// made by the plugin's log handler — dispatched through Gateway.BridgeCall
// with this context — can recover the request-time state it asks for even
// though the live request is already gone.
func WithSnapshot(ctx context.Context, snapshot *Snapshot) context.Context {
	return context.WithValue(ctx, snapshotContextKey{}, snapshot)
}

// SnapshotFromContext returns the Snapshot a log-phase conversation's context
// carries, if any. Gateway implementations call this from BridgeCall to
// answer PDK calls that originate from the detached log phase.
func SnapshotFromContext(ctx context.Context) (*Snapshot, bool) {
	s, ok := ctx.Value(snapshotContextKey{}).(*Snapshot)

	return s, ok
}

// eventResponse is the decoded shape of a plugin.HandleEvent, plugin.Step, or
// plugin.StepError response: an event id that threads one conversation
// together, verbatim and uninterpreted, and either the literal string "ret"
// or a pending PDK call description.
type eventResponse struct {
	eventID any
	data    any
}

func decodeEventResponse(res any) (eventResponse, error) {
	m, ok := res.(map[string]any)
	if !ok {
		return eventResponse{}, fmt.Errorf("pluginhost: bridge: unexpected response shape %#v", res)
	}

	return eventResponse{eventID: m["EventId"], data: m["Data"]}, nil
}

func (r eventResponse) isRet() bool {
	s, ok := r.data.(string)

	return ok && s == "ret"
}

func (r eventResponse) pdkCall() (method string, args []any, err error) {
	m, ok := r.data.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("pluginhost: bridge: unexpected step data %#v", r.data)
	}

	method, _ = m["Method"].(string)
	if method == "" {
		return "", nil, fmt.Errorf("pluginhost: bridge: step data missing method: %#v", r.data)
	}

	args, _ = m["Args"].([]any)

	return method, args, nil
}

// Bridge drives one phase call as the nested RPC conversation described for
// the event bridge: an opening call (normally plugin.HandleEvent), zero or
// more PDK callbacks answered inline, and a terminal "ret". There is no
// explicit state machine — Go's goroutines already give the bridge loop the
// same shape as the coroutine this protocol was designed around, so driving
// it is a plain for loop over blocking Calls.
type Bridge struct {
	gw Gateway
}

// NewBridge returns a Bridge that forwards every PDK callback to gw.
func NewBridge(gw Gateway) *Bridge {
	return &Bridge{gw: gw}
}

// Run sends method with args to open the conversation and answers every PDK
// callback the plugin server's responses describe until it signals
// completion with "ret". Any RPC failure, including the server's "No plugin
// instance" sentinel wrapped in an *mprpc.RemoteError, aborts the
// conversation and is returned to the caller.
func (b *Bridge) Run(ctx context.Context, client *mprpc.Client, method string, args any) error {
	res, err := client.Call(ctx, method, args)
	if err != nil {
		return err
	}

	ev, err := decodeEventResponse(res)
	if err != nil {
		return err
	}

	for !ev.isRet() {
		pdkMethod, pdkArgs, err := ev.pdkCall()
		if err != nil {
			return err
		}

		result, pdkErr := b.gw.BridgeCall(ctx, pdkMethod, pdkArgs)

		stepMethod, payload := stepPayload(result, pdkErr)

		res, err = client.Call(ctx, stepMethod, map[string]any{"EventId": ev.eventID, "Data": payload})
		if err != nil {
			return err
		}

		ev, err = decodeEventResponse(res)
		if err != nil {
			return err
		}
	}

	return nil
}

// stepPayload chooses the continuation RPC method and payload for a PDK
// outcome: success continues with plugin.Step, error with plugin.StepError.
// Richer shapes (multi-valued returns) are the payload's concern, not this
// function's — it only decides which of the two methods carries it.
func stepPayload(result any, pdkErr error) (method string, payload any) {
	if pdkErr != nil {
		return methodStepError, pdkErr.Error()
	}

	return methodStep, result
}

// noInstanceErr reports whether err is the "No plugin instance" sentinel a
// plugin server returns when asked to drive a conversation against an
// instance id it no longer recognizes — typically because the server
// restarted and forgot everything the host's registry still remembers.
func noInstanceErr(err error) bool {
	var remote *mprpc.RemoteError
	if !errors.As(err, &remote) {
		return false
	}

	s, ok := remote.Payload.(string)

	return ok && strings.HasPrefix(s, "No plugin instance")
}
