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
	"net"
	"testing"
	"time"

	"github.com/gatewayhq/pluginhost/internal/mprpc"
)

type noopGateway struct{}

func (noopGateway) BridgeCall(ctx context.Context, method string, params []any) (any, error) {
	return nil, nil
}

func (noopGateway) RunAfter(delay time.Duration, fn func()) { fn() }

func (f *fakeServer) respondErr(t *testing.T, id uint64, errVal any) {
	t.Helper()

	if err := f.enc.Encode([]any{1, id, errVal, nil}); err != nil {
		t.Fatalf("server encode error response: %v", err)
	}
}

// TestPhaseAdapterInvokeEvictsAndRetriesOnce exercises the "No plugin
// instance" path: the first HandleEvent fails because the server no longer
// recognizes the instance id the registry cached, so Invoke must forget it,
// start a new instance, and retry the conversation exactly once.
func TestPhaseAdapterInvokeEvictsAndRetriesOnce(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := mprpc.NewClient(clientConn)
	defer client.Close()

	server := newFakeServer(serverConn)

	def := &ServerDef{Name: "s1"}
	def.setConnection(nil, client)

	desc := &PluginDescriptor{Name: "echo", Server: def, Phases: []string{PhaseAccess}}

	registry := NewRegistry()
	bridge := NewBridge(noopGateway{})
	adapter := NewPhaseAdapter(registry, bridge)

	resultCh := make(chan error, 1)

	go func() {
		_, err := adapter.Invoke(context.Background(), desc, PhaseAccess, map[string]any{"key": "k"})
		resultCh <- err
	}()

	// First StartInstance.
	id, method, _ := server.recv(t)
	if method != methodStartInstance {
		t.Fatalf("method = %q, want %q", method, methodStartInstance)
	}

	server.respond(t, id, map[string]any{"Id": "inst-1"})

	// First HandleEvent fails with the stale-instance sentinel.
	id, method, _ = server.recv(t)
	if method != methodHandleEvent {
		t.Fatalf("method = %q, want %q", method, methodHandleEvent)
	}

	server.respondErr(t, id, "No plugin instance: inst-1")

	// Invoke evicts and retries: a second StartInstance.
	id, method, _ = server.recv(t)
	if method != methodStartInstance {
		t.Fatalf("retry method = %q, want %q", method, methodStartInstance)
	}

	server.respond(t, id, map[string]any{"Id": "inst-2"})

	// Second HandleEvent succeeds outright.
	id, method, _ = server.recv(t)
	if method != methodHandleEvent {
		t.Fatalf("retry method = %q, want %q", method, methodHandleEvent)
	}

	server.respond(t, id, map[string]any{"EventId": "e1", "Data": "ret"})

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Invoke to return")
	}
}

func TestPhaseAdapterInvokeUnknownPlugin(t *testing.T) {
	registry := NewRegistry()
	bridge := NewBridge(noopGateway{})
	adapter := NewPhaseAdapter(registry, bridge)

	desc := &PluginDescriptor{Name: "orphan"}

	_, err := adapter.Invoke(context.Background(), desc, PhaseAccess, nil)
	if err != ErrUnknownPlugin {
		t.Fatalf("err = %v, want ErrUnknownPlugin", err)
	}
}

func TestPhaseAdapterInvokeServerNotConnected(t *testing.T) {
	registry := NewRegistry()
	bridge := NewBridge(noopGateway{})
	adapter := NewPhaseAdapter(registry, bridge)

	desc := &PluginDescriptor{Name: "echo", Server: &ServerDef{Name: "s1"}}

	_, err := adapter.Invoke(context.Background(), desc, PhaseAccess, nil)
	if err != ErrServerNotConnected {
		t.Fatalf("err = %v, want ErrServerNotConnected", err)
	}
}
