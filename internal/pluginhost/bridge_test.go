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
	"github.com/vmihailenco/msgpack/v5"
)

// fakeServer decodes the requests a Bridge sends and lets a test script
// canned responses for each one, playing the part of a plugin server across
// a net.Pipe.
type fakeServer struct {
	enc *msgpack.Encoder
	dec *msgpack.Decoder
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{enc: msgpack.NewEncoder(conn), dec: msgpack.NewDecoder(conn)}
}

func (f *fakeServer) recv(t *testing.T) (id uint64, method string, params any) {
	t.Helper()

	msg, err := f.dec.DecodeInterface()
	if err != nil {
		t.Fatalf("server decode: %v", err)
	}

	arr, ok := msg.([]any)
	if !ok || len(arr) != 4 {
		t.Fatalf("unexpected request shape: %#v", msg)
	}

	idVal, _ := toUint64(arr[1])
	methodVal, _ := arr[2].(string)

	return idVal, methodVal, arr[3]
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

func (f *fakeServer) respond(t *testing.T, id uint64, result any) {
	t.Helper()

	if err := f.enc.Encode([]any{1, id, nil, result}); err != nil {
		t.Fatalf("server encode: %v", err)
	}
}

type recordingGateway struct {
	calls []string
}

func (g *recordingGateway) BridgeCall(ctx context.Context, method string, params []any) (any, error) {
	g.calls = append(g.calls, method)

	return "handled", nil
}

func (g *recordingGateway) RunAfter(delay time.Duration, fn func()) {
	fn()
}

func TestBridgeRunDrivesPDKCallsToRet(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := mprpc.NewClient(clientConn)
	defer client.Close()

	server := newFakeServer(serverConn)
	gw := &recordingGateway{}
	bridge := NewBridge(gw)

	done := make(chan error, 1)

	go func() {
		done <- bridge.Run(context.Background(), client, methodHandleEvent, map[string]any{"InstanceId": "i1", "EventName": "access"})
	}()

	id, method, _ := server.recv(t)
	if method != methodHandleEvent {
		t.Fatalf("method = %q, want %q", method, methodHandleEvent)
	}

	server.respond(t, id, map[string]any{
		"EventId": "e1",
		"Data": map[string]any{
			"Method": "kong.request.get_header",
			"Args":   []any{"x-foo"},
		},
	})

	id, method, params := server.recv(t)
	if method != methodStep {
		t.Fatalf("method = %q, want %q", method, methodStep)
	}

	m, ok := params.(map[string]any)
	if !ok || m["EventId"] != "e1" || m["Data"] != "handled" {
		t.Fatalf("unexpected Step params: %#v", params)
	}

	server.respond(t, id, map[string]any{"EventId": "e1", "Data": "ret"})

	if err := <-done; err != nil {
		t.Fatalf("Bridge.Run() error = %v", err)
	}

	if len(gw.calls) != 1 || gw.calls[0] != "kong.request.get_header" {
		t.Fatalf("unexpected gateway calls: %v", gw.calls)
	}
}

func TestBridgeRunStepErrorOnPDKFailure(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := mprpc.NewClient(clientConn)
	defer client.Close()

	server := newFakeServer(serverConn)
	gw := &failingGateway{}
	bridge := NewBridge(gw)

	done := make(chan error, 1)

	go func() {
		done <- bridge.Run(context.Background(), client, methodHandleEvent, map[string]any{})
	}()

	id, _, _ := server.recv(t)
	server.respond(t, id, map[string]any{
		"EventId": "e2",
		"Data": map[string]any{
			"Method": "kong.log.err",
			"Args":   []any{"boom"},
		},
	})

	id, method, params := server.recv(t)
	if method != methodStepError {
		t.Fatalf("method = %q, want %q", method, methodStepError)
	}

	m := params.(map[string]any)
	if m["EventId"] != "e2" || m["Data"] != "pdk failed" {
		t.Fatalf("unexpected StepError params: %#v", params)
	}

	server.respond(t, id, map[string]any{"EventId": "e2", "Data": "ret"})

	if err := <-done; err != nil {
		t.Fatalf("Bridge.Run() error = %v", err)
	}
}

type failingGateway struct{}

func (failingGateway) BridgeCall(ctx context.Context, method string, params []any) (any, error) {
	return nil, errPdkFailed
}

func (failingGateway) RunAfter(delay time.Duration, fn func()) { fn() }

var errPdkFailed = pdkError("pdk failed")

type pdkError string

func (e pdkError) Error() string { return string(e) }

func TestNoInstanceErrDetection(t *testing.T) {
	err := &mprpc.RemoteError{Payload: "No plugin instance: 42"}
	if !noInstanceErr(err) {
		t.Fatal("expected noInstanceErr to detect the sentinel")
	}

	if noInstanceErr(&mprpc.RemoteError{Payload: "some other failure"}) {
		t.Fatal("noInstanceErr matched an unrelated remote error")
	}
}
