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

// Package mprpc implements a minimal MessagePack-RPC client suitable for
// talking to a single long-lived server over a connection-oriented socket. It
// speaks the wire protocol described at https://github.com/msgpack-rpc/msgpack-rpc/blob/master/spec.md:
// requests, responses, and notifications are each encoded as a fixed-length
// MessagePack array whose first element is the message type.
package mprpc

import "fmt"

// Message types as defined by the MessagePack-RPC specification.
const (
	typeRequest      = 0
	typeResponse     = 1
	typeNotification = 2
)

// A RemoteError is returned when a call's response carries a non-nil error
// object. Payload holds the decoded error value exactly as the server sent it;
// callers that need to recognize a specific sentinel (such as the "No plugin
// instance" marker) should inspect Payload directly.
type RemoteError struct {
	Payload any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mprpc: remote error: %v", e.Payload)
}

// A DecodeError wraps a failure to decode an incoming message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mprpc: decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// request is the wire shape of a MessagePack-RPC request: [0, msgid, method, params].
type request struct {
	msgID  uint64
	method string
	params any
}

func (r *request) wire() []any {
	return []any{typeRequest, r.msgID, r.method, r.params}
}

// response is the wire shape of a MessagePack-RPC response: [1, msgid, error, result].
type response struct {
	msgID  uint64
	errVal any
	result any
}

// notification is the wire shape of a MessagePack-RPC notification: [2, method, params].
type notification struct {
	method string
	params any
}

func (n *notification) wire() []any {
	return []any{typeNotification, n.method, n.params}
}
