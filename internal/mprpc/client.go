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

package mprpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrTransportClosed is returned to every outstanding and future Call once the
// client's underlying connection has been closed, whether by a call to Close
// or because the peer went away.
var ErrTransportClosed = errors.New("mprpc: transport closed")

// A NotificationHandler is invoked for every incoming notification registered
// under its name. It receives the Client so that a handler can keep per-client
// state, such as the server's last-observed process id.
type NotificationHandler func(c *Client, params []any)

// A RequestHandler answers an incoming request from the peer: a peer that is
// itself in the middle of handling a call from us may call back into us
// before replying, and such a request is answered on the same connection
// rather than treated as a response to one of our own pending calls.
type RequestHandler func(c *Client, method string, params []any) (any, error)

// pendingCall is the bookkeeping for one outstanding request.
type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	result any
	err    error
}

// A Client is a connection-oriented MessagePack-RPC client. One Client owns one
// underlying connection; reconnecting after the connection is lost is the
// caller's responsibility (see the process supervisor, which opens a fresh
// Client after every respawn).
type Client struct {
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	notifyMu sync.RWMutex
	notify   map[string]NotificationHandler

	requestMu  sync.RWMutex
	requests   map[string]RequestHandler
	defaultReq RequestHandler

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  atomic.Value // error
}

// NewClient wraps an already-established connection in a Client and starts its
// read loop. The caller retains ownership of conn's lifecycle only insofar as
// Close must eventually be called; NewClient takes over reading from conn
// immediately.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		enc:     msgpack.NewEncoder(conn),
		dec:     msgpack.NewDecoder(conn),
		pending:  make(map[uint64]*pendingCall),
		notify:   make(map[string]NotificationHandler),
		requests: make(map[string]RequestHandler),
		closed:   make(chan struct{}),
	}

	go c.readLoop()

	return c
}

// Dial connects to addr over network (typically "unix") and returns a Client
// reading and writing on that connection.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("mprpc: dial %s %s: %w", network, addr, err)
	}

	return NewClient(conn), nil
}

// Call sends a request and blocks until the matching response arrives, ctx is
// done, or the transport closes. On a non-nil remote error payload, Call
// returns a *RemoteError wrapping it.
func (c *Client) Call(ctx context.Context, method string, args any) (any, error) {
	id := c.nextID.Add(1)

	pc := &pendingCall{resultCh: make(chan callResult, 1)}

	c.pendingMu.Lock()
	c.pending[id] = pc
	c.pendingMu.Unlock()

	req := &request{msgID: id, method: method, params: args}

	if err := c.write(req.wire()); err != nil {
		c.removePending(id)

		return nil, err
	}

	select {
	case res := <-pc.resultCh:
		return res.result, res.err
	case <-c.closed:
		c.removePending(id)

		return nil, c.closeError()
	case <-ctx.Done():
		c.removePending(id)

		return nil, fmt.Errorf("mprpc: %w", ctx.Err())
	}
}

// Notify sends a fire-and-forget notification to the peer. There is no
// response to wait for and no error is returned for anything the peer itself
// might do with it.
func (c *Client) Notify(method string, args any) error {
	n := &notification{method: method, params: args}

	return c.write(n.wire())
}

// OnNotification registers handler to run for every notification named name.
// Only one handler may be registered per name; a later call replaces an
// earlier one.
func (c *Client) OnNotification(name string, handler NotificationHandler) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.notify[name] = handler
}

// OnRequest registers handler to answer every incoming request named name.
// Only one handler may be registered per name; a later call replaces an
// earlier one. A request for a name with no registered handler gets an error
// response rather than being silently dropped, since (unlike a notification)
// the peer is waiting on it.
func (c *Client) OnRequest(name string, handler RequestHandler) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	c.requests[name] = handler
}

// OnDefaultRequest registers handler to answer any incoming request whose
// method name has no handler registered via OnRequest, for peers whose set
// of callback methods is open-ended. The pluginhost bridge does not use it:
// its PDK callbacks arrive in the Data field of call responses, not as
// requests.
func (c *Client) OnDefaultRequest(handler RequestHandler) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	c.defaultReq = handler
}

// Close closes the underlying connection and fails every outstanding and
// future Call with ErrTransportClosed. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.failAll(ErrTransportClosed)
		close(c.closed)
	})

	return c.conn.Close()
}

// Done returns a channel that is closed once the client has been closed,
// either explicitly or because the connection was lost.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) write(wire []any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}

	if err := c.enc.Encode(wire); err != nil {
		return fmt.Errorf("mprpc: encode: %w", err)
	}

	return nil
}

func (c *Client) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) failAll(err error) {
	c.closeErr.CompareAndSwap(nil, err)

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendingMu.Unlock()

	for _, pc := range pending {
		pc.resultCh <- callResult{err: err}
	}
}

func (c *Client) closeError() error {
	if v, ok := c.closeErr.Load().(error); ok && v != nil {
		return v
	}

	return ErrTransportClosed
}

// readLoop decodes one MessagePack-RPC message at a time and dispatches it:
// responses are routed to the pending call that matches their message id,
// notifications are routed to the registered handler for their method name.
// readLoop exits, closing the client, on the first decode error or EOF.
func (c *Client) readLoop() {
	for {
		msg, err := c.dec.DecodeInterface()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.closeErr.CompareAndSwap(nil, &DecodeError{Err: err})
			}

			_ = c.Close()

			return
		}

		arr, ok := msg.([]any)
		if !ok || len(arr) == 0 {
			continue
		}

		kind, ok := asInt(arr[0])
		if !ok {
			continue
		}

		switch kind {
		case typeResponse:
			c.handleResponse(arr)
		case typeNotification:
			c.handleNotification(arr)
		case typeRequest:
			go c.handleRequest(arr)
		}
	}
}

func (c *Client) handleResponse(arr []any) {
	if len(arr) != 4 {
		return
	}

	id, ok := asUint64(arr[1])
	if !ok {
		return
	}

	c.pendingMu.Lock()
	pc, ok := c.pending[id]

	if ok {
		delete(c.pending, id)
	}

	c.pendingMu.Unlock()

	if !ok {
		return
	}

	if arr[2] != nil {
		pc.resultCh <- callResult{err: &RemoteError{Payload: arr[2]}}

		return
	}

	pc.resultCh <- callResult{result: arr[3]}
}

func (c *Client) handleNotification(arr []any) {
	if len(arr) != 3 {
		return
	}

	method, ok := arr[1].(string)
	if !ok {
		return
	}

	c.notifyMu.RLock()
	handler, ok := c.notify[method]
	c.notifyMu.RUnlock()

	if !ok {
		return
	}

	params, _ := arr[2].([]any)

	handler(c, params)
}

// handleRequest answers an incoming request, dispatching to a registered
// RequestHandler by method name and always writing back a response: the
// peer issued a call and is blocked on our reply regardless of whether we
// have anything useful to say.
func (c *Client) handleRequest(arr []any) {
	if len(arr) != 4 {
		return
	}

	id, ok := asUint64(arr[1])
	if !ok {
		return
	}

	method, ok := arr[2].(string)
	if !ok {
		return
	}

	params, _ := arr[3].([]any)

	c.requestMu.RLock()
	handler, ok := c.requests[method]
	if !ok {
		handler = c.defaultReq
		ok = handler != nil
	}
	c.requestMu.RUnlock()

	var (
		result any
		errVal any
	)

	if !ok {
		errVal = fmt.Sprintf("mprpc: no handler for method %q", method)
	} else {
		res, err := handler(c, method, params)
		if err != nil {
			errVal = err.Error()
		} else {
			result = res
		}
	}

	resp := &response{msgID: id, errVal: errVal, result: result}
	_ = c.write([]any{typeResponse, resp.msgID, resp.errVal, resp.result})
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

func asUint64(v any) (uint64, bool) {
	n, ok := asInt(v)
	if !ok || n < 0 {
		return 0, false
	}

	return uint64(n), true
}
