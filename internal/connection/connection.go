// Copyright 2025 Fenwick AI
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

// Package connection implements the bidirectional JSON-RPC 2.0 session on
// top of a transport.Transport: it correlates outgoing requests with
// incoming responses by id, dispatches inbound requests/notifications to
// registered handlers, and relies on the transport's Send to serialize
// outbound frames (spec.md §4.2).
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwick-ai/acpbroker/internal/jsonrpc"
	"github.com/fenwick-ai/acpbroker/internal/transport"
)

// RequestHandler answers an inbound JSON-RPC request.
// Handlers must be reentrant: the inbound loop may invoke them concurrently
// with each other and with outbound calls (spec.md §5).
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error)

// NotificationHandler reacts to an inbound JSON-RPC notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// ErrConnectionClosed is returned to every pending call when the transport
// closes, and by Call/Notify issued after closure.
var ErrConnectionClosed = jsonrpc.NewErr(jsonrpc.CodeConnectionClosed, "connection closed", nil)

type pendingRequest struct {
	method string
	result chan callResult
}

type callResult struct {
	raw json.RawMessage
	err *jsonrpc.Error
}

// ShutdownHook runs once, after the inbound loop terminates, to let owners
// tear down sessions bound to this connection.
type ShutdownHook func()

// Connection is a bidirectional JSON-RPC 2.0 peer over a single Transport.
type Connection struct {
	tr     transport.Transport
	logger *slog.Logger

	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	nextID  int64
	pending sync.Map // int64 -> *pendingRequest

	shutdownHooks []ShutdownHook
	shutdownMu    sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	doneCh    chan struct{}
}

// New creates a Connection over tr. Call Run to start the inbound loop.
func New(tr transport.Transport, logger *slog.Logger) *Connection {
	return &Connection{
		tr:                   tr,
		logger:               logger,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		doneCh:               make(chan struct{}),
	}
}

// Handle registers the handler for an inbound request method.
func (c *Connection) Handle(method string, handler RequestHandler) {
	c.requestHandlers[method] = handler
}

// HandleNotification registers the handler for an inbound notification method.
func (c *Connection) HandleNotification(method string, handler NotificationHandler) {
	c.notificationHandlers[method] = handler
}

// OnShutdown registers a hook invoked once the inbound loop exits.
func (c *Connection) OnShutdown(hook ShutdownHook) {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	c.shutdownHooks = append(c.shutdownHooks, hook)
}

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// Call issues an outbound request and blocks for its response or timeout.
func (c *Connection) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	id := atomic.AddInt64(&c.nextID, 1)
	pr := &pendingRequest{method: method, result: make(chan callResult, 1)}
	c.pending.Store(id, pr)
	defer c.pending.Delete(id)

	req := jsonrpc.NewRequest(id, method, params)
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("connection: marshal request: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.tr.Send(callCtx, frame); err != nil {
		return nil, fmt.Errorf("connection: send: %w", err)
	}

	select {
	case res := <-pr.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.raw, nil
	case <-callCtx.Done():
		// Best-effort cancellation: tell the peer we no longer care. The
		// response, if it arrives later, finds no pending entry and is
		// discarded (spec.md §4.2).
		c.notifyBestEffort("cancel", map[string]interface{}{"id": id})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("connection: call %s: %w", method, callCtx.Err())
	case <-c.doneCh:
		return nil, ErrConnectionClosed
	}
}

// Notify sends a notification; there is no response to await.
func (c *Connection) Notify(ctx context.Context, method string, params interface{}) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	req := jsonrpc.NewRequest(nil, method, params)
	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("connection: marshal notification: %w", err)
	}
	if err := c.tr.Send(ctx, frame); err != nil {
		return fmt.Errorf("connection: send: %w", err)
	}
	return nil
}

func (c *Connection) notifyBestEffort(method string, params interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Notify(ctx, method, params); err != nil {
		c.logger.Debug("best-effort notify failed", "method", method, "error", err)
	}
}

// Run starts the inbound loop. It blocks until the transport closes or ctx
// is cancelled, then fails every pending call and runs shutdown hooks.
func (c *Connection) Run(ctx context.Context) error {
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := c.tr.Receive(ctx)
		if err != nil {
			if err == transport.ErrClosed {
				return nil
			}
			return fmt.Errorf("connection: receive: %w", err)
		}

		var msg jsonrpc.Message
		if unmarshalErr := json.Unmarshal(frame, &msg); unmarshalErr != nil {
			c.respondParseError(ctx, frame)
			continue
		}

		switch {
		case msg.IsResponse():
			c.dispatchResponse(&msg)
		case msg.IsRequest():
			go c.dispatchRequest(ctx, &msg)
		case msg.IsNotification():
			go c.dispatchNotification(ctx, &msg)
		default:
			c.logger.Warn("connection: unclassifiable frame", "frame", string(frame))
		}
	}
}

func (c *Connection) respondParseError(ctx context.Context, frame json.RawMessage) {
	// Try to recover an id so the caller gets a matched parse-error
	// response; otherwise log and drop (spec.md §4.1).
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil || probe.ID == nil {
		c.logger.Warn("connection: malformed frame, dropping", "frame", string(frame))
		return
	}
	resp := jsonrpc.NewError(probe.ID, jsonrpc.NewErr(jsonrpc.ParseError, "parse error", nil))
	data, _ := json.Marshal(resp)
	_ = c.tr.Send(ctx, data)
}

func (c *Connection) dispatchResponse(msg *jsonrpc.Message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("connection: response with non-numeric id, dropping", "id", string(msg.ID))
		return
	}
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		c.logger.Warn("connection: unsolicited response id, dropping", "id", id)
		return
	}
	pr := v.(*pendingRequest)
	pr.result <- callResult{raw: msg.Result, err: msg.Error}
}

func (c *Connection) dispatchRequest(ctx context.Context, msg *jsonrpc.Message) {
	handler, ok := c.requestHandlers[msg.Method]
	if !ok {
		resp := jsonrpc.NewError(rawID(msg.ID), jsonrpc.NewErr(jsonrpc.MethodNotFound, "method not found: "+msg.Method, nil))
		c.sendResponse(ctx, resp)
		return
	}

	result, rpcErr := handler(ctx, msg.Params)
	if rpcErr != nil {
		c.sendResponse(ctx, jsonrpc.NewError(rawID(msg.ID), rpcErr))
		return
	}
	c.sendResponse(ctx, jsonrpc.NewResult(rawID(msg.ID), result))
}

func (c *Connection) dispatchNotification(ctx context.Context, msg *jsonrpc.Message) {
	handler, ok := c.notificationHandlers[msg.Method]
	if !ok {
		c.logger.Debug("connection: unhandled notification", "method", msg.Method)
		return
	}
	handler(ctx, msg.Params)
}

func (c *Connection) sendResponse(ctx context.Context, resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("connection: marshal response failed", "error", err)
		return
	}
	if err := c.tr.Send(ctx, data); err != nil {
		c.logger.Warn("connection: send response failed", "error", err)
	}
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.pending.Range(func(key, value interface{}) bool {
			pr := value.(*pendingRequest)
			pr.result <- callResult{err: ErrConnectionClosed}
			c.pending.Delete(key)
			return true
		})

		close(c.doneCh)

		c.shutdownMu.Lock()
		hooks := append([]ShutdownHook(nil), c.shutdownHooks...)
		c.shutdownMu.Unlock()
		for _, hook := range hooks {
			hook()
		}

		_ = c.tr.Close()
	})
}

// rawID re-encodes an interface{} id (or passes through json.RawMessage) for
// echoing verbatim in a response, per spec.md §4.2 "Inbound ids are echoed
// verbatim in responses."
func rawID(id json.RawMessage) interface{} {
	return json.RawMessage(id)
}
