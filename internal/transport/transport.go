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

// Package transport frames JSON-RPC 2.0 messages over a duplex channel:
// newline-delimited JSON on stdio, or one JSON object per WebSocket text
// frame. Neither implementation interprets the framed content (spec.md §4.1).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// ErrClosed is returned by Receive once the peer has closed the channel.
var ErrClosed = errors.New("transport: closed")

// Transport is the duplex channel a Connection frames JSON-RPC over.
type Transport interface {
	// Send writes one frame. Implementations are safe for concurrent calls:
	// connection.Connection calls Send from many goroutines, and Stdio and
	// WebSocket serialize writes with a mutex.
	Send(ctx context.Context, frame json.RawMessage) error

	// Receive blocks for the next frame. Returns ErrClosed on peer closure.
	Receive(ctx context.Context) (json.RawMessage, error)

	// Close releases the underlying resource.
	Close() error
}

// Marshal is a convenience wrapper used by callers that have a typed value
// rather than a raw frame.
func Marshal(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

// isEOF reports whether err signals a clean peer-side closure.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
