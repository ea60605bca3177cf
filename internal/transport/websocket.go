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

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// WebSocket is a Transport backed by a single gorilla/websocket connection.
// Each text frame carries exactly one JSON-RPC object; binary frames are
// rejected per spec.md §6.
type WebSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	recvCh  chan json.RawMessage
	errCh   chan error
	once    sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebSocket wraps an already-upgraded connection and starts its read pump.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	w := &WebSocket{
		conn:   conn,
		recvCh: make(chan json.RawMessage, 32),
		errCh:  make(chan error, 1),
	}
	go w.readPump()
	return w
}

func (w *WebSocket) readPump() {
	defer close(w.recvCh)
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.errCh <- ErrClosed
			} else {
				w.errCh <- fmt.Errorf("websocket: read: %w", err)
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			// Binary frames are rejected, not fatal to the connection: skip.
			continue
		}
		select {
		case w.recvCh <- json.RawMessage(data):
		default:
			// Slow consumer: block instead of dropping, per spec.md §5
			// "no frames are dropped" — send without a default case.
			w.recvCh <- json.RawMessage(data)
		}
	}
}

func (w *WebSocket) Send(ctx context.Context, frame json.RawMessage) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket: send: %w", err)
	}
	return nil
}

func (w *WebSocket) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-w.recvCh:
		if !ok {
			select {
			case err := <-w.errCh:
				return nil, err
			default:
				return nil, ErrClosed
			}
		}
		return frame, nil
	}
}

func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		err = w.conn.Close()
	})
	return err
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	Addr           string // e.g. ":8081"
	Path           string // default "/ws"
	HealthPath     string // default "/healthz"
	MetricsHandler http.Handler
	Authenticate   func(r *http.Request) error // nil disables auth
}

// Server accepts WebSocket connections at Path and hands each one to
// Accept's caller via the returned channel. One Server serves many
// connections; each connection gets its own Connection/session space.
type Server struct {
	cfg    ServerConfig
	http   *http.Server
	logger *slog.Logger

	mu      sync.Mutex
	acceptC chan *WebSocket
}

// NewServer builds (but does not start) a WebSocket listener.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	return &Server{cfg: cfg, logger: logger, acceptC: make(chan *WebSocket, 8)}
}

// Accept returns the channel of newly-upgraded connections.
func (s *Server) Accept() <-chan *WebSocket { return s.acceptC }

// ListenAndServe blocks, serving upgrades until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get(s.cfg.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
	}
	r.Get(s.cfg.Path, s.handleUpgrade)

	s.http = &http.Server{Addr: s.cfg.Addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket transport listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		close(s.acceptC)
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("websocket: listen: %w", err)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Authenticate != nil {
		if err := s.cfg.Authenticate(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ws := NewWebSocket(conn)
	select {
	case s.acceptC <- ws:
	default:
		s.logger.Warn("websocket accept queue full, closing connection")
		_ = ws.Close()
	}
}
