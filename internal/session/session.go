// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Fenwick AI
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session implements the Session Registry (spec.md §4.7-§4.8): one
// entry per active ACP session, each holding its immutable Tool Catalog/
// Toolset once built, its conversation history, and its own cancellation
// scope. Discovery is single-flight per session id: concurrent prompts
// never trigger two discover_tools round-trips for the same session.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fenwick-ai/acpbroker/internal/toolcatalog"
	"github.com/fenwick-ai/acpbroker/internal/tracker"
)

// Message is one turn in the session's conversation history, in the shape
// the LLM Runner sends upstream (internal/llmrunner).
type Message struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []ToolCallIntent `json:"tool_calls,omitempty"`
}

// ToolCallIntent mirrors one OpenAI-shaped tool_call entry in an assistant
// message.
type ToolCallIntent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Session is one negotiated ACP session: a workspace cwd, an immutable
// catalog once built, and growing conversation history.
type Session struct {
	ID      string
	Cwd     string
	Tracker *tracker.Tracker

	mu       sync.Mutex
	catalog  *toolcatalog.Catalog // nil until built; immutable once set
	built    bool
	history  []Message
	cancel   context.CancelFunc
	building chan struct{} // non-nil while a Build is in flight; closed on completion
}

// Catalog returns the session's catalog, or (nil, false) if it has not
// been built yet.
func (s *Session) Catalog() (*toolcatalog.Catalog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog, s.built
}

// History returns a copy of the session's conversation so far.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// AppendMessage adds a turn to the session's history.
func (s *Session) AppendMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
}

// BindCancel stores the cancel func for the session's current prompt turn,
// so a later `cancel` notification (spec.md §4.8) can stop it.
func (s *Session) BindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancel stops the session's in-flight prompt turn, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// BuildFunc performs the actual discover_tools round-trip plus
// toolcatalog.Builder.Build call; Registry.EnsureCatalog wraps it with
// single-flight semantics.
type BuildFunc func(ctx context.Context) (*toolcatalog.Catalog, error)

// EnsureCatalog returns the session's catalog, building it at most once.
// Concurrent callers during a build block on the same in-flight result
// instead of issuing a second discover_tools call (single-flight
// invariant, spec.md §4.7).
func (s *Session) EnsureCatalog(ctx context.Context, build BuildFunc) (*toolcatalog.Catalog, error) {
	s.mu.Lock()
	if s.built {
		cat := s.catalog
		s.mu.Unlock()
		return cat, nil
	}
	if s.building != nil {
		ch := s.building
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
			cat, built := s.catalog, s.built
			s.mu.Unlock()
			if !built {
				return nil, fmt.Errorf("session: catalog build failed for session %s", s.ID)
			}
			return cat, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ch := make(chan struct{})
	s.building = ch
	s.mu.Unlock()

	cat, err := build(ctx)

	s.mu.Lock()
	if err == nil {
		s.catalog = cat
		s.built = true
	}
	s.building = nil
	s.mu.Unlock()
	close(ch)

	if err != nil {
		return nil, fmt.Errorf("session: build catalog: %w", err)
	}
	return cat, nil
}

// Registry is the Session Registry: a name-spaced set of active sessions,
// created at new_session. An entry leaves the registry only through Remove;
// CancelAll cancels in-flight turns but keeps the entries.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Session Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session with a fresh, unique id and binds the
// given Tracker to it.
func (r *Registry) Create(cwd string, trk *tracker.Tracker) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := "session-" + uuid.NewString()
	s := &Session{ID: id, Cwd: cwd, Tracker: trk}
	r.sessions[id] = s
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears down a session's registry entry. It does not cancel any
// in-flight turn; callers call Session.Cancel first if that is required.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns every currently-registered session id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll stops every session's in-flight turn; used during broker
// shutdown so no goroutine outlives the connection (spec.md §4.2).
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Cancel()
	}
}
