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

// Package tracker implements the Tool Tracker (spec.md §4.9): it guarantees
// every tool call the broker starts on behalf of the LLM eventually emits a
// matching terminal session_update, even when execution panics or the
// session is torn down mid-flight.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fenwick-ai/acpbroker/internal/audit"
	"github.com/fenwick-ai/acpbroker/internal/metrics"
	"github.com/fenwick-ai/acpbroker/internal/peer"
)

// Status is a Tool Call Record's lifecycle state. Transitions are
// monotonic: pending -> in_progress -> {completed, failed}. No record ever
// moves backward or skips a terminal state once reached.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the Tool Tracker's view of one in-flight or finished tool call.
type Record struct {
	ID        string
	Name      string
	SessionID string
	Status    Status
	Title     string
	Content   interface{}
	RawInput  interface{}
	RawOutput interface{}
}

// Tracker guarantees start/terminal update pairing for every tool call
// registered through Start. It is the single point the rest of the broker
// goes through to change a call's visible status.
type Tracker struct {
	peer    *peer.Peer
	metrics *metrics.Metrics
	audit   *audit.Log

	mu         sync.Mutex
	records    map[string]*Record
	startTimes map[string]time.Time
}

// New creates a Tracker that reports updates through p.
func New(p *peer.Peer) *Tracker {
	return &Tracker{peer: p, records: make(map[string]*Record), startTimes: make(map[string]time.Time)}
}

// SetMetrics attaches a Metrics sink; every terminal status transition is
// then reported as a tool-call observation. Optional: a Tracker with no
// metrics attached behaves exactly as before.
func (t *Tracker) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// SetAudit attaches an append-only audit log; every status transition is
// then recorded to it. Optional: a nil or unattached Log is a no-op.
func (t *Tracker) SetAudit(l *audit.Log) {
	t.audit = l
}

// Start registers a new Tool Call Record and emits the initial
// tool_call session_update. The returned finish func MUST be deferred by
// the caller: it guarantees a terminal update is sent exactly once, even if
// the caller panics before calling Complete or Fail (spec.md §4.9
// "completeness invariant").
func (t *Tracker) Start(ctx context.Context, sessionID, callID, name, title string, rawInput interface{}) (finish func(), err error) {
	t.mu.Lock()
	if _, exists := t.records[callID]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("tracker: tool call %q already started", callID)
	}
	rec := &Record{ID: callID, Name: name, SessionID: sessionID, Status: StatusPending, Title: title, RawInput: rawInput}
	t.records[callID] = rec
	t.startTimes[callID] = time.Now()
	t.mu.Unlock()

	if notifyErr := t.peer.NotifySessionUpdate(ctx, sessionID, toolCallUpdate{
		Type:     "tool_call",
		ToolCall: callID,
		Name:     name,
		Title:    title,
		Status:   string(StatusPending),
		RawInput: rawInput,
	}); notifyErr != nil {
		err = fmt.Errorf("tracker: notify start: %w", notifyErr)
	}
	_ = t.audit.Record(ctx, sessionID, callID, name, string(StatusPending), rawInput)

	finished := false
	finish = func() {
		if finished {
			return
		}
		finished = true
		t.ensureTerminal(context.Background(), callID)
	}
	return finish, err
}

// Progress moves a record to in_progress and emits an update. Calling
// Progress after a terminal status has been reached is a no-op: terminal
// states are final (monotonic transitions).
func (t *Tracker) Progress(ctx context.Context, callID string, content interface{}) error {
	return t.transition(ctx, callID, StatusInProgress, content, nil)
}

// Complete marks a record completed with its final output and emits the
// terminal update.
func (t *Tracker) Complete(ctx context.Context, callID string, output interface{}) error {
	return t.transition(ctx, callID, StatusCompleted, nil, output)
}

// Fail marks a record failed with an error message and emits the terminal
// update.
func (t *Tracker) Fail(ctx context.Context, callID string, errOutput interface{}) error {
	return t.transition(ctx, callID, StatusFailed, nil, errOutput)
}

func (t *Tracker) transition(ctx context.Context, callID string, status Status, content, output interface{}) error {
	t.mu.Lock()
	rec, ok := t.records[callID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tracker: unknown tool call %q", callID)
	}
	if rec.Status.terminal() {
		t.mu.Unlock()
		return nil
	}
	rec.Status = status
	if content != nil {
		rec.Content = content
	}
	if output != nil {
		rec.RawOutput = output
	}
	snapshot := *rec
	t.mu.Unlock()

	t.reportTerminal(callID, snapshot)
	_ = t.audit.Record(ctx, snapshot.SessionID, snapshot.ID, snapshot.Name, string(snapshot.Status), snapshot.RawOutput)

	return t.peer.NotifySessionUpdate(ctx, snapshot.SessionID, toolCallUpdate{
		Type:      "tool_call_update",
		ToolCall:  snapshot.ID,
		Status:    string(snapshot.Status),
		Content:   snapshot.Content,
		RawOutput: snapshot.RawOutput,
	})
}

// reportTerminal observes a tool call's duration in Metrics once it reaches
// a terminal status; it is a no-op for non-terminal transitions or when no
// Metrics sink is attached.
func (t *Tracker) reportTerminal(callID string, snapshot Record) {
	if t.metrics == nil || !snapshot.Status.terminal() {
		return
	}
	t.mu.Lock()
	start, ok := t.startTimes[callID]
	if ok {
		delete(t.startTimes, callID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.metrics.ObserveToolCall(snapshot.Name, string(snapshot.Status), time.Since(start))
}

// ensureTerminal is the Start-deferred safety net: if nothing explicitly
// terminated the record, it is force-failed so no session_update is ever
// left unpaired.
func (t *Tracker) ensureTerminal(ctx context.Context, callID string) {
	t.mu.Lock()
	rec, ok := t.records[callID]
	if !ok || rec.Status.terminal() {
		t.mu.Unlock()
		return
	}
	rec.Status = StatusFailed
	rec.RawOutput = map[string]string{"error": "tool call ended without a terminal update"}
	snapshot := *rec
	t.mu.Unlock()

	t.reportTerminal(callID, snapshot)
	_ = t.audit.Record(ctx, snapshot.SessionID, snapshot.ID, snapshot.Name, string(snapshot.Status), snapshot.RawOutput)

	_ = t.peer.NotifySessionUpdate(ctx, snapshot.SessionID, toolCallUpdate{
		Type:      "tool_call_update",
		ToolCall:  snapshot.ID,
		Status:    string(snapshot.Status),
		RawOutput: snapshot.RawOutput,
	})
}

// Get returns a snapshot of a tracked record.
func (t *Tracker) Get(callID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[callID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Forget drops a completed record from memory. Nothing in the broker calls
// it; the Tracker itself never expires entries, so records stay until
// Forget is called or the Tracker is dropped.
func (t *Tracker) Forget(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, callID)
}

type toolCallUpdate struct {
	Type      string      `json:"type"`
	ToolCall  string      `json:"toolCallId"`
	Name      string      `json:"name,omitempty"`
	Title     string      `json:"title,omitempty"`
	Status    string      `json:"status"`
	Content   interface{} `json:"content,omitempty"`
	RawInput  interface{} `json:"rawInput,omitempty"`
	RawOutput interface{} `json:"rawOutput,omitempty"`
}
