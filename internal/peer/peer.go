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

// Package peer is the Peer Proxy: a typed facade over connection.Connection
// for every reverse RPC the broker issues to the client side of the ACP
// session (spec.md §4.4-§4.6) — file access, terminal control, permission
// requests, tool discovery, and the one-way session_update notification.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fenwick-ai/acpbroker/internal/connection"
	"github.com/fenwick-ai/acpbroker/internal/metrics"
)

var tracer = otel.Tracer("github.com/fenwick-ai/acpbroker/internal/peer")

const (
	defaultFileOpTimeout       = 30 * time.Second
	defaultTerminalOpTimeout   = 30 * time.Second
	defaultPermissionTimeout   = 5 * time.Minute
	defaultDiscoverTimeout     = 30 * time.Second
	defaultTerminalExitTimeout = 5 * time.Minute
)

// Peer is a bound proxy to one client over one Connection.
type Peer struct {
	conn    *connection.Connection
	metrics *metrics.Metrics
}

// New wraps conn as a Peer Proxy.
func New(conn *connection.Connection) *Peer {
	return &Peer{conn: conn}
}

// SetMetrics attaches a Metrics sink; every reverse RPC issued after this
// call is reported with its method, outcome, and latency. Optional: a Peer
// with no Metrics attached behaves exactly as before.
func (p *Peer) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// call wraps connection.Call with the reverse-RPC Metrics observation
// every Peer method routes through, so the broker's request latency is
// measured in one place instead of at each call site.
func (p *Peer) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	raw, err := p.conn.Call(ctx, method, params, timeout)
	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.ObserveReverseRPC(method, outcome, time.Since(start))
	}
	return raw, err
}

// ReadTextFileParams mirrors the ACP read_text_file request (spec.md §4.4).
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult carries the file content back.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// ReadTextFile asks the client to read a file from the workspace.
func (p *Peer) ReadTextFile(ctx context.Context, params ReadTextFileParams) (string, error) {
	ctx, span := tracer.Start(ctx, "peer.read_text_file", trace.WithAttributes(
		attribute.String("acp.session_id", params.SessionID),
		attribute.String("acp.path", params.Path),
	))
	defer span.End()

	raw, err := p.call(ctx, "fs/read_text_file", params, defaultFileOpTimeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("peer: read_text_file: %w", err)
	}
	var result ReadTextFileResult
	if err := json.Unmarshal(raw, &result); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("peer: read_text_file: decode result: %w", err)
	}
	return result.Content, nil
}

// WriteTextFileParams mirrors the ACP write_text_file request.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFile asks the client to write a file in the workspace.
func (p *Peer) WriteTextFile(ctx context.Context, params WriteTextFileParams) error {
	ctx, span := tracer.Start(ctx, "peer.write_text_file", trace.WithAttributes(
		attribute.String("acp.session_id", params.SessionID),
		attribute.String("acp.path", params.Path),
	))
	defer span.End()

	if _, err := p.call(ctx, "fs/write_text_file", params, defaultFileOpTimeout); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("peer: write_text_file: %w", err)
	}
	return nil
}

// CreateTerminalParams mirrors the ACP create_terminal request.
type CreateTerminalParams struct {
	SessionID string            `json:"sessionId"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
}

// CreateTerminalResult carries the spawned terminal's handle.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// CreateTerminal asks the client to spawn a command in a terminal.
func (p *Peer) CreateTerminal(ctx context.Context, params CreateTerminalParams) (string, error) {
	ctx, span := tracer.Start(ctx, "peer.create_terminal", trace.WithAttributes(
		attribute.String("acp.session_id", params.SessionID),
		attribute.String("acp.command", params.Command),
	))
	defer span.End()

	raw, err := p.call(ctx, "terminal/create", params, defaultTerminalOpTimeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("peer: create_terminal: %w", err)
	}
	var result CreateTerminalResult
	if err := json.Unmarshal(raw, &result); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("peer: create_terminal: decode result: %w", err)
	}
	return result.TerminalID, nil
}

// TerminalExitStatus mirrors the ACP wait_for_terminal_exit result.
type TerminalExitStatus struct {
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// WaitForTerminalExit blocks, per spec.md §4.5, up to five minutes for the
// spawned process to exit.
func (p *Peer) WaitForTerminalExit(ctx context.Context, sessionID, terminalID string) (TerminalExitStatus, error) {
	ctx, span := tracer.Start(ctx, "peer.wait_for_terminal_exit", trace.WithAttributes(
		attribute.String("acp.session_id", sessionID),
		attribute.String("acp.terminal_id", terminalID),
	))
	defer span.End()

	raw, err := p.call(ctx, "terminal/wait_for_exit", map[string]string{
		"sessionId": sessionID, "terminalId": terminalID,
	}, defaultTerminalExitTimeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TerminalExitStatus{}, fmt.Errorf("peer: wait_for_terminal_exit: %w", err)
	}
	var result TerminalExitStatus
	if err := json.Unmarshal(raw, &result); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TerminalExitStatus{}, fmt.Errorf("peer: wait_for_terminal_exit: decode result: %w", err)
	}
	return result, nil
}

// TerminalOutput mirrors the ACP get_terminal_output result.
type TerminalOutput struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// GetTerminalOutput fetches the terminal's buffered output without waiting
// for exit.
func (p *Peer) GetTerminalOutput(ctx context.Context, sessionID, terminalID string) (TerminalOutput, error) {
	ctx, span := tracer.Start(ctx, "peer.get_terminal_output", trace.WithAttributes(
		attribute.String("acp.session_id", sessionID),
		attribute.String("acp.terminal_id", terminalID),
	))
	defer span.End()

	raw, err := p.call(ctx, "terminal/output", map[string]string{
		"sessionId": sessionID, "terminalId": terminalID,
	}, defaultTerminalOpTimeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TerminalOutput{}, fmt.Errorf("peer: get_terminal_output: %w", err)
	}
	var result TerminalOutput
	if err := json.Unmarshal(raw, &result); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TerminalOutput{}, fmt.Errorf("peer: get_terminal_output: decode result: %w", err)
	}
	return result, nil
}

// ReleaseTerminal tells the client the broker is done referencing a
// terminal handle; it may reclaim resources after this call.
func (p *Peer) ReleaseTerminal(ctx context.Context, sessionID, terminalID string) error {
	ctx, span := tracer.Start(ctx, "peer.release_terminal", trace.WithAttributes(
		attribute.String("acp.session_id", sessionID),
		attribute.String("acp.terminal_id", terminalID),
	))
	defer span.End()

	if _, err := p.call(ctx, "terminal/release", map[string]string{
		"sessionId": sessionID, "terminalId": terminalID,
	}, defaultTerminalOpTimeout); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("peer: release_terminal: %w", err)
	}
	return nil
}

// KillTerminal asks the client to terminate a running process without
// releasing its output buffer.
func (p *Peer) KillTerminal(ctx context.Context, sessionID, terminalID string) error {
	ctx, span := tracer.Start(ctx, "peer.kill_terminal", trace.WithAttributes(
		attribute.String("acp.session_id", sessionID),
		attribute.String("acp.terminal_id", terminalID),
	))
	defer span.End()

	if _, err := p.call(ctx, "terminal/kill", map[string]string{
		"sessionId": sessionID, "terminalId": terminalID,
	}, defaultTerminalOpTimeout); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("peer: kill_terminal: %w", err)
	}
	return nil
}

// PermissionOption is one of the choices offered to the user.
type PermissionOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"` // allow_once|allow_always|reject_once|reject_always
}

// RequestPermissionParams mirrors the ACP request_permission request.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  interface{}        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the structured result of a permission request:
// whether the call is allowed and, when denied, why (SPEC_FULL.md §F.3).
type PermissionOutcome struct {
	Allow    bool   `json:"allow"`
	OptionID string `json:"optionId"`
	Reason   string `json:"reason,omitempty"`
}

// RequestPermission asks the user, through the client, whether a tool call
// may proceed. It blocks up to five minutes (spec.md §4.6).
func (p *Peer) RequestPermission(ctx context.Context, params RequestPermissionParams) (PermissionOutcome, error) {
	ctx, span := tracer.Start(ctx, "peer.request_permission", trace.WithAttributes(
		attribute.String("acp.session_id", params.SessionID),
	))
	defer span.End()

	raw, err := p.call(ctx, "session/request_permission", params, defaultPermissionTimeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return PermissionOutcome{}, fmt.Errorf("peer: request_permission: %w", err)
	}
	var rawOutcome struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &rawOutcome); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return PermissionOutcome{}, fmt.Errorf("peer: request_permission: decode result: %w", err)
	}

	allow := rawOutcome.Outcome.Outcome != "cancelled" && (rawOutcome.Outcome.OptionID == "" || !isRejectOption(params.Options, rawOutcome.Outcome.OptionID))
	reason := "granted"
	if !allow {
		reason = "denied by user"
	}
	if rawOutcome.Outcome.Outcome == "cancelled" {
		reason = "prompt cancelled"
	}
	return PermissionOutcome{Allow: allow, OptionID: rawOutcome.Outcome.OptionID, Reason: reason}, nil
}

func isRejectOption(options []PermissionOption, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return o.Kind == "reject_once" || o.Kind == "reject_always"
		}
	}
	return false
}

// ToolDescriptor is the wire shape of one discoverable tool (full schema
// lives in internal/toolcatalog; peer only needs to move bytes).
type ToolDescriptor = json.RawMessage

// DiscoverTools asks the client for its available tool catalog. Per
// spec.md §4.7, the broker enforces single-flight per session at the
// session registry layer, not here.
func (p *Peer) DiscoverTools(ctx context.Context, sessionID string) ([]ToolDescriptor, error) {
	ctx, span := tracer.Start(ctx, "peer.discover_tools", trace.WithAttributes(
		attribute.String("acp.session_id", sessionID),
	))
	defer span.End()

	raw, err := p.call(ctx, "session/discover_tools", map[string]string{"sessionId": sessionID}, defaultDiscoverTimeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("peer: discover_tools: %w", err)
	}
	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("peer: discover_tools: decode result: %w", err)
	}
	return result.Tools, nil
}

// SessionUpdate is the envelope for the one-way session_update notification
// (spec.md §4.3): agent_message_chunk, agent_thought_chunk, tool_call,
// tool_call_update, and plan updates all flow through this single method.
type SessionUpdate struct {
	SessionID string      `json:"sessionId"`
	Update    interface{} `json:"update"`
}

// NotifySessionUpdate streams one update to the client. It never blocks on
// a reply: ACP session updates are fire-and-forget notifications.
func (p *Peer) NotifySessionUpdate(ctx context.Context, sessionID string, update interface{}) error {
	ctx, span := tracer.Start(ctx, "peer.session_update", trace.WithAttributes(
		attribute.String("acp.session_id", sessionID),
	))
	defer span.End()

	err := p.conn.Notify(ctx, "session/update", SessionUpdate{SessionID: sessionID, Update: update})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("peer: session_update: %w", err)
	}
	return nil
}
