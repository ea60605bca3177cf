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

// Package agent implements the Agent Adapter (spec.md §4.8): the broker's
// half of the ACP handshake. It answers initialize, new_session, prompt,
// cancel and shutdown on a connection.Connection, wiring the Session
// Registry, Tool Catalog Builder, Tool Tracker and LLM Runner together for
// each session.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fenwick-ai/acpbroker/internal/audit"
	"github.com/fenwick-ai/acpbroker/internal/connection"
	"github.com/fenwick-ai/acpbroker/internal/jsonrpc"
	"github.com/fenwick-ai/acpbroker/internal/llmrunner"
	"github.com/fenwick-ai/acpbroker/internal/metrics"
	"github.com/fenwick-ai/acpbroker/internal/peer"
	"github.com/fenwick-ai/acpbroker/internal/session"
	"github.com/fenwick-ai/acpbroker/internal/toolcatalog"
	"github.com/fenwick-ai/acpbroker/internal/tracker"
)

// Info identifies the broker in its initialize response.
type Info struct {
	Name    string
	Version string
}

// ClientCapabilities is the subset of a client's negotiated capabilities
// the broker cares about (spec.md §2 "Client Capabilities").
type ClientCapabilities struct {
	FS struct {
		ReadTextFile  bool `json:"read_text_file"`
		WriteTextFile bool `json:"write_text_file"`
	} `json:"fs"`
	Terminal bool                   `json:"terminal"`
	Ext      map[string]interface{} `json:"ext,omitempty"`
}

// Deps are the collaborators the Agent Adapter wires into every session.
type Deps struct {
	Peer       *peer.Peer
	Registry   *session.Registry
	Bridge     toolcatalog.BridgeFunc
	Sources    []toolcatalog.Source
	Gate       toolcatalog.PermissionGate
	RunnerConf llmrunner.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Audit      *audit.Log
}

// Adapter answers the Agent role's JSON-RPC methods on one connection.
type Adapter struct {
	conn *connection.Connection
	deps Deps

	clientCaps ClientCapabilities
}

// New builds an Adapter and registers its handlers on conn. Call Run on
// conn separately to start the read loop.
func New(conn *connection.Connection, deps Deps) *Adapter {
	a := &Adapter{conn: conn, deps: deps}

	conn.Handle("initialize", a.handleInitialize)
	conn.Handle("new_session", a.handleNewSession)
	conn.Handle("prompt", a.handlePrompt)
	conn.Handle("shutdown", a.handleShutdown)
	conn.HandleNotification("cancel", a.handleCancel)

	for _, stub := range []string{"list_sessions", "load_session", "fork_session"} {
		conn.Handle(stub, a.handleUnimplemented)
	}

	conn.OnShutdown(deps.Registry.CancelAll)

	return a
}

type initializeParams struct {
	ProtocolVersion    int                 `json:"protocol_version"`
	ClientCapabilities *ClientCapabilities `json:"client_capabilities,omitempty"`
	ClientInfo         *Info               `json:"client_info,omitempty"`
}

type initializeResult struct {
	ProtocolVersion  int            `json:"protocol_version"`
	AgentInfo        Info           `json:"agent_info"`
	AgentCapabilities map[string]any `json:"agent_capabilities"`
}

func (a *Adapter) handleInitialize(ctx context.Context, raw json.RawMessage) (interface{}, *jsonrpc.Error) {
	var params initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, jsonrpc.NewErr(jsonrpc.InvalidParams, "invalid initialize params", err.Error())
		}
	}
	if params.ClientCapabilities != nil {
		a.clientCaps = *params.ClientCapabilities
	}

	return initializeResult{
		ProtocolVersion:   params.ProtocolVersion,
		AgentInfo:         Info{Name: "acpbroker", Version: "0.1.0"},
		AgentCapabilities: map[string]any{},
	}, nil
}

type newSessionParams struct {
	Cwd        string   `json:"cwd"`
	Mode       string   `json:"mode,omitempty"`
	MCPServers []string `json:"mcp_servers,omitempty"`
}

type newSessionResult struct {
	SessionID string `json:"session_id"`
}

func (a *Adapter) handleNewSession(ctx context.Context, raw json.RawMessage) (interface{}, *jsonrpc.Error) {
	var params newSessionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.NewErr(jsonrpc.InvalidParams, "invalid new_session params", err.Error())
	}
	if params.Cwd == "" {
		return nil, jsonrpc.NewErr(jsonrpc.InvalidParams, "cwd is required", nil)
	}

	trk := tracker.New(a.deps.Peer)
	if a.deps.Metrics != nil {
		trk.SetMetrics(a.deps.Metrics)
	}
	if a.deps.Audit != nil {
		trk.SetAudit(a.deps.Audit)
	}
	sess := a.deps.Registry.Create(params.Cwd, trk)
	if a.deps.Metrics != nil {
		a.deps.Metrics.SessionCreated("")
	}

	if _, err := sess.EnsureCatalog(ctx, a.buildCatalog(sess)); err != nil {
		a.deps.Registry.Remove(sess.ID)
		return nil, jsonrpc.NewErr(jsonrpc.CodeUpstreamUnavailable, "failed to build toolset", err.Error())
	}

	return newSessionResult{SessionID: sess.ID}, nil
}

// buildCatalog returns the session.BuildFunc that performs the
// discover_tools round-trip and three-tier assembly for sess.
func (a *Adapter) buildCatalog(sess *session.Session) session.BuildFunc {
	return func(ctx context.Context) (*toolcatalog.Catalog, error) {
		descriptors, err := a.deps.Peer.DiscoverTools(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("agent: discover_tools: %w", err)
		}

		raw := make([]toolcatalog.RawToolDescriptor, 0, len(descriptors))
		for _, d := range descriptors {
			var wire struct {
				Name        string         `json:"name"`
				Description string         `json:"description"`
				Parameters  map[string]any `json:"parameters"`
			}
			if err := json.Unmarshal(d, &wire); err != nil {
				continue
			}
			raw = append(raw, toolcatalog.RawToolDescriptor{
				Name: wire.Name, Description: wire.Description, InputSchema: wire.Parameters,
			})
		}

		builder := toolcatalog.NewBuilder(a.bridgeFor(sess))
		deps := toolcatalog.NativeDeps{Peer: a.deps.Peer, Gate: a.gateFor(sess), Session: sess.ID}
		builder.RegisterNative("run_command", toolcatalog.RunCommandHandler(deps))
		builder.RegisterNative("read_file", toolcatalog.ReadFileHandler(deps))
		builder.RegisterNative("write_file", toolcatalog.WriteFileHandler(deps))
		for _, src := range a.deps.Sources {
			builder.AddSource(src)
		}

		caps := toolcatalog.Capabilities{FS: a.clientCaps.FS.ReadTextFile || a.clientCaps.FS.WriteTextFile, Terminal: a.clientCaps.Terminal}
		return builder.Build(raw, caps)
	}
}

// gateFor returns the session-bound permission gate for native tools. If
// deps.Gate is set (tests, or an operator-supplied always-allow/always-deny
// policy), it is used as-is; otherwise every side-effecting native call
// round-trips through session/request_permission on the Peer Proxy
// (spec.md §4.6).
func (a *Adapter) gateFor(sess *session.Session) toolcatalog.PermissionGate {
	if a.deps.Gate != nil {
		return a.deps.Gate
	}
	return func(ctx context.Context, toolName string, args map[string]any) error {
		outcome, err := a.deps.Peer.RequestPermission(ctx, peer.RequestPermissionParams{
			SessionID: sess.ID,
			ToolCall:  map[string]any{"name": toolName, "args": args},
			Options: []peer.PermissionOption{
				{ID: "allow_once", Name: "Allow", Kind: "allow_once"},
				{ID: "reject_once", Name: "Reject", Kind: "reject_once"},
			},
		})
		if err != nil {
			return fmt.Errorf("agent: request_permission: %w", err)
		}
		if !outcome.Allow {
			return fmt.Errorf("agent: permission denied: %s", outcome.Reason)
		}
		return nil
	}
}

// bridgeFor returns the adapter-level BridgeFunc unchanged for every
// session, or nil (drop unknown tools) if no bridge was configured.
func (a *Adapter) bridgeFor(sess *session.Session) toolcatalog.BridgeFunc {
	if a.deps.Bridge == nil {
		return nil
	}
	return a.deps.Bridge
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type promptParams struct {
	SessionID string         `json:"session_id"`
	Prompt    []contentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stop_reason"`
}

func (a *Adapter) handlePrompt(ctx context.Context, raw json.RawMessage) (interface{}, *jsonrpc.Error) {
	var params promptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.NewErr(jsonrpc.InvalidParams, "invalid prompt params", err.Error())
	}

	sess, ok := a.deps.Registry.Get(params.SessionID)
	if !ok {
		return nil, jsonrpc.NewErr(jsonrpc.CodeSessionNotFound, "unknown session", params.SessionID)
	}

	cat, built := sess.Catalog()
	if !built {
		var err error
		cat, err = sess.EnsureCatalog(ctx, a.buildCatalog(sess))
		if err != nil {
			return nil, jsonrpc.NewErr(jsonrpc.CodeUpstreamUnavailable, "failed to build toolset", err.Error())
		}
	}

	sess.AppendMessage(session.Message{Role: "user", Content: flattenPrompt(params.Prompt)})

	promptCtx, cancel := context.WithCancel(ctx)
	sess.BindCancel(cancel)
	defer cancel()

	runner, err := llmrunner.New(a.deps.RunnerConf)
	if err != nil {
		return nil, jsonrpc.NewErr(jsonrpc.InternalError, "failed to build LLM runner", err.Error())
	}

	reason, err := runner.Run(promptCtx, sess, cat, a.deps.Peer, sess.Tracker)
	if err != nil && reason != llmrunner.StopCancelled {
		return nil, jsonrpc.NewErr(jsonrpc.CodeUpstreamUnavailable, "prompt failed", err.Error())
	}

	return promptResult{StopReason: string(reason)}, nil
}

func flattenPrompt(blocks []contentBlock) string {
	var out string
	for i, b := range blocks {
		if b.Type != "text" && b.Type != "" {
			continue
		}
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

type cancelParams struct {
	SessionID string `json:"session_id"`
}

func (a *Adapter) handleCancel(ctx context.Context, raw json.RawMessage) {
	var params cancelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}
	if sess, ok := a.deps.Registry.Get(params.SessionID); ok {
		sess.Cancel()
	}
}

func (a *Adapter) handleShutdown(ctx context.Context, raw json.RawMessage) (interface{}, *jsonrpc.Error) {
	a.deps.Registry.CancelAll()
	return map[string]any{}, nil
}

func (a *Adapter) handleUnimplemented(ctx context.Context, raw json.RawMessage) (interface{}, *jsonrpc.Error) {
	return nil, jsonrpc.NewErr(jsonrpc.MethodNotFound, "method not implemented", nil)
}
