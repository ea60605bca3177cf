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

package toolcatalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPConfig configures a stdio-launched MCP server as a supplemental tool
// source (SPEC_FULL.md §F.3): a broker operator can point the session at an
// external MCP tool server alongside whatever the ACP client itself
// discovers.
type MCPConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// MCPSource lazily connects to one MCP server and exposes its tools as
// catalog entries. The connection is established on the first Tools() call
// and kept for the source's lifetime.
type MCPSource struct {
	cfg    MCPConfig
	logger *slog.Logger

	mu        sync.Mutex
	client    *client.Client
	connected bool
}

// NewMCPSource creates a lazily-connecting MCP tool source.
func NewMCPSource(cfg MCPConfig, logger *slog.Logger) *MCPSource {
	return &MCPSource{cfg: cfg, logger: logger}
}

func (s *MCPSource) Name() string { return s.cfg.Name }

// Tools connects on first use, lists the server's tools, and wraps each as
// a bridge-free Entry whose Handler calls the MCP server directly.
func (s *MCPSource) Tools() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connect(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	listResp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpsource %s: list_tools: %w", s.cfg.Name, err)
	}

	entries := make([]Entry, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		entries = append(entries, Entry{
			Descriptor: Descriptor{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  convertMCPSchema(t.InputSchema),
			},
			Handler: s.callHandler(t.Name),
		})
	}
	return entries, nil
}

func (s *MCPSource) connect() error {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcpsource %s: new client: %w", s.cfg.Name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcpsource %s: start: %w", s.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "acpbroker", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcpsource %s: initialize: %w", s.cfg.Name, err)
	}

	s.client = mcpClient
	s.connected = true
	s.logger.Info("mcp source connected", "name", s.cfg.Name, "command", s.cfg.Command)
	return nil
}

func (s *MCPSource) callHandler(toolName string) Handler {
	return func(ctx Context, args map[string]any) (map[string]any, error) {
		s.mu.Lock()
		cl := s.client
		s.mu.Unlock()

		callCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = args

		result, err := cl.CallTool(callCtx, req)
		if err != nil {
			return nil, fmt.Errorf("mcpsource: call_tool %s: %w", toolName, err)
		}

		text := ""
		for _, c := range result.Content {
			if tc, ok := mcp.AsTextContent(c); ok {
				text += tc.Text
			}
		}
		return map[string]any{"content": text, "isError": result.IsError}, nil
	}
}

// Close releases the underlying MCP subprocess, if connected.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func convertMCPSchema(schema mcp.ToolInputSchema) map[string]any {
	props := make(map[string]any, len(schema.Properties))
	for k, v := range schema.Properties {
		props[k] = v
	}
	m := map[string]any{"type": "object", "properties": props}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	return m
}
