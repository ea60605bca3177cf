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

	"github.com/fenwick-ai/acpbroker/internal/peer"
)

// PermissionGate is consulted before a native tool runs a side-effecting
// operation; it returns an error if the call is denied.
type PermissionGate func(ctx context.Context, toolName string, args map[string]any) error

// NativeDeps are the collaborators the broker's own tool implementations
// need: the Peer Proxy to actually perform file/terminal operations on the
// client's behalf, and a PermissionGate to enforce request_permission
// (spec.md §4.6) ahead of any side-effecting call.
type NativeDeps struct {
	Peer    *peer.Peer
	Gate    PermissionGate
	Session string // bound session id; native tools are built per-session
}

// RunCommandHandler builds the run_command native tool: it gates on
// permission, spawns a terminal via the Peer Proxy, waits for exit, and
// returns the captured output.
func RunCommandHandler(deps NativeDeps) Handler {
	return func(ctx Context, args map[string]any) (map[string]any, error) {
		command, _ := args["command"].(string)
		cwd, _ := args["cwd"].(string)
		if command == "" {
			return nil, fmt.Errorf("run_command: command is required")
		}

		goCtx := context.Background()
		if deps.Gate != nil {
			if err := deps.Gate(goCtx, "run_command", args); err != nil {
				return nil, fmt.Errorf("run_command: %w", err)
			}
		}

		termID, err := deps.Peer.CreateTerminal(goCtx, peer.CreateTerminalParams{
			SessionID: deps.Session,
			Command:   command,
			Cwd:       cwd,
		})
		if err != nil {
			return nil, fmt.Errorf("run_command: create_terminal: %w", err)
		}
		defer func() { _ = deps.Peer.ReleaseTerminal(context.Background(), deps.Session, termID) }()

		status, err := deps.Peer.WaitForTerminalExit(goCtx, deps.Session, termID)
		if err != nil {
			return nil, fmt.Errorf("run_command: wait_for_terminal_exit: %w", err)
		}

		output, err := deps.Peer.GetTerminalOutput(goCtx, deps.Session, termID)
		if err != nil {
			return nil, fmt.Errorf("run_command: get_terminal_output: %w", err)
		}

		result := map[string]any{"output": output.Output, "truncated": output.Truncated}
		if status.ExitCode != nil {
			result["exitCode"] = *status.ExitCode
		}
		if status.Signal != "" {
			result["signal"] = status.Signal
		}
		return result, nil
	}
}

// ReadFileHandler builds the read_file native tool over the Peer Proxy's
// fs/read_text_file reverse RPC.
func ReadFileHandler(deps NativeDeps) Handler {
	return func(ctx Context, args map[string]any) (map[string]any, error) {
		path, _ := args["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("read_file: path is required")
		}
		params := peer.ReadTextFileParams{SessionID: deps.Session, Path: path}
		if line, ok := args["line"].(float64); ok {
			v := int(line)
			params.Line = &v
		}
		if limit, ok := args["limit"].(float64); ok {
			v := int(limit)
			params.Limit = &v
		}
		content, err := deps.Peer.ReadTextFile(context.Background(), params)
		if err != nil {
			return nil, fmt.Errorf("read_file: %w", err)
		}
		return map[string]any{"content": content}, nil
	}
}

// WriteFileHandler builds the write_file native tool, gated on permission
// since it mutates the client's workspace.
func WriteFileHandler(deps NativeDeps) Handler {
	return func(ctx Context, args map[string]any) (map[string]any, error) {
		path, _ := args["path"].(string)
		content, _ := args["content"].(string)
		if path == "" {
			return nil, fmt.Errorf("write_file: path is required")
		}

		goCtx := context.Background()
		if deps.Gate != nil {
			if err := deps.Gate(goCtx, "write_file", args); err != nil {
				return nil, fmt.Errorf("write_file: %w", err)
			}
		}

		if err := deps.Peer.WriteTextFile(goCtx, peer.WriteTextFileParams{
			SessionID: deps.Session, Path: path, Content: content,
		}); err != nil {
			return nil, fmt.Errorf("write_file: %w", err)
		}
		return map[string]any{"written": true}, nil
	}
}
