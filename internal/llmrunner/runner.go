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

// Package llmrunner drives the prompt state machine of spec.md §4.8 against
// an OpenAI-compatible chat/completions streaming endpoint: it streams
// assistant output as session_update notifications, executes any tool
// calls the model emits through the Tool Tracker and Tool Catalog, and
// loops generation/execution until the model ends its turn, a terminal
// condition fires, or the caller cancels.
package llmrunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fenwick-ai/acpbroker/internal/httpclient"
	"github.com/fenwick-ai/acpbroker/internal/peer"
	"github.com/fenwick-ai/acpbroker/internal/session"
	"github.com/fenwick-ai/acpbroker/internal/toolcatalog"
	"github.com/fenwick-ai/acpbroker/internal/tracker"
)

// StopReason is the terminal condition that ended a prompt turn
// (spec.md §4.8).
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopCancelled     StopReason = "cancelled"
	StopToolUseLimit  StopReason = "tool_use_limit"
	StopError         StopReason = "error"
	StopMaxOutputText StopReason = "max_output_text"
)

// Config configures one Runner against a single upstream model.
type Config struct {
	BaseURL          string // e.g. "https://api.openai.com/v1"
	APIKey           string
	Model            string
	MaxToolCalls     int // tool_use_limit threshold; 0 disables the check
	MaxOutputRetry   int // output-validator retries on empty terminal text
	MaxContextTokens int // oldest non-system history is dropped above this; 0 disables
	HTTPClient       *httpclient.Client
}

// Runner executes prompt turns for one session against one upstream model.
type Runner struct {
	cfg     Config
	counter *TokenCounter
}

// New builds a Runner. If cfg.HTTPClient is nil, a retrying client with
// OpenAI rate-limit header parsing is built per SPEC_FULL.md's ambient
// httpclient wiring.
func New(cfg Config) (*Runner, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(
			httpclient.WithMaxRetries(5),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		)
	}
	if cfg.MaxOutputRetry == 0 {
		cfg.MaxOutputRetry = 2
	}

	counter, err := NewTokenCounter(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("llmrunner: new token counter: %w", err)
	}
	return &Runner{cfg: cfg, counter: counter}, nil
}

// chatMessage is the wire shape of one chat/completions message.
type chatMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []toolCallRaw `json:"tool_calls,omitempty"`
}

type toolCallRaw struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function functionRaw `json:"function"`
}

type functionRaw struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolSpec    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatChunk struct {
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content   string           `json:"content"`
	ToolCalls []toolCallDelta  `json:"tool_calls"`
}

type toolCallDelta struct {
	Index    int             `json:"index"`
	ID       string          `json:"id"`
	Function functionDelta   `json:"function"`
}

type functionDelta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// streamingState accumulates one generation pass's output across SSE
// chunks: assistant text and any in-progress tool call argument buffers,
// keyed by the model's own tool_calls array index.
type streamingState struct {
	content   strings.Builder
	toolCalls map[int]*accumulatingToolCall
	order     []int
}

type accumulatingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newStreamingState() *streamingState {
	return &streamingState{toolCalls: make(map[int]*accumulatingToolCall)}
}

func (s *streamingState) apply(delta chunkDelta) {
	if delta.Content != "" {
		s.content.WriteString(delta.Content)
	}
	for _, tc := range delta.ToolCalls {
		call, ok := s.toolCalls[tc.Index]
		if !ok {
			call = &accumulatingToolCall{}
			s.toolCalls[tc.Index] = call
			s.order = append(s.order, tc.Index)
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			call.args.WriteString(tc.Function.Arguments)
		}
	}
}

func (s *streamingState) toolCallIntents() []session.ToolCallIntent {
	sort.Ints(s.order)
	intents := make([]session.ToolCallIntent, 0, len(s.order))
	for _, idx := range s.order {
		c := s.toolCalls[idx]
		intents = append(intents, session.ToolCallIntent{ID: c.id, Name: c.name, Arguments: c.args.String()})
	}
	return intents
}

// Run executes one or more generation/tool-execution passes until the
// model ends its turn or a terminal condition fires.
func (r *Runner) Run(ctx context.Context, sess *session.Session, cat *toolcatalog.Catalog, p *peer.Peer, trk *tracker.Tracker) (StopReason, error) {
	toolCallCount := 0

	for {
		select {
		case <-ctx.Done():
			return StopCancelled, ctx.Err()
		default:
		}

		text, intents, finishReason, err := r.generate(ctx, sess, cat, p)
		if err != nil {
			if ctx.Err() != nil {
				return StopCancelled, ctx.Err()
			}
			return StopError, err
		}

		if len(intents) == 0 {
			final, err := r.validateOutput(ctx, sess, cat, p, text)
			if err != nil {
				return StopError, err
			}
			sess.AppendMessage(session.Message{Role: "assistant", Content: final})
			return StopEndTurn, nil
		}

		sess.AppendMessage(session.Message{Role: "assistant", Content: text, ToolCalls: intents})

		toolCallCount += len(intents)
		if r.cfg.MaxToolCalls > 0 && toolCallCount > r.cfg.MaxToolCalls {
			return StopToolUseLimit, nil
		}

		if err := r.executeTools(ctx, sess, cat, trk, intents); err != nil {
			if ctx.Err() != nil {
				return StopCancelled, ctx.Err()
			}
			return StopError, err
		}

		_ = finishReason
	}
}

// generate runs one SSE streaming pass, forwarding assistant text chunks to
// the client as they arrive and returning the accumulated text plus any
// tool call intents the model emitted.
func (r *Runner) generate(ctx context.Context, sess *session.Session, cat *toolcatalog.Catalog, p *peer.Peer) (string, []session.ToolCallIntent, string, error) {
	req := chatRequest{
		Model:    r.cfg.Model,
		Messages: buildMessages(r.trimHistory(sess.History())),
		Tools:    buildTools(cat),
		Stream:   true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, "", fmt.Errorf("llmrunner: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, "", fmt.Errorf("llmrunner: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", nil, "", fmt.Errorf("llmrunner: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", nil, "", fmt.Errorf("llmrunner: upstream status %d", resp.StatusCode)
	}

	state := newStreamingState()
	finishReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		state.apply(choice.Delta)
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			if notifyErr := p.NotifySessionUpdate(ctx, sess.ID, map[string]string{
				"type": "agent_message_chunk", "text": choice.Delta.Content,
			}); notifyErr != nil {
				return "", nil, "", fmt.Errorf("llmrunner: notify chunk: %w", notifyErr)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, "", fmt.Errorf("llmrunner: read stream: %w", err)
	}

	return state.content.String(), state.toolCallIntents(), finishReason, nil
}

// validateOutput retries generation up to cfg.MaxOutputRetry times if the
// model's terminal message is empty or whitespace-only, per
// spec.md §4.8's output-validator retry.
func (r *Runner) validateOutput(ctx context.Context, sess *session.Session, cat *toolcatalog.Catalog, p *peer.Peer, text string) (string, error) {
	attempt := 0
	for strings.TrimSpace(text) == "" && attempt < r.cfg.MaxOutputRetry {
		attempt++
		retried, intents, _, err := r.generate(ctx, sess, cat, p)
		if err != nil {
			return "", err
		}
		if len(intents) > 0 {
			// The retry produced tool calls instead of text. Those calls
			// are not executed: whatever text the retry produced is
			// returned and becomes the turn's final message.
			return retried, nil
		}
		text = retried
	}
	return text, nil
}

// executeTools runs every pending tool call, in parallel when the model
// emitted more than one in the same pause (spec.md §4.8 step 3), gating
// each native side-effecting call through the Tool Tracker for paired
// session_update notifications.
func (r *Runner) executeTools(ctx context.Context, sess *session.Session, cat *toolcatalog.Catalog, trk *tracker.Tracker, intents []session.ToolCallIntent) error {
	var mu sync.Mutex
	results := make(map[string]session.Message, len(intents))

	g, gctx := errgroup.WithContext(ctx)
	for _, intent := range intents {
		intent := intent
		g.Go(func() error {
			msg := r.executeOne(gctx, sess, cat, trk, intent)
			mu.Lock()
			results[intent.ID] = msg
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, intent := range intents {
		sess.AppendMessage(results[intent.ID])
	}
	return nil
}

func (r *Runner) executeOne(ctx context.Context, sess *session.Session, cat *toolcatalog.Catalog, trk *tracker.Tracker, intent session.ToolCallIntent) session.Message {
	var args map[string]any
	if intent.Arguments != "" {
		if err := json.Unmarshal([]byte(intent.Arguments), &args); err != nil {
			return toolErrorMessage(intent, fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	finish, startErr := trk.Start(ctx, sess.ID, intent.ID, intent.Name, intent.Name, args)
	if finish != nil {
		defer finish()
	}
	if startErr != nil {
		return toolErrorMessage(intent, startErr.Error())
	}

	handler, ok := cat.Lookup(intent.Name)
	if !ok {
		_ = trk.Fail(ctx, intent.ID, map[string]string{"error": "unknown tool"})
		return toolErrorMessage(intent, "unknown tool: "+intent.Name)
	}

	_ = trk.Progress(ctx, intent.ID, nil)
	result, err := handler(toolExecContext{session: sess.ID, call: intent.ID}, args)
	if err != nil {
		_ = trk.Fail(ctx, intent.ID, map[string]string{"error": err.Error()})
		return toolErrorMessage(intent, err.Error())
	}
	_ = trk.Complete(ctx, intent.ID, result)

	data, _ := json.Marshal(result)
	return session.Message{Role: "tool", ToolCallID: intent.ID, Name: intent.Name, Content: string(data)}
}

func toolErrorMessage(intent session.ToolCallIntent, errText string) session.Message {
	data, _ := json.Marshal(map[string]string{"error": errText})
	return session.Message{Role: "tool", ToolCallID: intent.ID, Name: intent.Name, Content: string(data)}
}

type toolExecContext struct {
	session string
	call    string
}

func (c toolExecContext) SessionID() string { return c.session }
func (c toolExecContext) CallID() string    { return c.call }

// trimHistory drops the oldest non-system messages once the conversation
// would exceed cfg.MaxContextTokens, keeping the most recent exchange so a
// long-running session doesn't grow its request past the model's context
// window.
func (r *Runner) trimHistory(history []session.Message) []session.Message {
	if r.cfg.MaxContextTokens <= 0 || len(history) == 0 {
		return history
	}

	for len(history) > 1 && r.counter.CountMessages(toTokenMessages(history)) > r.cfg.MaxContextTokens {
		drop := 0
		if history[0].Role == "system" {
			drop = 1
		}
		if drop >= len(history) {
			break
		}
		history = append(history[:drop], history[drop+1:]...)
	}
	return history
}

func toTokenMessages(history []session.Message) []tokenMessage {
	out := make([]tokenMessage, len(history))
	for i, m := range history {
		out[i] = tokenMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func buildMessages(history []session.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history))
	for _, m := range history {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, toolCallRaw{
				ID: tc.ID, Type: "function",
				Function: functionRaw{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, cm)
	}
	return out
}

func buildTools(cat *toolcatalog.Catalog) []toolSpec {
	descriptors := cat.Descriptors()
	out := make([]toolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, toolSpec{
			Type: "function",
			Function: functionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
