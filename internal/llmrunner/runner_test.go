package llmrunner

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fenwick-ai/acpbroker/internal/connection"
	"github.com/fenwick-ai/acpbroker/internal/peer"
	"github.com/fenwick-ai/acpbroker/internal/session"
	"github.com/fenwick-ai/acpbroker/internal/toolcatalog"
	"github.com/fenwick-ai/acpbroker/internal/tracker"
	"github.com/fenwick-ai/acpbroker/internal/transport"
)

// sseServer replies to successive requests with the next scripted SSE body
// in sequence, simulating successive generation passes against a real
// chat/completions-shaped streaming endpoint.
func sseServer(t *testing.T, bodies []string) *httptest.Server {
	t.Helper()
	call := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if call >= len(bodies) {
			t.Fatalf("unexpected extra upstream call %d", call+1)
		}
		body := bodies[call]
		call++
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, body)
	}))
}

// discardPeer builds a Peer over a Connection whose other end is never
// driven: its reader stays open until cleanup, so the connection does not
// close and NotifySessionUpdate's Notify succeeds, writing to io.Discard.
func discardPeer(t *testing.T) *peer.Peer {
	t.Helper()
	pr, pw := io.Pipe()
	tr := transport.NewStdio(pr, io.Discard)
	conn := connection.New(tr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		pw.Close()
	})
	go conn.Run(ctx)
	return peer.New(conn)
}

const assistantOnlyStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"},\"finish_reason\":null}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo!\"},\"finish_reason\":null}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

func TestRunnerEndTurnNoTools(t *testing.T) {
	srv := sseServer(t, []string{assistantOnlyStream})
	defer srv.Close()

	runner, err := New(Config{BaseURL: srv.URL, Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg := session.NewRegistry()
	sess := reg.Create("/workspace", nil)
	sess.AppendMessage(session.Message{Role: "user", Content: "hi"})

	b := toolcatalog.NewBuilder(nil)
	cat, err := b.Build(nil, toolcatalog.Capabilities{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	p := discardPeer(t)
	trk := tracker.New(p)

	reason, err := runner.Run(context.Background(), sess, cat, p, trk)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != StopEndTurn {
		t.Fatalf("reason = %v, want %v", reason, StopEndTurn)
	}

	history := sess.History()
	last := history[len(history)-1]
	if last.Role != "assistant" || last.Content != "Hello!" {
		t.Fatalf("last message = %+v", last)
	}
}

const toolCallStream = "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"run_command\",\"arguments\":\"\"}}]},\"finish_reason\":null}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"command\\\":\\\"echo hi\\\"}\"}}]},\"finish_reason\":null}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n" +
	"data: [DONE]\n\n"

func TestRunnerToolUseLimit(t *testing.T) {
	srv := sseServer(t, []string{toolCallStream, toolCallStream})
	defer srv.Close()

	runner, err := New(Config{BaseURL: srv.URL, Model: "gpt-4o-mini", MaxToolCalls: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg := session.NewRegistry()
	sess := reg.Create("/workspace", nil)
	sess.AppendMessage(session.Message{Role: "user", Content: "run echo hi"})

	b := toolcatalog.NewBuilder(nil)
	b.RegisterNative("run_command", func(ctx toolcatalog.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"output": "hi\n"}, nil
	})
	cat, err := b.Build(nil, toolcatalog.Capabilities{Terminal: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	p := discardPeer(t)
	trk := tracker.New(p)

	reason, err := runner.Run(context.Background(), sess, cat, p, trk)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != StopToolUseLimit {
		t.Fatalf("reason = %v, want %v", reason, StopToolUseLimit)
	}
}

func TestRunnerCancelledBeforeTurn(t *testing.T) {
	srv := sseServer(t, []string{assistantOnlyStream})
	defer srv.Close()

	runner, err := New(Config{BaseURL: srv.URL, Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg := session.NewRegistry()
	sess := reg.Create("/workspace", nil)

	b := toolcatalog.NewBuilder(nil)
	cat, err := b.Build(nil, toolcatalog.Capabilities{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	p := discardPeer(t)
	trk := tracker.New(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason, err := runner.Run(ctx, sess, cat, p, trk)
	if reason != StopCancelled {
		t.Fatalf("reason = %v, want %v (err=%v)", reason, StopCancelled, err)
	}
}
