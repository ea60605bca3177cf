package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fenwick-ai/acpbroker/internal/connection"
	"github.com/fenwick-ai/acpbroker/internal/jsonrpc"
	"github.com/fenwick-ai/acpbroker/internal/llmrunner"
	"github.com/fenwick-ai/acpbroker/internal/peer"
	"github.com/fenwick-ai/acpbroker/internal/session"
	"github.com/fenwick-ai/acpbroker/internal/transport"
)

func pipePair() (transport.Transport, transport.Transport) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return transport.NewStdio(ar, aw), transport.NewStdio(br, bw)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHarness wires a broker-side Connection+Adapter to a fake "client"
// Connection the test drives directly, standing in for the ACP peer.
type testHarness struct {
	client *connection.Connection
	cancel func()
}

func newHarness(t *testing.T, modelURL string) *testHarness {
	t.Helper()
	clientTr, serverTr := pipePair()
	clientConn := connection.New(clientTr, discardLogger())
	serverConn := connection.New(serverTr, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go clientConn.Run(ctx)
	go serverConn.Run(ctx)

	clientConn.Handle("session/discover_tools", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		return map[string]interface{}{"tools": []interface{}{}}, nil
	})
	clientConn.Handle("terminal/create", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		return map[string]string{"terminalId": "term-1"}, nil
	})

	deps := Deps{
		Peer:     peer.New(serverConn),
		Registry: session.NewRegistry(),
		RunnerConf: llmrunner.Config{
			BaseURL: modelURL,
			Model:   "gpt-4o-mini",
		},
		Logger: discardLogger(),
	}
	New(serverConn, deps)

	return &testHarness{client: clientConn, cancel: cancel}
}

func (h *testHarness) call(t *testing.T, method string, params, out interface{}) {
	t.Helper()
	raw, err := h.client.Call(context.Background(), method, params, 2*time.Second)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s: decode result: %v", method, err)
		}
	}
}

func TestAdapterInitializeAndNewSession(t *testing.T) {
	h := newHarness(t, "")
	defer h.cancel()

	h.client.Handle("fs/read_text_file", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		return peer.ReadTextFileResult{Content: ""}, nil
	})
	h.client.HandleNotification("session/update", func(ctx context.Context, params json.RawMessage) {})

	var initResult initializeResult
	h.call(t, "initialize", initializeParams{ProtocolVersion: 1}, &initResult)
	if initResult.AgentInfo.Name == "" {
		t.Fatal("expected agent_info.name")
	}

	var sessResult newSessionResult
	h.call(t, "new_session", newSessionParams{Cwd: "/workspace"}, &sessResult)
	if sessResult.SessionID == "" {
		t.Fatal("expected session_id")
	}
}

const assistantOnlySSE = "data: {\"choices\":[{\"delta\":{\"content\":\"4\"},\"finish_reason\":null}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

func TestAdapterPromptEndTurn(t *testing.T) {
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, assistantOnlySSE)
	}))
	defer model.Close()

	h := newHarness(t, model.URL)
	defer h.cancel()

	h.client.HandleNotification("session/update", func(ctx context.Context, params json.RawMessage) {})

	var sessResult newSessionResult
	h.call(t, "new_session", newSessionParams{Cwd: "/workspace"}, &sessResult)

	var promptResult promptResult
	h.call(t, "prompt", promptParams{
		SessionID: sessResult.SessionID,
		Prompt:    []contentBlock{{Type: "text", Text: "2+2?"}},
	}, &promptResult)

	if promptResult.StopReason != string(llmrunner.StopEndTurn) {
		t.Fatalf("stop_reason = %q, want %q", promptResult.StopReason, llmrunner.StopEndTurn)
	}
}

func TestAdapterUnknownSessionErrors(t *testing.T) {
	h := newHarness(t, "")
	defer h.cancel()

	_, err := h.client.Call(context.Background(), "prompt", promptParams{SessionID: "nope"}, time.Second)
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestAdapterUnimplementedStub(t *testing.T) {
	h := newHarness(t, "")
	defer h.cancel()

	_, err := h.client.Call(context.Background(), "list_sessions", nil, time.Second)
	if err == nil {
		t.Fatal("expected method_not_found error")
	}
}
