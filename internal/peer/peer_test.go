package peer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fenwick-ai/acpbroker/internal/connection"
	"github.com/fenwick-ai/acpbroker/internal/jsonrpc"
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

func newTestPeer(t *testing.T) (*Peer, *connection.Connection, func()) {
	t.Helper()
	clientTr, serverTr := pipePair()
	client := connection.New(clientTr, discardLogger())
	server := connection.New(serverTr, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	go server.Run(ctx)

	return New(client), server, cancel
}

func TestPeerReadTextFile(t *testing.T) {
	p, server, cancel := newTestPeer(t)
	defer cancel()

	server.Handle("fs/read_text_file", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		var req ReadTextFileParams
		_ = json.Unmarshal(params, &req)
		if req.Path != "/workspace/a.go" {
			t.Errorf("path = %q", req.Path)
		}
		return ReadTextFileResult{Content: "package main"}, nil
	})

	content, err := p.ReadTextFile(context.Background(), ReadTextFileParams{SessionID: "s1", Path: "/workspace/a.go"})
	if err != nil {
		t.Fatalf("ReadTextFile: %v", err)
	}
	if content != "package main" {
		t.Fatalf("content = %q", content)
	}
}

func TestPeerRequestPermissionDenied(t *testing.T) {
	p, server, cancel := newTestPeer(t)
	defer cancel()

	server.Handle("session/request_permission", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		return map[string]interface{}{
			"outcome": map[string]string{"outcome": "selected", "optionId": "reject-1"},
		}, nil
	})

	outcome, err := p.RequestPermission(context.Background(), RequestPermissionParams{
		SessionID: "s1",
		Options: []PermissionOption{
			{ID: "allow-1", Name: "Allow", Kind: "allow_once"},
			{ID: "reject-1", Name: "Reject", Kind: "reject_once"},
		},
	})
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if outcome.Allow {
		t.Fatalf("expected denial, got %+v", outcome)
	}
}

func TestPeerRequestPermissionAllowed(t *testing.T) {
	p, server, cancel := newTestPeer(t)
	defer cancel()

	server.Handle("session/request_permission", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		return map[string]interface{}{
			"outcome": map[string]string{"outcome": "selected", "optionId": "allow-1"},
		}, nil
	})

	outcome, err := p.RequestPermission(context.Background(), RequestPermissionParams{
		SessionID: "s1",
		Options: []PermissionOption{
			{ID: "allow-1", Name: "Allow", Kind: "allow_once"},
		},
	})
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if !outcome.Allow {
		t.Fatalf("expected allow, got %+v", outcome)
	}
}

func TestPeerNotifySessionUpdate(t *testing.T) {
	p, server, cancel := newTestPeer(t)
	defer cancel()

	received := make(chan SessionUpdate, 1)
	server.HandleNotification("session/update", func(ctx context.Context, params json.RawMessage) {
		var update SessionUpdate
		_ = json.Unmarshal(params, &update)
		received <- update
	})

	err := p.NotifySessionUpdate(context.Background(), "s1", map[string]string{"type": "agent_message_chunk", "text": "hi"})
	if err != nil {
		t.Fatalf("NotifySessionUpdate: %v", err)
	}

	select {
	case update := <-received:
		if update.SessionID != "s1" {
			t.Fatalf("sessionId = %q", update.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session update")
	}
}
