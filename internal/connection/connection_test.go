package connection

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fenwick-ai/acpbroker/internal/jsonrpc"
	"github.com/fenwick-ai/acpbroker/internal/transport"
)

// pipePair wires two Stdio transports back to back so each side's Send
// becomes data on the other side's Receive, without a real process boundary.
func pipePair() (transport.Transport, transport.Transport) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := transport.NewStdio(ar, aw)
	b := transport.NewStdio(br, bw)
	return a, b
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectionCallAndRespond(t *testing.T) {
	clientTr, serverTr := pipePair()
	client := New(clientTr, discardLogger())
	server := New(serverTr, discardLogger())

	server.Handle("echo", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		var req map[string]string
		_ = json.Unmarshal(params, &req)
		return map[string]string{"echoed": req["text"]}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	result, err := client.Call(context.Background(), "echo", map[string]string{"text": "hi"}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["echoed"] != "hi" {
		t.Fatalf("got %v", got)
	}
}

func TestConnectionMethodNotFound(t *testing.T) {
	clientTr, serverTr := pipePair()
	client := New(clientTr, discardLogger())
	server := New(serverTr, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	_, err := client.Call(context.Background(), "nonexistent", nil, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	rpcErr, ok := err.(*jsonrpc.Error)
	if !ok {
		t.Fatalf("expected *jsonrpc.Error, got %T: %v", err, err)
	}
	if rpcErr.Code != jsonrpc.MethodNotFound {
		t.Fatalf("code = %d, want %d", rpcErr.Code, jsonrpc.MethodNotFound)
	}
}

func TestConnectionNotification(t *testing.T) {
	clientTr, serverTr := pipePair()
	client := New(clientTr, discardLogger())
	server := New(serverTr, discardLogger())

	received := make(chan string, 1)
	server.HandleNotification("ping", func(ctx context.Context, params json.RawMessage) {
		var p map[string]string
		_ = json.Unmarshal(params, &p)
		received <- p["tag"]
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	if err := client.Notify(context.Background(), "ping", map[string]string{"tag": "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case tag := <-received:
		if tag != "x" {
			t.Fatalf("tag = %q", tag)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestConnectionShutdownFailsPendingCalls(t *testing.T) {
	clientTr, serverTr := pipePair()
	client := New(clientTr, discardLogger())
	server := New(serverTr, discardLogger())

	blocked := make(chan struct{})
	server.Handle("slow", func(ctx context.Context, params json.RawMessage) (interface{}, *jsonrpc.Error) {
		<-blocked
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	go server.Run(ctx)

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "slow", nil, 5*time.Second)
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(blocked)

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected error after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved after shutdown")
	}
}
