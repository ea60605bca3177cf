package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "acpbroker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFromFileProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-123")

	path := writeTempConfig(t, `
transport: websocket
ws_addr: ":9000"
model:
  api_key: "${OPENAI_API_KEY}"
  name: gpt-4o-mini
`)

	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	defer p.Close()

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != TransportWebSocket {
		t.Fatalf("transport = %q", cfg.Transport)
	}
	if cfg.WSAddr != ":9000" {
		t.Fatalf("ws_addr = %q", cfg.WSAddr)
	}
	if cfg.Model.APIKey != "sk-test-123" {
		t.Fatalf("api_key = %q, want expanded env var", cfg.Model.APIKey)
	}
}

func TestLoadDefaultsAndValidate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-456")

	path := writeTempConfig(t, "{}\n")
	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	defer p.Close()

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != TransportStdio {
		t.Fatalf("transport = %q, want default stdio", cfg.Transport)
	}
	if cfg.Model.APIKey != "sk-test-456" {
		t.Fatalf("api_key = %q, want OPENAI_API_KEY override", cfg.Model.APIKey)
	}
}

func TestLoadMissingAPIKeyFails(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	path := writeTempConfig(t, "{}\n")
	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	defer p.Close()

	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error for missing api_key")
	}
}

func TestFileProviderWatchFiresOnChange(t *testing.T) {
	path := writeTempConfig(t, "transport: stdio\n")
	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("transport: websocket\nws_addr: \":1\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed before firing")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file watch event")
	}
}
