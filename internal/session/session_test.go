package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fenwick-ai/acpbroker/internal/toolcatalog"
)

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/workspace", nil)
	if s.ID == "" {
		t.Fatal("expected generated id")
	}
	got, ok := r.Get(s.ID)
	if !ok || got != s {
		t.Fatalf("Get(%s) = %v, %v", s.ID, got, ok)
	}

	r.Remove(s.ID)
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("expected session removed")
	}
}

func TestEnsureCatalogSingleFlight(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/workspace", nil)

	var calls int32
	start := make(chan struct{})
	build := func(ctx context.Context) (*toolcatalog.Catalog, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		b := toolcatalog.NewBuilder(nil)
		return b.Build(nil, toolcatalog.Capabilities{})
	}

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.EnsureCatalog(context.Background(), build)
			results <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(start)

	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			t.Fatalf("EnsureCatalog: %v", err)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("build called %d times, want 1 (single-flight)", got)
	}

	cat, built := s.Catalog()
	if !built || cat == nil {
		t.Fatal("expected catalog built")
	}
}

func TestEnsureCatalogBuildsOnceAfterSuccess(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/workspace", nil)

	var calls int32
	build := func(ctx context.Context) (*toolcatalog.Catalog, error) {
		atomic.AddInt32(&calls, 1)
		b := toolcatalog.NewBuilder(nil)
		return b.Build(nil, toolcatalog.Capabilities{})
	}

	if _, err := s.EnsureCatalog(context.Background(), build); err != nil {
		t.Fatalf("first EnsureCatalog: %v", err)
	}
	if _, err := s.EnsureCatalog(context.Background(), build); err != nil {
		t.Fatalf("second EnsureCatalog: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("build called %d times, want 1", got)
	}
}

func TestSessionCancel(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/workspace", nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.BindCancel(cancel)

	s.Cancel()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context cancelled")
	}
}

func TestAppendMessageAndHistory(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/workspace", nil)

	s.AppendMessage(Message{Role: "user", Content: "hello"})
	s.AppendMessage(Message{Role: "assistant", Content: "hi"})

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("len(history) = %d", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("history = %+v", history)
	}
}
