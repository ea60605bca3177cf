package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func TestOpenDisabledWithEmptyPath(t *testing.T) {
	l, err := Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	if l != nil {
		t.Fatal("expected nil Log for empty path")
	}
	if err := l.Record(context.Background(), "s", "c", "n", "pending", nil); err != nil {
		t.Fatalf("Record on nil Log should no-op: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close on nil Log should no-op: %v", err)
	}
}

func TestRecordAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	if err := l.Record(ctx, "sess-1", "call-1", "run_command", "pending", map[string]string{"command": "ls"}); err != nil {
		t.Fatalf("Record pending: %v", err)
	}
	if err := l.Record(ctx, "sess-1", "call-1", "run_command", "completed", map[string]string{"output": "ok"}); err != nil {
		t.Fatalf("Record completed: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_call_events WHERE call_id = ?`, "call-1").Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Fatalf("event count = %d, want 2", count)
	}
}
