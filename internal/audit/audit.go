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

// Package audit is an append-only SQLite trail of Tool Call Record
// transitions (spec.md §4.9). It exists purely for post-mortem debugging of
// the tracker's start/terminal pairing invariant: it is never read back by
// the broker, and is not a session-restore mechanism (spec.md's Non-goals
// explicitly exclude durable session persistence across restarts).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS tool_call_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    call_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    detail_json TEXT,
    recorded_at TIMESTAMP NOT NULL
)`

const createIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tool_call_events_session ON tool_call_events(session_id)`

// Log is an append-only writer of tool call lifecycle events. A nil *Log is
// valid and every method on it is a no-op, so audit logging can stay
// optional without the rest of the broker checking for it everywhere.
type Log struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database at path and ensures its schema
// exists. Passing an empty path disables the log: Open returns a nil *Log,
// nil error.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// Tool call events are written from many goroutines at once; SQLite
	// only tolerates one writer, so cap the pool to serialize writes
	// instead of hitting "database is locked".
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createIndexSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create index: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one lifecycle event. Failures are returned but are always
// treated by callers as non-fatal: the audit trail must never block or
// fail a tool call it is merely observing.
func (l *Log) Record(ctx context.Context, sessionID, callID, name, status string, detail interface{}) error {
	if l == nil {
		return nil
	}
	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("audit: marshal detail: %w", err)
		}
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO tool_call_events (session_id, call_id, name, status, detail_json, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, callID, name, status, string(detailJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
