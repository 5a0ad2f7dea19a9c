package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"

	_ "modernc.org/sqlite"
)

// setupTestDB creates a test database with some sample events.
func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	events := []struct {
		evType, source, sessionID, workerID, payload string
	}{
		{protocol.EvSessionCreated, "sessions", "s1", "", `{"name":"build"}`},
		{protocol.EvWorkerRegistered, "coordinator", "", "w-1", `{}`},
		{protocol.EvTaskAssigned, "coordinator", "s1", "w-1", `{"task_id":"t1"}`},
		{protocol.EvWorkerRegistered, "coordinator", "", "w-2", `{}`},
		{protocol.EvTaskCompleted, "coordinator", "s1", "w-1", `{"task_id":"t1","success":true}`},
		{protocol.EvLockConflict, "sessions", "s2", "", `{"owner":"s1","paths":["a.txt"]}`},
	}
	for _, e := range events {
		_, err := db.Exec(
			`INSERT INTO events (type, source, session_id, worker_id, payload) VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
			e.evType, e.source, e.sessionID, e.workerID, e.payload,
		)
		if err != nil {
			t.Fatalf("failed to insert test event: %v", err)
		}
	}
	return db, dbPath
}

func openReader(t *testing.T, dbPath string) *eventlog.Reader {
	t.Helper()
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	return reader
}

func TestNewReader_MissingDB(t *testing.T) {
	reader, err := eventlog.NewReader(filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		_ = reader.Close()
		t.Fatal("expected error for missing database")
	}
}

func TestQuery_Filters(t *testing.T) {
	_, dbPath := setupTestDB(t)
	reader := openReader(t, dbPath)
	ctx := context.Background()

	tests := []struct {
		name string
		opts eventlog.QueryOpts
		want int
	}{
		{"all", eventlog.QueryOpts{}, 6},
		{"by worker", eventlog.QueryOpts{WorkerID: "w-1"}, 3},
		{"by session", eventlog.QueryOpts{SessionID: "s1"}, 3},
		{"by type", eventlog.QueryOpts{EventType: protocol.EvWorkerRegistered}, 2},
		{"worker and type", eventlog.QueryOpts{WorkerID: "w-1", EventType: protocol.EvTaskAssigned}, 1},
		{"limit", eventlog.QueryOpts{Limit: 2}, 2},
		{"no match", eventlog.QueryOpts{WorkerID: "ghost"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := reader.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("got %d events, want %d", len(events), tt.want)
			}
		})
	}
}

func TestQuery_NewestFirstWithFields(t *testing.T) {
	_, dbPath := setupTestDB(t)
	reader := openReader(t, dbPath)

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{Limit: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Type != protocol.EvLockConflict || e.SessionID != "s2" || e.WorkerID != "" {
		t.Errorf("newest event = %+v", e)
	}
	if e.ID == 0 || e.CreatedAt.IsZero() {
		t.Errorf("expected id and created_at populated: %+v", e)
	}
}

func TestQuery_TimeRange(t *testing.T) {
	_, dbPath := setupTestDB(t)
	reader := openReader(t, dbPath)
	ctx := context.Background()

	now := time.Now()
	after := now.Add(-time.Minute)
	events, err := reader.Query(ctx, eventlog.QueryOpts{After: &after})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 6 {
		t.Errorf("expected 6 recent events, got %d", len(events))
	}

	before := now.Add(-time.Hour)
	events, err = reader.Query(ctx, eventlog.QueryOpts{Before: &before})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 old events, got %d", len(events))
	}
}

func TestFromDB_CloseLeavesHandleOpen(t *testing.T) {
	db, _ := setupTestDB(t)
	reader := eventlog.FromDB(db)
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Errorf("shared handle closed by reader: %v", err)
	}
	events, err := reader.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil || len(events) != 6 {
		t.Errorf("query after Close = (%d, %v)", len(events), err)
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	_, dbPath := setupTestDB(t)
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
