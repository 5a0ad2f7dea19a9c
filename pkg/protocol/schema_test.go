package protocol_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"loom/pkg/protocol"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	return db
}

func TestSchemaCreatesExpectedTables(t *testing.T) {
	db := openMemDB(t)

	expected := []string{"sessions", "session_files", "workers", "events"}
	for _, table := range expected {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q not found: %v", table, err)
		}
	}
}

func TestSchemaPathHasOneOwner(t *testing.T) {
	db := openMemDB(t)

	if _, err := db.Exec(`INSERT INTO session_files (path, session_id) VALUES ('a.go', 's1')`); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO session_files (path, session_id) VALUES ('a.go', 's2')`); err == nil {
		t.Fatal("a path was locked by two sessions")
	}
}

func TestSchemaEventDefaults(t *testing.T) {
	db := openMemDB(t)

	if _, err := db.Exec(`INSERT INTO events (type, source) VALUES ('session_created', 'sessions')`); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	var createdAt string
	if err := db.QueryRow(`SELECT created_at FROM events`).Scan(&createdAt); err != nil {
		t.Fatalf("query: %v", err)
	}
	if createdAt == "" {
		t.Error("created_at not defaulted")
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	db := openMemDB(t)

	// IF NOT EXISTS keeps a second run clean.
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("second exec (idempotency): %v", err)
	}
}
