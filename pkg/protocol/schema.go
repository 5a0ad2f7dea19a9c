package protocol

// SchemaDDL defines the SQLite schema for the loom state database.
// Tables: sessions, session_files, workers, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Build sessions; timestamps are RFC3339Nano text, NULL when unset
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    total_tasks INTEGER NOT NULL DEFAULT 0,
    completed_tasks INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    assigned_worker_id TEXT
);

-- Locked-file registry: a path maps to at most one session
CREATE TABLE IF NOT EXISTS session_files (
    path TEXT PRIMARY KEY,
    session_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS session_files_session ON session_files(session_id);

-- Registered workers; metadata is a JSON object
CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    last_heartbeat TEXT NOT NULL,
    current_task_id TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    registered_at TEXT NOT NULL
);

-- Audit trail of every state mutation
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    session_id TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
