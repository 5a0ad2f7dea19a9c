// Package statedb is the SQLite durable layer for loom. A *DB persists
// sessions, the locked-file registry and workers, and records audit events.
// It satisfies session.Persister, coordinator.Persister and
// protocol.EventSink.
//
// The session_files primary key on path mirrors the registry invariant, so a
// second process racing for the same file fails at the database even when its
// in-memory view was stale.
package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"loom/pkg/protocol"

	sqlite "modernc.org/sqlite" // also registers the "sqlite" driver
	sqlite3 "modernc.org/sqlite/lib"
)

// DB wraps the state database.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used to report skipped rows.
func WithLogger(l *slog.Logger) Option { return func(d *DB) { d.logger = l } }

// Open opens (creating if needed) the database at path with WAL journaling and
// a 5-second busy timeout, and applies the schema. ":memory:" is accepted for
// tests. A file that is not a readable SQLite database is renamed to
// <path>.corrupt-<unix> and replaced by an empty one.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	d := &DB{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := open(ctx, path)
	if err != nil && path != ":memory:" && isCorrupt(err) {
		aside, qerr := quarantine(path)
		if qerr != nil {
			return nil, errors.Join(err, qerr)
		}
		d.logger.Warn("state database unreadable, starting empty", "path", path, "moved_to", aside, "err", err)
		db, err = open(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	d.db = db
	return d, nil
}

func open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers inside the process and keeps a
	// :memory: database alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// isCorrupt reports whether err is SQLite saying the file is not a database or
// is malformed.
func isCorrupt(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
		return true
	}
	return false
}

// quarantine renames path and its WAL sidecars out of the way and returns the
// new name of the main file.
func quarantine(path string) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, aside); err != nil {
		return "", fmt.Errorf("move corrupt state db aside: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := os.Rename(path+suffix, aside+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("move corrupt state db aside: %w", err)
		}
	}
	return aside, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// SQL exposes the handle for read-only consumers such as the event log reader.
func (d *DB) SQL() *sql.DB { return d.db }

// --- Sessions ---

// SaveSession upserts the session row and replaces its locked-file rows in one
// transaction. A path held by another session yields *protocol.LockConflictError.
func (d *DB) SaveSession(ctx context.Context, s protocol.Session) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, status, total_tasks, completed_tasks, created_at, started_at, completed_at, assigned_worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, status=excluded.status,
			total_tasks=excluded.total_tasks, completed_tasks=excluded.completed_tasks,
			created_at=excluded.created_at, started_at=excluded.started_at,
			completed_at=excluded.completed_at, assigned_worker_id=excluded.assigned_worker_id`,
		s.ID, s.Name, string(s.Status), s.TotalTasks, s.CompletedTasks,
		formatTime(s.CreatedAt), formatTimePtr(s.StartedAt), formatTimePtr(s.CompletedAt),
		nullString(s.AssignedWorkerID))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_files WHERE session_id = ?`, s.ID); err != nil {
		return fmt.Errorf("clear files of %s: %w", s.ID, err)
	}
	conflicts := make(map[string]string)
	for _, path := range s.LockedFiles {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM session_files WHERE path = ?`, path).Scan(&owner)
		switch {
		case err == nil:
			conflicts[path] = owner
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup lock %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_files (path, session_id) VALUES (?, ?)`, path, s.ID); err != nil {
			return fmt.Errorf("lock %s: %w", path, err)
		}
	}
	if len(conflicts) > 0 {
		return protocol.NewLockConflictError(s.ID, conflicts)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session %s: %w", s.ID, err)
	}
	return nil
}

// DeleteSession removes the session and its locked-file rows.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_files WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete files of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return tx.Commit()
}

// LoadSessions returns every readable session with its locked files, oldest
// first. Rows with unparsable timestamps are skipped and logged.
func (d *DB) LoadSessions(ctx context.Context) ([]protocol.Session, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, status, total_tasks, completed_tasks, created_at, started_at, completed_at, assigned_worker_id
		FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out   []protocol.Session
		index = make(map[string]int)
	)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			d.logger.Warn("skipping corrupt session row", "err", err)
			continue
		}
		s.LockedFiles = []string{}
		index[s.ID] = len(out)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	files, err := d.db.QueryContext(ctx, `SELECT path, session_id FROM session_files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query session files: %w", err)
	}
	defer func() { _ = files.Close() }()
	for files.Next() {
		var path, sessionID string
		if err := files.Scan(&path, &sessionID); err != nil {
			return nil, fmt.Errorf("scan session file: %w", err)
		}
		i, ok := index[sessionID]
		if !ok {
			d.logger.Warn("skipping orphan lock row", "path", path, "session_id", sessionID)
			continue
		}
		out[i].LockedFiles = append(out[i].LockedFiles, path)
	}
	if err := files.Err(); err != nil {
		return nil, fmt.Errorf("iterate session files: %w", err)
	}
	return out, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (protocol.Session, error) {
	var (
		s                  protocol.Session
		status, created    string
		started, completed sql.NullString
		assigned           sql.NullString
	)
	if err := r.Scan(&s.ID, &s.Name, &status, &s.TotalTasks, &s.CompletedTasks,
		&created, &started, &completed, &assigned); err != nil {
		return protocol.Session{}, fmt.Errorf("scan session: %w", err)
	}
	s.Status = protocol.SessionStatus(status)
	var err error
	if s.CreatedAt, err = parseTime(created); err != nil {
		return protocol.Session{}, fmt.Errorf("session %s created_at: %w", s.ID, err)
	}
	if s.StartedAt, err = parseTimePtr(started); err != nil {
		return protocol.Session{}, fmt.Errorf("session %s started_at: %w", s.ID, err)
	}
	if s.CompletedAt, err = parseTimePtr(completed); err != nil {
		return protocol.Session{}, fmt.Errorf("session %s completed_at: %w", s.ID, err)
	}
	s.AssignedWorkerID = assigned.String
	return s, nil
}

// --- Workers ---

// SaveWorker upserts the worker row.
func (d *DB) SaveWorker(ctx context.Context, w protocol.Worker) error {
	meta := w.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata of %s: %w", w.ID, err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO workers (id, status, last_heartbeat, current_task_id, metadata, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, last_heartbeat=excluded.last_heartbeat,
			current_task_id=excluded.current_task_id, metadata=excluded.metadata,
			registered_at=excluded.registered_at`,
		w.ID, string(w.Status), formatTime(w.LastHeartbeat), nullString(w.CurrentTaskID),
		string(data), formatTime(w.RegisteredAt))
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// DeleteWorker removes the worker row.
func (d *DB) DeleteWorker(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

// LoadWorkers returns every readable worker in registration order. Rows with
// unparsable timestamps or metadata are skipped and logged.
func (d *DB) LoadWorkers(ctx context.Context) ([]protocol.Worker, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, status, last_heartbeat, current_task_id, metadata, registered_at
		FROM workers ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			d.logger.Warn("skipping corrupt worker row", "err", err)
			continue
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

func scanWorker(r rowScanner) (protocol.Worker, error) {
	var (
		w                         protocol.Worker
		status, beat, meta, regAt string
		task                      sql.NullString
	)
	if err := r.Scan(&w.ID, &status, &beat, &task, &meta, &regAt); err != nil {
		return protocol.Worker{}, fmt.Errorf("scan worker: %w", err)
	}
	w.Status = protocol.WorkerStatus(status)
	w.CurrentTaskID = task.String
	var err error
	if w.LastHeartbeat, err = parseTime(beat); err != nil {
		return protocol.Worker{}, fmt.Errorf("worker %s last_heartbeat: %w", w.ID, err)
	}
	if w.RegisteredAt, err = parseTime(regAt); err != nil {
		return protocol.Worker{}, fmt.Errorf("worker %s registered_at: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &w.Metadata); err != nil {
		return protocol.Worker{}, fmt.Errorf("worker %s metadata: %w", w.ID, err)
	}
	return w, nil
}

// --- Events ---

// Emit implements protocol.EventSink by inserting into the events table.
func (d *DB) Emit(ctx context.Context, ev protocol.Event) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO events (type, source, session_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.Type, ev.Source, nullString(ev.SessionID), nullString(ev.WorkerID), ev.Payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// --- helpers ---

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // NULL column means unset
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
