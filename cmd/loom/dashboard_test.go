package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/pkg/aggregate"
	"loom/pkg/protocol"
	"loom/pkg/statedb"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

func testSnapshot() snapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []protocol.Session{
		{ID: "s1", Name: "frontend", Status: protocol.SessionRunning, TotalTasks: 4, CompletedTasks: 2, CreatedAt: now},
		{ID: "s2", Name: "docs", Status: protocol.SessionCompleted, CreatedAt: now},
	}
	workers := []protocol.Worker{
		{ID: "w-1", Status: protocol.WorkerBusy, CurrentTaskID: "t-9", LastHeartbeat: now.Add(-3 * time.Second)},
		{ID: "w-2", Status: protocol.WorkerIdle, LastHeartbeat: now},
	}
	return snapshot{Summary: aggregate.Build(sessions, workers, nil, now), Workers: workers}
}

func TestDashModelRendersSnapshot(t *testing.T) {
	snap := testSnapshot()
	m := newDashModel(func(context.Context) (snapshot, error) { return snap, nil }, time.Second, nil, "")

	if !strings.Contains(m.View(), "loading") {
		t.Errorf("initial view should show loading:\n%s", m.View())
	}

	updated, _ := m.Update(snapshotMsg{snap: snap})
	view := updated.View()
	for _, want := range []string{"frontend", "2/4", "w-1", "t-9", "utilization 50.0%", "ACTIVE SESSIONS"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "docs") {
		t.Errorf("completed session shown as active:\n%s", view)
	}
}

func TestDashModelKeepsLastSnapshotOnError(t *testing.T) {
	snap := testSnapshot()
	m := newDashModel(nil, time.Second, nil, "")
	updated, _ := m.Update(snapshotMsg{snap: snap})
	updated, _ = updated.Update(snapshotMsg{err: errors.New("database is locked")})

	view := updated.View()
	if !strings.Contains(view, "database is locked") || !strings.Contains(view, "frontend") {
		t.Errorf("view = %s", view)
	}
}

func TestDashModelQuit(t *testing.T) {
	m := newDashModel(nil, time.Second, nil, "")
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
	} {
		_, cmd := m.Update(key)
		if cmd == nil {
			t.Fatalf("%s: no command", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s did not quit", key)
		}
	}
}

func TestDashModelRefreshes(t *testing.T) {
	calls := 0
	fetch := func(context.Context) (snapshot, error) {
		calls++
		return testSnapshot(), nil
	}
	m := newDashModel(fetch, time.Second, nil, "")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("r returned no command")
	}
	msg, ok := cmd().(snapshotMsg)
	if !ok || msg.err != nil || calls != 1 {
		t.Errorf("refresh msg = %+v, calls = %d", msg, calls)
	}

	if _, cmd := m.Update(tickMsg(time.Now())); cmd == nil {
		t.Error("tick returned no command")
	}
	if _, cmd := m.Update(fsChangeMsg{}); cmd == nil {
		t.Error("fs change returned no command")
	}
}

func TestBarWidth(t *testing.T) {
	tests := []struct{ term, want int }{{0, 10}, {60, 20}, {300, 60}}
	for _, tt := range tests {
		if got := barWidth(tt.term); got != tt.want {
			t.Errorf("barWidth(%d) = %d, want %d", tt.term, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abc~" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
}

func TestSnapshotFetcherReadsState(t *testing.T) {
	ctx := context.Background()
	db, err := statedb.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	now := time.Now().UTC()
	if err := db.SaveSession(ctx, protocol.Session{ID: "s1", Name: "api", Status: protocol.SessionRunning, TotalTasks: 2, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveWorker(ctx, protocol.Worker{ID: "w-1", Status: protocol.WorkerIdle, LastHeartbeat: now, RegisteredAt: now}); err != nil {
		t.Fatal(err)
	}

	snap, err := snapshotFetcher(db)(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Summary.Workers.Total != 1 || len(snap.Summary.Active) != 1 || len(snap.Workers) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDashOnceWhenNotATerminal(t *testing.T) {
	setupHome(t)
	mustRunCLI(t, "session", "create", "api")

	var snap snapshot
	decode(t, mustRunCLI(t, "dash"), &snap)
	if snap.Summary.Sessions[protocol.SessionCreated] != 1 {
		t.Errorf("snapshot sessions = %+v", snap.Summary.Sessions)
	}
}

func TestIsStateWrite(t *testing.T) {
	db := "/tmp/x/state.db"
	tests := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: "/tmp/x/state.db-wal", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/tmp/x/state.db", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/tmp/x/state.db-shm", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/tmp/x/state.db-wal", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/tmp/x/config.yaml", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := isStateWrite(tt.ev, db); got != tt.want {
			t.Errorf("isStateWrite(%v) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}

func TestRunWatcherSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	w := initWatcher(dbPath)
	if w == nil {
		t.Skip("fsnotify unavailable")
	}
	defer w.Close()

	got := make(chan tea.Msg, 1)
	go func() { got <- runWatcher(w, dbPath)() }()

	ctx := context.Background()
	db, err := statedb.Open(ctx, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Emit(ctx, protocol.Event{Type: "x", Source: "test"}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		if _, ok := msg.(fsChangeMsg); !ok {
			t.Errorf("msg = %T, want fsChangeMsg", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no fsChangeMsg after write")
	}
}

func TestInitWatcherMissingDir(t *testing.T) {
	if w := initWatcher(filepath.Join(t.TempDir(), "missing", "state.db")); w != nil {
		_ = w.Close()
		t.Error("expected nil watcher for missing directory")
	}
}
