package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/statedb"
)

func TestLogsCommand(t *testing.T) {
	setupHome(t)

	var s protocol.Session
	decode(t, mustRunCLI(t, "session", "create", "api"), &s)
	mustRunCLI(t, "session", "start", s.ID)
	mustRunCLI(t, "worker", "register")

	out := mustRunCLI(t, "logs")
	for _, want := range []string{protocol.EvSessionCreated, protocol.EvSessionTransition, protocol.EvWorkerRegistered} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %s:\n%s", want, out)
		}
	}
	if strings.Index(out, protocol.EvSessionCreated) > strings.Index(out, protocol.EvWorkerRegistered) {
		t.Errorf("logs not oldest first:\n%s", out)
	}

	out = mustRunCLI(t, "logs", "--type", protocol.EvWorkerRegistered, "--json")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("filtered logs = %q", out)
	}
	var ev eventlog.Event
	decode(t, lines[0], &ev)
	if ev.Type != protocol.EvWorkerRegistered || ev.Source != protocol.SourceCoordinator {
		t.Errorf("event = %+v", ev)
	}

	out = mustRunCLI(t, "logs", "--session", "nope")
	if !strings.Contains(out, "no events found") {
		t.Errorf("unmatched filter output = %q", out)
	}
}

func TestLogsTail(t *testing.T) {
	setupHome(t)
	for i := 0; i < 5; i++ {
		mustRunCLI(t, "session", "create", "s")
	}
	out := mustRunCLI(t, "logs", "--tail", "2")
	if n := strings.Count(out, protocol.EvSessionCreated); n != 2 {
		t.Errorf("tail 2 printed %d events:\n%s", n, out)
	}
}

func TestLogsMissingDatabase(t *testing.T) {
	setupHome(t)
	if _, err := runCLI(t, "logs"); err == nil {
		t.Error("expected error when no state database exists")
	}
}

func TestFollowLogsPrintsNewEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := statedb.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Emit(ctx, protocol.Event{Type: "first", Source: "test"}); err != nil {
		t.Fatal(err)
	}

	r := eventlog.FromDB(db.SQL())
	var buf syncBuffer
	followCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- followLogs(followCtx, r, &buf, logsConfig{tail: 10}, 10*time.Millisecond)
	}()

	waitFor(t, func() bool { return strings.Contains(buf.String(), "first") }, 2*time.Second)
	if err := db.Emit(ctx, protocol.Event{Type: "second", Source: "test"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return strings.Contains(buf.String(), "second") }, 2*time.Second)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("followLogs: %v", err)
	}
	if n := strings.Count(buf.String(), "first"); n != 1 {
		t.Errorf("first printed %d times:\n%s", n, buf.String())
	}
}

func TestFormatEventJSON(t *testing.T) {
	var buf bytes.Buffer
	ev := eventlog.Event{ID: 7, Type: "task_assigned", Source: "coordinator", WorkerID: "w-1"}
	if err := formatEvent(&buf, &ev, true); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if got["worker_id"] != "w-1" || got["type"] != "task_assigned" {
		t.Errorf("json = %v", got)
	}
}
