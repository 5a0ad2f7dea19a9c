package session //nolint:testpackage // white-box test shares helpers with store_test.go

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"loom/pkg/protocol"
)

func TestLockConflictNamesOwner(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s1, _ := s.Create(ctx, "S1", 1)
	s2, _ := s.Create(ctx, "S2", 1)

	if _, err := s.LockFiles(ctx, s1.ID, []string{"a.txt", "b.txt"}); err != nil {
		t.Fatalf("S1 lock: %v", err)
	}

	_, err := s.LockFiles(ctx, s2.ID, []string{"b.txt", "c.txt"})
	var lce *protocol.LockConflictError
	if !errors.As(err, &lce) {
		t.Fatalf("expected LockConflictError, got %v", err)
	}
	if lce.Owner != s1.ID {
		t.Errorf("conflict owner = %s, want %s", lce.Owner, s1.ID)
	}
	if !reflect.DeepEqual(lce.Paths, []string{"b.txt"}) {
		t.Errorf("conflict paths = %v, want [b.txt]", lce.Paths)
	}
	if !errors.Is(err, protocol.ErrLockConflict) {
		t.Error("errors.Is(err, ErrLockConflict) = false")
	}

	// All-or-nothing: c.txt was not granted.
	if owner, ok := s.LockOwner("c.txt"); ok {
		t.Errorf("c.txt locked by %s after failed batch", owner)
	}
	got, _ := s.Get(s2.ID)
	if len(got.LockedFiles) != 0 {
		t.Errorf("S2 locked_files = %v, want empty", got.LockedFiles)
	}
}

func TestLockFilesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	sess, _ := s.Create(ctx, "S1", 1)

	if _, err := s.LockFiles(ctx, sess.ID, []string{"a.txt"}); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	got, err := s.LockFiles(ctx, sess.ID, []string{"a.txt", "./a.txt", "b.txt"})
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if !reflect.DeepEqual(got.LockedFiles, []string{"a.txt", "b.txt"}) {
		t.Errorf("locked_files = %v, want [a.txt b.txt]", got.LockedFiles)
	}
}

func TestLockFilesNormalizesPaths(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s1, _ := s.Create(ctx, "S1", 1)
	s2, _ := s.Create(ctx, "S2", 1)

	if _, err := s.LockFiles(ctx, s1.ID, []string{"src/./pkg/../main.go"}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if owner, ok := s.LockOwner("src/main.go"); !ok || owner != s1.ID {
		t.Errorf("LockOwner(src/main.go) = %q, %v", owner, ok)
	}
	if _, err := s.LockFiles(ctx, s2.ID, []string{" src/main.go "}); !errors.Is(err, protocol.ErrLockConflict) {
		t.Errorf("expected conflict on equivalent path, got %v", err)
	}
}

func TestLockFilesRejectsEmptyPath(t *testing.T) {
	s, _ := newTestStore(t)
	sess, _ := s.Create(context.Background(), "S1", 1)
	_, err := s.LockFiles(context.Background(), sess.ID, []string{"a.txt", "  "})
	if !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}
	if _, ok := s.LockOwner("a.txt"); ok {
		t.Error("a.txt locked despite invalid batch")
	}
}

func TestLockFilesTerminalSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	done, _ := s.Create(ctx, "done", 1)
	if _, err := s.LockFiles(ctx, done.ID, []string{"held.txt"}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := s.Cancel(ctx, done.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := s.LockFiles(ctx, done.ID, []string{"new.txt"}); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Errorf("terminal session lock: expected InvalidTransition, got %v", err)
	}

	// Locks of terminal sessions persist until explicitly released.
	other, _ := s.Create(ctx, "other", 1)
	if _, err := s.LockFiles(ctx, other.ID, []string{"held.txt"}); !errors.Is(err, protocol.ErrLockConflict) {
		t.Errorf("expected conflict with terminal owner, got %v", err)
	}
	if _, err := s.UnlockFiles(ctx, done.ID, nil); err != nil {
		t.Fatalf("UnlockFiles: %v", err)
	}
	if _, err := s.LockFiles(ctx, other.ID, []string{"held.txt"}); err != nil {
		t.Errorf("lock after release: %v", err)
	}
}

func TestLockFilesUnknownSession(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.LockFiles(context.Background(), "nope", []string{"a"}); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := s.UnlockFiles(context.Background(), "nope", nil); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestUnlockFiles(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s1, _ := s.Create(ctx, "S1", 1)
	s2, _ := s.Create(ctx, "S2", 1)
	if _, err := s.LockFiles(ctx, s1.ID, []string{"a.txt", "b.txt", "c.txt"}); err != nil {
		t.Fatalf("lock S1: %v", err)
	}
	if _, err := s.LockFiles(ctx, s2.ID, []string{"d.txt"}); err != nil {
		t.Fatalf("lock S2: %v", err)
	}

	t.Run("paths not held are a no-op", func(t *testing.T) {
		released, err := s.UnlockFiles(ctx, s1.ID, []string{"d.txt", "zzz.txt"})
		if err != nil {
			t.Fatalf("UnlockFiles: %v", err)
		}
		if len(released) != 0 {
			t.Errorf("released = %v, want none", released)
		}
		if owner, _ := s.LockOwner("d.txt"); owner != s2.ID {
			t.Errorf("d.txt owner = %q, want %q", owner, s2.ID)
		}
	})

	t.Run("explicit subset", func(t *testing.T) {
		released, err := s.UnlockFiles(ctx, s1.ID, []string{"b.txt"})
		if err != nil {
			t.Fatalf("UnlockFiles: %v", err)
		}
		if !reflect.DeepEqual(released, []string{"b.txt"}) {
			t.Errorf("released = %v, want [b.txt]", released)
		}
		got, _ := s.Get(s1.ID)
		if !reflect.DeepEqual(got.LockedFiles, []string{"a.txt", "c.txt"}) {
			t.Errorf("locked_files = %v, want [a.txt c.txt]", got.LockedFiles)
		}
	})

	t.Run("empty list releases everything", func(t *testing.T) {
		released, err := s.UnlockFiles(ctx, s1.ID, nil)
		if err != nil {
			t.Fatalf("UnlockFiles: %v", err)
		}
		if !reflect.DeepEqual(released, []string{"a.txt", "c.txt"}) {
			t.Errorf("released = %v, want [a.txt c.txt]", released)
		}
		locks := s.Locks()
		if !reflect.DeepEqual(locks, map[string]string{"d.txt": s2.ID}) {
			t.Errorf("registry = %v, want only d.txt", locks)
		}
	})
}

// TestLockRace checks that concurrent lock attempts on one path grant it to
// exactly one session.
func TestLockRace(t *testing.T) {
	ctx := context.Background()
	s := New()
	const n = 32

	ids := make([]string, n)
	for i := range ids {
		sess, err := s.Create(ctx, "racer", 1)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids[i] = sess.ID
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := s.LockFiles(ctx, id, []string{"shared.go", id + ".go"})
			if err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			if !errors.Is(err, protocol.ErrLockConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("%d sessions acquired shared.go, want exactly 1", len(winners))
	}
	locks := s.Locks()
	if locks["shared.go"] != winners[0] {
		t.Errorf("shared.go owner = %s, want %s", locks["shared.go"], winners[0])
	}
	if len(locks) != 2 {
		t.Errorf("registry has %d entries, want 2 (losers must not hold partial locks)", len(locks))
	}
}
