package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"loom/pkg/protocol"
)

// ErrEmptyPath is returned when a lock or unlock request contains a blank path.
var ErrEmptyPath = errors.New("empty path")

// NormalizePath cleans p and converts it to forward slashes so that "a/./b.txt"
// and "a/b.txt" name the same lock.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrEmptyPath
	}
	return filepath.ToSlash(filepath.Clean(p)), nil
}

// normalizeAll normalizes and de-duplicates paths, preserving first-seen order.
func normalizeAll(paths []string) ([]string, error) {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n, err := NormalizePath(p)
		if err != nil {
			return nil, fmt.Errorf("normalize %q: %w", p, err)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// LockFiles reserves every path for the session, or none of them. Paths the
// session already holds count as granted, so repeating a call is harmless. If
// any path belongs to another session the call fails with a
// *protocol.LockConflictError listing every conflicting path and its owner.
//
// Locks held by terminal sessions still conflict until they are unlocked or the
// session is cleaned up. Terminal sessions cannot take new locks.
func (s *Store) LockFiles(ctx context.Context, id string, paths []string) (protocol.Session, error) {
	norm, err := normalizeAll(paths)
	if err != nil {
		return protocol.Session{}, fmt.Errorf("lock files: %w", err)
	}

	s.mu.Lock()
	cur, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return protocol.Session{}, &protocol.NotFoundError{Kind: protocol.KindSession, ID: id}
	}
	if cur.Status.Terminal() {
		s.mu.Unlock()
		return protocol.Session{}, &protocol.InvalidTransitionError{
			Kind: protocol.KindSession, ID: id, From: string(cur.Status), To: "lock_files",
		}
	}

	conflicts := make(map[string]string)
	var fresh []string
	for _, p := range norm {
		owner, held := s.locks[p]
		switch {
		case !held:
			fresh = append(fresh, p)
		case owner != id:
			conflicts[p] = owner
		}
	}
	if len(conflicts) > 0 {
		s.mu.Unlock()
		conflictErr := protocol.NewLockConflictError(id, conflicts)
		s.logger.Info("lock conflict", "session_id", id, "owner", conflictErr.Owner, "paths", conflictErr.Paths)
		s.emit(ctx, protocol.EvLockConflict, id, jsonPayload(map[string]any{"owner": conflictErr.Owner, "paths": conflictErr.Paths}))
		return protocol.Session{}, conflictErr
	}
	if len(fresh) == 0 {
		out := cur.Clone()
		s.mu.Unlock()
		return out, nil
	}

	next := cur.Clone()
	next.LockedFiles = append(next.LockedFiles, fresh...)
	sort.Strings(next.LockedFiles)
	if err := s.save(ctx, next); err != nil {
		s.mu.Unlock()
		return protocol.Session{}, err
	}
	for _, p := range fresh {
		s.locks[p] = id
	}
	s.sessions[id] = &next
	out := next.Clone()
	s.mu.Unlock()

	s.emit(ctx, protocol.EvFilesLocked, id, jsonPayload(map[string]any{"paths": fresh}))
	return out, nil
}

// UnlockFiles releases the given paths, or every path the session holds when
// none are given. It works in any session status. Paths the session does not
// hold are ignored. It returns the paths actually released.
func (s *Store) UnlockFiles(ctx context.Context, id string, paths []string) ([]string, error) {
	norm, err := normalizeAll(paths)
	if err != nil {
		return nil, fmt.Errorf("unlock files: %w", err)
	}

	s.mu.Lock()
	cur, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, &protocol.NotFoundError{Kind: protocol.KindSession, ID: id}
	}

	release := make(map[string]bool)
	if len(norm) == 0 {
		for _, p := range cur.LockedFiles {
			release[p] = true
		}
	} else {
		for _, p := range norm {
			if s.locks[p] == id {
				release[p] = true
			}
		}
	}
	if len(release) == 0 {
		s.mu.Unlock()
		return []string{}, nil
	}

	next := cur.Clone()
	kept := make([]string, 0, len(next.LockedFiles))
	for _, p := range next.LockedFiles {
		if !release[p] {
			kept = append(kept, p)
		}
	}
	next.LockedFiles = kept
	if err := s.save(ctx, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	released := make([]string, 0, len(release))
	for p := range release {
		if s.locks[p] == id {
			delete(s.locks, p)
		}
		released = append(released, p)
	}
	s.sessions[id] = &next
	s.mu.Unlock()

	sort.Strings(released)
	s.emit(ctx, protocol.EvFilesUnlocked, id, jsonPayload(map[string]any{"paths": released}))
	return released, nil
}

// LockOwner returns the session holding path, if any.
func (s *Store) LockOwner(path string) (string, bool) {
	n, err := NormalizePath(path)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.locks[n]
	return owner, ok
}

// Locks returns a snapshot of the registry (path -> session id).
func (s *Store) Locks() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.locks))
	for p, id := range s.locks {
		out[p] = id
	}
	return out
}
