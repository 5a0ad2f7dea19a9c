package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrLockConflict      = errors.New("lock conflict")
)

// Entity kinds used in NotFoundError and InvalidTransitionError.
const (
	KindSession    = "session"
	KindWorker     = "worker"
	KindAssignment = "assignment"
)

// NotFoundError reports an unknown session, worker or assignment id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError reports a state-machine violation. State is left unchanged.
type InvalidTransitionError struct {
	Kind string
	ID   string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Kind, e.ID, e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// LockConflictError reports paths already held by other sessions. Nothing was locked.
//
// Owner is the owner of the first conflicting path (Paths is sorted); Owners
// maps every conflicting path to its owning session.
type LockConflictError struct {
	SessionID string
	Owner     string
	Paths     []string
	Owners    map[string]string
}

// NewLockConflictError builds a conflict from a path -> owner map.
func NewLockConflictError(sessionID string, owners map[string]string) *LockConflictError {
	paths := make([]string, 0, len(owners))
	for p := range owners {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	e := &LockConflictError{SessionID: sessionID, Paths: paths, Owners: owners}
	if len(paths) > 0 {
		e.Owner = owners[paths[0]]
	}
	return e
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("session %s: %d path(s) held by session %s: %s",
		e.SessionID, len(e.Paths), e.Owner, strings.Join(e.Paths, ", "))
}

// Is lets errors.Is(err, ErrLockConflict) match.
func (e *LockConflictError) Is(target error) bool { return target == ErrLockConflict }
