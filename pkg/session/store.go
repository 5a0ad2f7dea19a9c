// Package session owns build sessions and the locked-file registry. It is the
// source of truth for which session holds which file.
//
// Every public method is safe for concurrent use. A single mutex guards the
// in-memory maps for the whole of each operation, including the durable write,
// so no caller ever observes a partially applied lock batch. Changes are only
// committed to memory after the Persister accepts them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"loom/pkg/protocol"

	"github.com/google/uuid"
)

// Persister is the durable layer behind a Store. SaveSession must replace the
// stored locked-file set with s.LockedFiles.
type Persister interface {
	SaveSession(ctx context.Context, s protocol.Session) error
	DeleteSession(ctx context.Context, id string) error
	LoadSessions(ctx context.Context) ([]protocol.Session, error)
}

// Store manages sessions and the path -> session lock registry.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*protocol.Session
	locks    map[string]string // normalized path -> owning session id

	persist Persister
	sink    protocol.EventSink
	logger  *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithPersister makes every mutation durable through p.
func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }

// WithEventSink sends audit events to sink.
func WithEventSink(sink protocol.EventSink) Option { return func(s *Store) { s.sink = sink } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.nowFunc = now } }

// WithIDFunc overrides session id generation.
func WithIDFunc(f func() string) Option { return func(s *Store) { s.newID = f } }

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*protocol.Session),
		locks:    make(map[string]string),
		sink:     protocol.NopSink{},
		logger:   slog.Default(),
		nowFunc:  time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a Store and restores it from p. Records with an unknown status
// or a path already claimed by an earlier record are skipped and logged.
func Open(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	s := New(append(opts, WithPersister(p))...)
	loaded, err := p.LoadSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for i := range loaded {
		sess := loaded[i].Clone()
		if sess.ID == "" || !sess.Status.Valid() {
			s.logger.Warn("skipping unreadable session record", "session_id", sess.ID, "status", sess.Status)
			continue
		}
		kept := sess.LockedFiles[:0]
		for _, path := range sess.LockedFiles {
			if owner, taken := s.locks[path]; taken {
				s.logger.Warn("skipping duplicate lock record", "path", path, "session_id", sess.ID, "owner", owner)
				continue
			}
			s.locks[path] = sess.ID
			kept = append(kept, path)
		}
		sess.LockedFiles = kept
		s.sessions[sess.ID] = &sess
	}
	return s, nil
}

// Create allocates a new session in the Created state. A negative totalTasks is
// stored as zero.
func (s *Store) Create(ctx context.Context, name string, totalTasks int) (protocol.Session, error) {
	if totalTasks < 0 {
		totalTasks = 0
	}
	s.mu.Lock()
	sess := protocol.Session{
		ID:          s.newID(),
		Name:        name,
		Status:      protocol.SessionCreated,
		TotalTasks:  totalTasks,
		LockedFiles: []string{},
		CreatedAt:   s.nowFunc(),
	}
	if err := s.save(ctx, sess); err != nil {
		s.mu.Unlock()
		return protocol.Session{}, err
	}
	s.sessions[sess.ID] = &sess
	out := sess.Clone()
	s.mu.Unlock()

	s.emit(ctx, protocol.EvSessionCreated, sess.ID, jsonPayload(map[string]any{"name": name, "total_tasks": totalTasks}))
	return out, nil
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (protocol.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return protocol.Session{}, &protocol.NotFoundError{Kind: protocol.KindSession, ID: id}
	}
	return sess.Clone(), nil
}

// List returns copies of all sessions, oldest first.
func (s *Store) List() []protocol.Session {
	s.mu.Lock()
	out := make([]protocol.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// --- Lifecycle ---

// Start moves a Created or Paused session to Running. started_at is recorded on
// the first start only. A non-empty workerID is recorded as the owning worker.
func (s *Store) Start(ctx context.Context, id, workerID string) (protocol.Session, error) {
	return s.transition(ctx, id, protocol.SessionRunning,
		func(from protocol.SessionStatus) bool {
			return from == protocol.SessionCreated || from == protocol.SessionPaused
		},
		func(sess *protocol.Session, now time.Time) {
			if sess.StartedAt == nil {
				sess.StartedAt = &now
			}
			if workerID != "" {
				sess.AssignedWorkerID = workerID
			}
		})
}

// Resume moves a Paused session back to Running.
func (s *Store) Resume(ctx context.Context, id string) (protocol.Session, error) {
	return s.transition(ctx, id, protocol.SessionRunning,
		func(from protocol.SessionStatus) bool { return from == protocol.SessionPaused },
		nil)
}

// Pause moves a Running session to Paused.
func (s *Store) Pause(ctx context.Context, id string) (protocol.Session, error) {
	return s.transition(ctx, id, protocol.SessionPaused,
		func(from protocol.SessionStatus) bool { return from == protocol.SessionRunning },
		nil)
}

// Complete moves a Running or Paused session to Completed. Locked files are
// kept until UnlockFiles is called.
func (s *Store) Complete(ctx context.Context, id string) (protocol.Session, error) {
	return s.finish(ctx, id, protocol.SessionCompleted, activeOnly)
}

// Fail moves a Running or Paused session to Failed. Locked files are kept.
func (s *Store) Fail(ctx context.Context, id string) (protocol.Session, error) {
	return s.finish(ctx, id, protocol.SessionFailed, activeOnly)
}

// Cancel moves any non-terminal session to Cancelled. Locked files are kept and
// in-flight work is not stopped; the caller propagates cancellation.
func (s *Store) Cancel(ctx context.Context, id string) (protocol.Session, error) {
	return s.finish(ctx, id, protocol.SessionCancelled, func(from protocol.SessionStatus) bool {
		return !from.Terminal()
	})
}

// UpdateProgress overwrites completed_tasks. The value is not checked against
// total_tasks or the previous value; callers may over-report or correct downward.
func (s *Store) UpdateProgress(ctx context.Context, id string, completed int) (protocol.Session, error) {
	s.mu.Lock()
	cur, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return protocol.Session{}, &protocol.NotFoundError{Kind: protocol.KindSession, ID: id}
	}
	next := cur.Clone()
	next.CompletedTasks = completed
	if err := s.save(ctx, next); err != nil {
		s.mu.Unlock()
		return protocol.Session{}, err
	}
	s.sessions[id] = &next
	out := next.Clone()
	s.mu.Unlock()

	s.emit(ctx, protocol.EvSessionProgress, id, jsonPayload(map[string]any{"completed_tasks": completed}))
	return out, nil
}

// Cleanup removes terminal sessions that finished more than maxAge ago, along
// with any locks they still hold. It returns the removed ids.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	now := s.nowFunc()
	var removed []string
	for id, sess := range s.sessions {
		if !sess.Status.Terminal() || sess.CompletedAt == nil || now.Sub(*sess.CompletedAt) <= maxAge {
			continue
		}
		if s.persist != nil {
			if err := s.persist.DeleteSession(ctx, id); err != nil {
				s.mu.Unlock()
				sort.Strings(removed)
				return removed, fmt.Errorf("delete session %s: %w", id, err)
			}
		}
		for _, path := range sess.LockedFiles {
			if s.locks[path] == id {
				delete(s.locks, path)
			}
		}
		delete(s.sessions, id)
		removed = append(removed, id)
	}
	s.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		s.emit(ctx, protocol.EvSessionRemoved, id, "")
	}
	return removed, nil
}

func activeOnly(from protocol.SessionStatus) bool {
	return from == protocol.SessionRunning || from == protocol.SessionPaused
}

// finish applies a terminal transition and stamps completed_at.
func (s *Store) finish(ctx context.Context, id string, to protocol.SessionStatus, allowed func(protocol.SessionStatus) bool) (protocol.Session, error) {
	return s.transition(ctx, id, to, allowed, func(sess *protocol.Session, now time.Time) {
		sess.CompletedAt = &now
	})
}

// transition checks the edge from the current status to `to`, applies mutate
// on a copy, persists it and only then commits it.
func (s *Store) transition(
	ctx context.Context,
	id string,
	to protocol.SessionStatus,
	allowed func(from protocol.SessionStatus) bool,
	mutate func(sess *protocol.Session, now time.Time),
) (protocol.Session, error) {
	s.mu.Lock()
	cur, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return protocol.Session{}, &protocol.NotFoundError{Kind: protocol.KindSession, ID: id}
	}
	from := cur.Status
	if !allowed(from) {
		s.mu.Unlock()
		return protocol.Session{}, &protocol.InvalidTransitionError{
			Kind: protocol.KindSession, ID: id, From: string(from), To: string(to),
		}
	}

	next := cur.Clone()
	next.Status = to
	if mutate != nil {
		mutate(&next, s.nowFunc())
	}
	if err := s.save(ctx, next); err != nil {
		s.mu.Unlock()
		return protocol.Session{}, err
	}
	s.sessions[id] = &next
	out := next.Clone()
	s.mu.Unlock()

	s.logger.Debug("session transition", "session_id", id, "from", from, "to", to)
	s.emit(ctx, protocol.EvSessionTransition, id, jsonPayload(map[string]any{"from": from, "to": to}))
	return out, nil
}

// save writes sess through the persister. Caller must hold s.mu.
func (s *Store) save(ctx context.Context, sess protocol.Session) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// emit records an audit event. Sink failures are logged and dropped.
func (s *Store) emit(ctx context.Context, evType, sessionID, payload string) {
	err := s.sink.Emit(ctx, protocol.Event{
		Type:      evType,
		Source:    protocol.SourceSessions,
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil {
		s.logger.Warn("emit event", "type", evType, "session_id", sessionID, "err", err)
	}
}

// jsonPayload renders an event payload; marshal errors yield an empty payload.
func jsonPayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
