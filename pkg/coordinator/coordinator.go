// Package coordinator tracks the worker pool: registration, heartbeats, task
// assignment and the health sweep that reclassifies silent workers as Offline.
//
// The Coordinator owns no task queue. AssignTask reports backpressure with
// ok=false, and CheckWorkerHealth hands stale (worker, task) pairs back to the
// caller, which is responsible for retrying and requeuing.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"loom/pkg/health"
	"loom/pkg/protocol"

	"github.com/google/uuid"
)

// ErrEmptyTaskID is returned by AssignTask when taskID is blank.
var ErrEmptyTaskID = errors.New("empty task id")

// ErrTaskInFlight is returned by AssignTask when the task is already held by a worker.
var ErrTaskInFlight = errors.New("task already assigned")

// Persister is the durable layer behind a Coordinator.
type Persister interface {
	SaveWorker(ctx context.Context, w protocol.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	LoadWorkers(ctx context.Context) ([]protocol.Worker, error)
}

// SessionLookup validates that a session exists. *session.Store satisfies it.
type SessionLookup interface {
	Get(id string) (protocol.Session, error)
}

// entry is the coordinator's private view of one worker.
type entry struct {
	w          protocol.Worker
	assignment *protocol.Assignment
	idleSince  time.Time
	seq        uint64 // registration order, tie-breaker for selection
}

// Coordinator is the worker registry. All methods are safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	workers map[string]*entry
	tasks   map[string]string // in-flight task id -> worker id
	seq     uint64

	sessions SessionLookup
	persist  Persister
	sink     protocol.EventSink
	logger   *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	newID   func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSessions makes AssignTask reject unknown session ids.
func WithSessions(l SessionLookup) Option { return func(c *Coordinator) { c.sessions = l } }

// WithPersister makes worker changes durable through p.
func WithPersister(p Persister) Option { return func(c *Coordinator) { c.persist = p } }

// WithEventSink sends audit events to sink.
func WithEventSink(sink protocol.EventSink) Option { return func(c *Coordinator) { c.sink = sink } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.nowFunc = now } }

// WithIDFunc overrides worker id generation.
func WithIDFunc(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

// New creates a Coordinator with an empty pool.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		workers: make(map[string]*entry),
		tasks:   make(map[string]string),
		sink:    protocol.NopSink{},
		logger:  slog.Default(),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open creates a Coordinator and restores the pool from p. Records with an
// unknown status are skipped. A restored Busy worker keeps its task id, but
// the task payload and session are not durable.
func Open(ctx context.Context, p Persister, opts ...Option) (*Coordinator, error) {
	c := New(append(opts, WithPersister(p))...)
	loaded, err := p.LoadWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].RegisteredAt.Before(loaded[j].RegisteredAt)
	})
	for _, w := range loaded {
		if w.ID == "" || !w.Status.Valid() {
			c.logger.Warn("skipping unreadable worker record", "worker_id", w.ID, "status", w.Status)
			continue
		}
		c.seq++
		e := &entry{w: w.Clone(), idleSince: w.LastHeartbeat, seq: c.seq}
		if w.Status == protocol.WorkerBusy && w.CurrentTaskID != "" {
			if other, dup := c.tasks[w.CurrentTaskID]; dup {
				c.logger.Warn("task held by two worker records", "task_id", w.CurrentTaskID, "worker_id", w.ID, "other", other)
			} else {
				c.tasks[w.CurrentTaskID] = w.ID
				e.assignment = &protocol.Assignment{TaskID: w.CurrentTaskID, WorkerID: w.ID}
			}
		}
		c.workers[w.ID] = e
	}
	return c, nil
}

// Register adds an Idle worker with the given metadata.
func (c *Coordinator) Register(ctx context.Context, metadata map[string]any) (protocol.Worker, error) {
	c.mu.Lock()
	w, err := c.registerLocked(ctx, metadata)
	c.mu.Unlock()
	if err != nil {
		return protocol.Worker{}, err
	}
	c.emit(ctx, protocol.EvWorkerRegistered, w.ID, "", jsonPayload(w.Metadata))
	return w, nil
}

func (c *Coordinator) registerLocked(ctx context.Context, metadata map[string]any) (protocol.Worker, error) {
	now := c.nowFunc()
	w := protocol.Worker{
		ID:            c.newID(),
		Status:        protocol.WorkerIdle,
		LastHeartbeat: now,
		Metadata:      metadata,
		RegisteredAt:  now,
	}
	w = w.Clone()
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}
	if err := c.save(ctx, w); err != nil {
		return protocol.Worker{}, err
	}
	c.seq++
	c.workers[w.ID] = &entry{w: w, idleSince: now, seq: c.seq}
	return w.Clone(), nil
}

// Heartbeat records that the worker is alive. An unknown worker, or one the
// sweep already moved to Offline or Error, is logged and ignored: it must
// register again. ok reports whether the heartbeat was applied; err is only set
// when the durable write fails.
func (c *Coordinator) Heartbeat(ctx context.Context, id string) (w protocol.Worker, ok bool, err error) {
	c.mu.Lock()
	e, found := c.workers[id]
	if !found || !e.w.Status.Live() {
		status := protocol.WorkerStatus("")
		if found {
			status = e.w.Status
		}
		c.mu.Unlock()
		c.logger.Warn("heartbeat from unknown or retired worker", "worker_id", id, "status", status)
		c.emit(ctx, protocol.EvHeartbeatUnknown, id, "", jsonPayload(map[string]any{"status": status}))
		return protocol.Worker{}, false, nil
	}
	next := e.w.Clone()
	next.LastHeartbeat = c.nowFunc()
	if err := c.save(ctx, next); err != nil {
		c.mu.Unlock()
		return protocol.Worker{}, false, err
	}
	e.w = next
	out := next.Clone()
	c.mu.Unlock()
	return out, true, nil
}

// AssignTask hands taskID to the least recently used Idle worker and returns
// its id. When no worker is Idle it returns ok=false with a nil error; the
// caller keeps the task and retries later.
func (c *Coordinator) AssignTask(ctx context.Context, taskID string, taskData json.RawMessage, sessionID string) (workerID string, ok bool, err error) {
	if taskID == "" {
		return "", false, ErrEmptyTaskID
	}
	if c.sessions != nil {
		if _, err := c.sessions.Get(sessionID); err != nil {
			return "", false, fmt.Errorf("assign task %s: %w", taskID, err)
		}
	}

	c.mu.Lock()
	if holder, busy := c.tasks[taskID]; busy {
		c.mu.Unlock()
		return "", false, fmt.Errorf("task %s held by worker %s: %w", taskID, holder, ErrTaskInFlight)
	}
	e := c.pickIdleLocked()
	if e == nil {
		c.mu.Unlock()
		return "", false, nil
	}
	now := c.nowFunc()
	next := e.w.Clone()
	next.Status = protocol.WorkerBusy
	next.CurrentTaskID = taskID
	if err := c.save(ctx, next); err != nil {
		c.mu.Unlock()
		return "", false, err
	}
	e.w = next
	e.assignment = &protocol.Assignment{
		TaskID:     taskID,
		SessionID:  sessionID,
		WorkerID:   next.ID,
		TaskData:   append(json.RawMessage(nil), taskData...),
		AssignedAt: now,
	}
	c.tasks[taskID] = next.ID
	c.mu.Unlock()

	c.logger.Debug("task assigned", "task_id", taskID, "worker_id", next.ID, "session_id", sessionID)
	c.emit(ctx, protocol.EvTaskAssigned, next.ID, sessionID, jsonPayload(map[string]any{"task_id": taskID}))
	return next.ID, true, nil
}

// pickIdleLocked returns the Idle worker that has been idle longest, breaking
// ties by registration order. Caller must hold c.mu.
func (c *Coordinator) pickIdleLocked() *entry {
	var best *entry
	for _, e := range c.workers {
		if e.w.Status != protocol.WorkerIdle {
			continue
		}
		if best == nil || e.idleSince.Before(best.idleSince) ||
			(e.idleSince.Equal(best.idleSince) && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// CompleteTask clears the worker's assignment and returns it to Idle whatever
// the value of success, which only feeds the audit trail. A non-empty taskID
// must match the worker's current task. A worker already Offline or Error
// keeps that status; only its assignment is cleared.
func (c *Coordinator) CompleteTask(ctx context.Context, workerID, taskID string, success bool) (protocol.Assignment, error) {
	c.mu.Lock()
	e, found := c.workers[workerID]
	if !found {
		c.mu.Unlock()
		return protocol.Assignment{}, &protocol.NotFoundError{Kind: protocol.KindWorker, ID: workerID}
	}
	if taskID != "" && e.w.CurrentTaskID != taskID {
		c.mu.Unlock()
		return protocol.Assignment{}, &protocol.NotFoundError{Kind: protocol.KindAssignment, ID: workerID + "/" + taskID}
	}
	var done protocol.Assignment
	if e.assignment != nil {
		done = *e.assignment
	}

	next := e.w.Clone()
	next.CurrentTaskID = ""
	if next.Status.Live() {
		next.Status = protocol.WorkerIdle
	}
	if err := c.save(ctx, next); err != nil {
		c.mu.Unlock()
		return protocol.Assignment{}, err
	}
	if e.w.CurrentTaskID != "" {
		delete(c.tasks, e.w.CurrentTaskID)
	}
	e.w = next
	e.assignment = nil
	e.idleSince = c.nowFunc()
	c.mu.Unlock()

	c.emit(ctx, protocol.EvTaskCompleted, workerID, done.SessionID,
		jsonPayload(map[string]any{"task_id": done.TaskID, "success": success}))
	return done, nil
}

// CheckWorkerHealth moves every Idle or Busy worker whose last heartbeat is
// more than timeout old to Offline and returns them, with the in-flight task
// of those that were Busy. Workers already Offline are not reported again.
// A worker whose durable write fails stays live and is retried on the next
// sweep; the write errors are joined into err.
func (c *Coordinator) CheckWorkerHealth(ctx context.Context, timeout time.Duration) ([]protocol.StaleWorker, error) {
	if timeout <= 0 {
		timeout = health.DefaultTimeout
	}
	now := c.nowFunc()

	c.mu.Lock()
	var (
		stale []protocol.StaleWorker
		errs  []error
	)
	for _, e := range c.sortedLocked() {
		if !e.w.Status.Live() || !health.Stale(e.w.LastHeartbeat, now, timeout) {
			continue
		}
		next := e.w.Clone()
		next.Status = protocol.WorkerOffline
		next.CurrentTaskID = ""
		if err := c.save(ctx, next); err != nil {
			errs = append(errs, err)
			continue
		}
		sw := protocol.StaleWorker{WorkerID: next.ID, TaskID: e.w.CurrentTaskID}
		if e.assignment != nil {
			sw.SessionID = e.assignment.SessionID
		}
		if sw.TaskID != "" {
			delete(c.tasks, sw.TaskID)
		}
		e.w = next
		e.assignment = nil
		stale = append(stale, sw)
	}
	c.mu.Unlock()

	for _, sw := range stale {
		c.logger.Info("worker offline", "worker_id", sw.WorkerID, "task_id", sw.TaskID)
		c.emit(ctx, protocol.EvWorkerOffline, sw.WorkerID, sw.SessionID, jsonPayload(map[string]any{"task_id": sw.TaskID}))
	}
	return stale, errors.Join(errs...)
}

// MarkError sets a self-reported malfunction. The worker is never assigned
// again; its in-flight assignment, if any, is returned for requeue.
func (c *Coordinator) MarkError(ctx context.Context, id, reason string) (protocol.Assignment, error) {
	c.mu.Lock()
	e, found := c.workers[id]
	if !found {
		c.mu.Unlock()
		return protocol.Assignment{}, &protocol.NotFoundError{Kind: protocol.KindWorker, ID: id}
	}
	var inflight protocol.Assignment
	if e.assignment != nil {
		inflight = *e.assignment
	}
	next := e.w.Clone()
	next.Status = protocol.WorkerError
	next.CurrentTaskID = ""
	if err := c.save(ctx, next); err != nil {
		c.mu.Unlock()
		return protocol.Assignment{}, err
	}
	if e.w.CurrentTaskID != "" {
		delete(c.tasks, e.w.CurrentTaskID)
	}
	e.w = next
	e.assignment = nil
	c.mu.Unlock()

	c.logger.Warn("worker error", "worker_id", id, "reason", reason)
	c.emit(ctx, protocol.EvWorkerError, id, inflight.SessionID,
		jsonPayload(map[string]any{"reason": reason, "task_id": inflight.TaskID}))
	return inflight, nil
}

// ScaleResult describes what Scale changed.
type ScaleResult struct {
	Added   []protocol.Worker `json:"added"`
	Removed []string          `json:"removed"`
	// Live is the number of Idle plus Busy workers after scaling. It exceeds the
	// target when too many workers are Busy to remove.
	Live int `json:"live"`
}

// Scale grows or shrinks the live pool (Idle plus Busy) towards target. Growing
// registers Idle workers. Shrinking unregisters Idle workers only, newest
// first, so the pool can stay above target while workers are Busy. Offline and
// Error workers are not counted and are left alone.
func (c *Coordinator) Scale(ctx context.Context, target int) (ScaleResult, error) {
	if target < 0 {
		return ScaleResult{}, fmt.Errorf("scale: negative target %d", target)
	}

	c.mu.Lock()
	var (
		res  ScaleResult
		idle []*entry
		live int
	)
	for _, e := range c.workers {
		if e.w.Status.Live() {
			live++
		}
		if e.w.Status == protocol.WorkerIdle {
			idle = append(idle, e)
		}
	}

	var err error
	for live < target {
		var w protocol.Worker
		w, err = c.registerLocked(ctx, map[string]any{"index": live})
		if err != nil {
			break
		}
		res.Added = append(res.Added, w)
		live++
	}

	sort.Slice(idle, func(i, j int) bool { return idle[i].seq > idle[j].seq })
	for _, e := range idle {
		if live <= target || err != nil {
			break
		}
		if err = c.remove(ctx, e.w.ID); err != nil {
			break
		}
		delete(c.workers, e.w.ID)
		res.Removed = append(res.Removed, e.w.ID)
		live--
	}
	res.Live = live
	c.mu.Unlock()

	for _, w := range res.Added {
		c.emit(ctx, protocol.EvWorkerRegistered, w.ID, "", jsonPayload(w.Metadata))
	}
	for _, id := range res.Removed {
		c.emit(ctx, protocol.EvWorkerUnregistered, id, "", "")
	}
	if err != nil {
		return res, fmt.Errorf("scale to %d: %w", target, err)
	}
	return res, nil
}

// Unregister removes a worker. An in-flight task is not requeued: explicit
// removal is assumed graceful, so the caller has already dealt with it.
func (c *Coordinator) Unregister(ctx context.Context, id string) error {
	c.mu.Lock()
	e, found := c.workers[id]
	if !found {
		c.mu.Unlock()
		return &protocol.NotFoundError{Kind: protocol.KindWorker, ID: id}
	}
	if err := c.remove(ctx, id); err != nil {
		c.mu.Unlock()
		return err
	}
	if e.w.CurrentTaskID != "" {
		delete(c.tasks, e.w.CurrentTaskID)
	}
	delete(c.workers, id)
	c.mu.Unlock()

	c.emit(ctx, protocol.EvWorkerUnregistered, id, "", jsonPayload(map[string]any{"task_id": e.w.CurrentTaskID}))
	return nil
}

// Get returns a copy of the worker.
func (c *Coordinator) Get(id string) (protocol.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.workers[id]
	if !ok {
		return protocol.Worker{}, &protocol.NotFoundError{Kind: protocol.KindWorker, ID: id}
	}
	return e.w.Clone(), nil
}

// List returns copies of all workers in registration order.
func (c *Coordinator) List() []protocol.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	sorted := c.sortedLocked()
	out := make([]protocol.Worker, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, e.w.Clone())
	}
	return out
}

// Assignment returns the worker's in-flight assignment.
func (c *Coordinator) Assignment(workerID string) (protocol.Assignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.workers[workerID]
	if !ok || e.assignment == nil {
		return protocol.Assignment{}, false
	}
	a := *e.assignment
	a.TaskData = append(json.RawMessage(nil), e.assignment.TaskData...)
	return a, true
}

// sortedLocked returns entries in registration order. Caller must hold c.mu.
func (c *Coordinator) sortedLocked() []*entry {
	out := make([]*entry, 0, len(c.workers))
	for _, e := range c.workers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// save writes w through the persister. Caller must hold c.mu.
func (c *Coordinator) save(ctx context.Context, w protocol.Worker) error {
	if c.persist == nil {
		return nil
	}
	if err := c.persist.SaveWorker(ctx, w); err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

// remove deletes the durable record. Caller must hold c.mu.
func (c *Coordinator) remove(ctx context.Context, id string) error {
	if c.persist == nil {
		return nil
	}
	if err := c.persist.DeleteWorker(ctx, id); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

func (c *Coordinator) emit(ctx context.Context, evType, workerID, sessionID, payload string) {
	err := c.sink.Emit(ctx, protocol.Event{
		Type:      evType,
		Source:    protocol.SourceCoordinator,
		SessionID: sessionID,
		WorkerID:  workerID,
		Payload:   payload,
	})
	if err != nil {
		c.logger.Warn("emit event", "type", evType, "worker_id", workerID, "err", err)
	}
}

func jsonPayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
