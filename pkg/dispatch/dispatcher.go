// Package dispatch is the task source that sits in front of the coordinator.
// It keeps the queue of tasks not yet assigned, retries assignment after
// backpressure, hands assigned tasks to a Runtime, and puts the tasks of
// workers reported stale by the health sweep back at the head of the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/pkg/coordinator"
	"loom/pkg/protocol"

	"github.com/google/uuid"
)

// Task is one unit of work for a session.
type Task struct {
	ID        string          `json:"id" yaml:"id"`
	SessionID string          `json:"session_id" yaml:"session_id"`
	Data      json.RawMessage `json:"data,omitempty" yaml:"-"`
	// Attempts counts how many times the task has been handed to a worker.
	Attempts int `json:"attempts" yaml:"-"`
}

// Assigner is the coordinator surface the dispatcher drives.
type Assigner interface {
	AssignTask(ctx context.Context, taskID string, taskData json.RawMessage, sessionID string) (string, bool, error)
	CompleteTask(ctx context.Context, workerID, taskID string, success bool) (protocol.Assignment, error)
}

// Progress records finished tasks against their session.
type Progress interface {
	Get(id string) (protocol.Session, error)
	UpdateProgress(ctx context.Context, id string, completed int) (protocol.Session, error)
}

// Runtime executes an assigned task. Run blocks until the work ends; a nil
// error counts as success.
type Runtime interface {
	Run(ctx context.Context, workerID string, t Task) error
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, workerID string, t Task) error

// Run implements Runtime.
func (f RuntimeFunc) Run(ctx context.Context, workerID string, t Task) error { return f(ctx, workerID, t) }

type inflight struct {
	task     Task
	workerID string
}

// Dispatcher queues tasks and feeds them to the coordinator. It implements
// aggregate.TaskCounter.
type Dispatcher struct {
	mu        sync.Mutex
	queue     []Task
	running   map[string]inflight // task id -> holder
	completed int
	failed    int

	// progressMu serializes read-modify-write of session progress.
	progressMu sync.Mutex

	assigner    Assigner
	progress    Progress
	runtime     Runtime
	sink        protocol.EventSink
	logger      *slog.Logger
	maxAttempts int
	wg          sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProgress makes successful tasks advance their session's completed_tasks.
func WithProgress(p Progress) Option { return func(d *Dispatcher) { d.progress = p } }

// WithEventSink sends audit events to sink.
func WithEventSink(sink protocol.EventSink) Option { return func(d *Dispatcher) { d.sink = sink } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMaxAttempts requeues a failed task until it has run n times. The default
// of 1 never retries.
func WithMaxAttempts(n int) Option { return func(d *Dispatcher) { d.maxAttempts = n } }

// New creates a Dispatcher. rt may be nil when tasks are run out of process and
// reported back through Finish.
func New(a Assigner, rt Runtime, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		running:     make(map[string]inflight),
		assigner:    a,
		runtime:     rt,
		sink:        protocol.NopSink{},
		logger:      slog.Default(),
		maxAttempts: 1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxAttempts < 1 {
		d.maxAttempts = 1
	}
	return d
}

// Submit appends a task to the queue, generating an id when empty.
func (d *Dispatcher) Submit(t Task) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	d.mu.Lock()
	d.queue = append(d.queue, t)
	d.mu.Unlock()
	return t
}

// Pump assigns queued tasks in FIFO order until the queue is empty or the
// coordinator reports backpressure, and returns how many were assigned. Tasks
// the coordinator rejects outright (unknown session, duplicate id) are dropped
// and counted as failed.
func (d *Dispatcher) Pump(ctx context.Context) int {
	assigned := 0
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return assigned
		}
		t := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		workerID, ok, err := d.assigner.AssignTask(ctx, t.ID, t.Data, t.SessionID)
		switch {
		case err != nil && errors.Is(err, coordinator.ErrTaskInFlight):
			d.logger.Warn("dropping duplicate task", "task_id", t.ID, "err", err)
			continue
		case err != nil && (errors.Is(err, protocol.ErrNotFound) || errors.Is(err, coordinator.ErrEmptyTaskID)):
			d.logger.Error("rejecting task", "task_id", t.ID, "session_id", t.SessionID, "err", err)
			d.mu.Lock()
			d.failed++
			d.mu.Unlock()
			continue
		case err != nil:
			// Persistence trouble: keep the task and retry on the next pump.
			d.logger.Error("assign task", "task_id", t.ID, "err", err)
			d.pushFront(t)
			return assigned
		case !ok:
			d.pushFront(t)
			return assigned
		}

		t.Attempts++
		d.mu.Lock()
		d.running[t.ID] = inflight{task: t, workerID: workerID}
		d.mu.Unlock()
		assigned++

		if d.runtime != nil {
			d.wg.Add(1)
			go func(workerID string, t Task) {
				defer d.wg.Done()
				err := d.runtime.Run(ctx, workerID, t)
				if err != nil {
					d.logger.Info("task failed", "task_id", t.ID, "worker_id", workerID, "err", err)
				}
				if ferr := d.Finish(ctx, workerID, t.ID, err == nil); ferr != nil {
					d.logger.Warn("finish task", "task_id", t.ID, "worker_id", workerID, "err", ferr)
				}
			}(workerID, t)
		}
	}
}

// Finish reports the end of a task run by workerID. A report for a task that
// has since been requeued elsewhere is ignored. Success advances the session's
// progress; failure requeues the task while attempts remain, otherwise it is
// counted as failed. A task whose completion cannot be recorded is counted as
// failed.
func (d *Dispatcher) Finish(ctx context.Context, workerID, taskID string, success bool) error {
	d.mu.Lock()
	cur, ok := d.running[taskID]
	if !ok || cur.workerID != workerID {
		d.mu.Unlock()
		d.logger.Debug("ignoring stale completion", "task_id", taskID, "worker_id", workerID)
		return nil
	}
	delete(d.running, taskID)
	d.mu.Unlock()

	if _, err := d.assigner.CompleteTask(ctx, workerID, taskID, success); err != nil && !errors.Is(err, protocol.ErrNotFound) {
		// The worker still holds the task id, so it cannot be reassigned.
		d.mu.Lock()
		d.failed++
		d.mu.Unlock()
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}

	if !success {
		d.mu.Lock()
		retry := cur.task.Attempts < d.maxAttempts
		if retry {
			d.queue = append(d.queue, cur.task)
		} else {
			d.failed++
		}
		d.mu.Unlock()
		if retry {
			d.emit(ctx, protocol.EvTaskRequeued, cur.task, workerID, "failed")
		}
		return nil
	}

	d.mu.Lock()
	d.completed++
	d.mu.Unlock()
	if d.progress == nil {
		return nil
	}
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	sess, err := d.progress.Get(cur.task.SessionID)
	if err != nil {
		return fmt.Errorf("progress for %s: %w", taskID, err)
	}
	if _, err := d.progress.UpdateProgress(ctx, sess.ID, sess.CompletedTasks+1); err != nil {
		return fmt.Errorf("progress for %s: %w", taskID, err)
	}
	return nil
}

// Requeue puts the in-flight tasks of stale workers back at the head of the
// queue. Pass it as the onStale callback of coordinator.Run.
func (d *Dispatcher) Requeue(stale []protocol.StaleWorker) {
	ctx := context.Background()
	for _, sw := range stale {
		if sw.TaskID == "" {
			continue
		}
		d.mu.Lock()
		cur, ok := d.running[sw.TaskID]
		if !ok || cur.workerID != sw.WorkerID {
			d.mu.Unlock()
			continue
		}
		delete(d.running, sw.TaskID)
		d.queue = append([]Task{cur.task}, d.queue...)
		d.mu.Unlock()

		d.logger.Info("requeued task of stale worker", "task_id", sw.TaskID, "worker_id", sw.WorkerID)
		d.emit(ctx, protocol.EvTaskRequeued, cur.task, sw.WorkerID, "worker_offline")
	}
}

// Run pumps the queue every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.Pump(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Pump(ctx)
		}
	}
}

// Wait blocks until every task started by Pump has returned from the Runtime.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Done reports whether nothing is queued or in flight.
func (d *Dispatcher) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) == 0 && len(d.running) == 0
}

// Queued returns the number of tasks waiting for a worker.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Failed returns the number of tasks that failed for good.
func (d *Dispatcher) Failed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// Completed returns the number of tasks that succeeded.
func (d *Dispatcher) Completed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// InFlight returns the number of tasks currently held by workers.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) pushFront(t Task) {
	d.mu.Lock()
	d.queue = append([]Task{t}, d.queue...)
	d.mu.Unlock()
}

func (d *Dispatcher) emit(ctx context.Context, evType string, t Task, workerID, reason string) {
	data, _ := json.Marshal(map[string]any{"task_id": t.ID, "reason": reason, "attempts": t.Attempts})
	err := d.sink.Emit(ctx, protocol.Event{
		Type:      evType,
		Source:    protocol.SourceDispatcher,
		SessionID: t.SessionID,
		WorkerID:  workerID,
		Payload:   string(data),
	})
	if err != nil {
		d.logger.Warn("emit event", "type", evType, "task_id", t.ID, "err", err)
	}
}
