package protocol

import (
	"context"
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a build session.
type SessionStatus string

// Session status constants.
const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionStatuses lists every session status in lifecycle order.
var SessionStatuses = []SessionStatus{ //nolint:gochecknoglobals // read-only enum table
	SessionCreated, SessionRunning, SessionPaused,
	SessionCompleted, SessionFailed, SessionCancelled,
}

// Terminal reports whether no further transition is allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	for _, v := range SessionStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// WorkerStatus is the state of a registered worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// WorkerStatuses lists every worker status.
var WorkerStatuses = []WorkerStatus{WorkerIdle, WorkerBusy, WorkerOffline, WorkerError} //nolint:gochecknoglobals // read-only enum table

// Live reports whether the worker still takes part in the pool (Idle or Busy).
// Offline and Error workers are never handed new work.
func (s WorkerStatus) Live() bool {
	return s == WorkerIdle || s == WorkerBusy
}

// Valid reports whether s is a known status.
func (s WorkerStatus) Valid() bool {
	for _, v := range WorkerStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Session is a unit of parallel work that owns a disjoint set of locked files.
//
// CompletedTasks is caller-reported and may exceed TotalTasks.
type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Status           SessionStatus `json:"status"`
	TotalTasks       int           `json:"total_tasks"`
	CompletedTasks   int           `json:"completed_tasks"`
	LockedFiles      []string      `json:"locked_files"`
	CreatedAt        time.Time     `json:"created_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	AssignedWorkerID string        `json:"assigned_worker_id,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-owned slices or timestamps.
func (s Session) Clone() Session {
	out := s
	if s.LockedFiles != nil {
		out.LockedFiles = append([]string(nil), s.LockedFiles...)
	}
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	return out
}

// Worker is an executor slot. At most one task is assigned at a time.
type Worker struct {
	ID            string         `json:"id"`
	Status        WorkerStatus   `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	CurrentTaskID string         `json:"current_task_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at"`
}

// Clone returns a copy with its own metadata map.
func (w Worker) Clone() Worker {
	out := w
	if w.Metadata != nil {
		out.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Assignment is the coordinator's ephemeral record of a task handed to a worker.
type Assignment struct {
	TaskID     string          `json:"task_id"`
	SessionID  string          `json:"session_id"`
	WorkerID   string          `json:"worker_id"`
	TaskData   json.RawMessage `json:"task_data,omitempty"`
	AssignedAt time.Time       `json:"assigned_at"`
}

// StaleWorker is a worker the health sweep just moved to Offline. TaskID is the
// in-flight task the caller must requeue, empty if the worker was Idle.
type StaleWorker struct {
	WorkerID  string `json:"worker_id"`
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Event is one row of the durable audit trail.
type Event struct {
	Type      string
	Source    string
	SessionID string
	WorkerID  string
	Payload   string
}

// EventSink receives audit events. Implementations must not block for long;
// emitters log and drop sink errors.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(context.Context, Event) error { return nil }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
