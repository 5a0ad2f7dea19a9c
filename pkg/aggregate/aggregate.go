// Package aggregate builds point-in-time summaries of the session store and
// worker pool for dashboards. It only reads.
//
// Task counts are taken as reported: completed work comes from each session's
// completed_tasks and failed/queued counts from an optional TaskCounter. The
// two sources are not reconciled against the coordinator's assignment history.
package aggregate

import (
	"sort"
	"time"

	"loom/pkg/protocol"
)

// SessionSource lists sessions. *session.Store satisfies it.
type SessionSource interface {
	List() []protocol.Session
}

// WorkerSource lists workers. *coordinator.Coordinator satisfies it.
type WorkerSource interface {
	List() []protocol.Worker
}

// TaskCounter supplies caller-maintained task counters. *dispatch.Dispatcher
// satisfies it.
type TaskCounter interface {
	Failed() int
	Queued() int
}

// WorkerStats counts workers by status.
type WorkerStats struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
	Error   int `json:"error"`
	// Utilization is Busy / Total as a percentage, 0 with no workers.
	Utilization float64 `json:"utilization"`
}

// SessionProgress is the per-session line of a summary.
type SessionProgress struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Status         protocol.SessionStatus `json:"status"`
	TotalTasks     int                    `json:"total_tasks"`
	CompletedTasks int                    `json:"completed_tasks"`
	// Percent is CompletedTasks / TotalTasks capped at 100, 0 when TotalTasks is 0.
	Percent     float64 `json:"percent"`
	LockedFiles int     `json:"locked_files"`
}

// TaskStats are the task counters of a summary.
type TaskStats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Queued    int `json:"queued"`
}

// Summary is one snapshot.
type Summary struct {
	GeneratedAt time.Time                      `json:"generated_at"`
	Workers     WorkerStats                    `json:"workers"`
	Sessions    map[protocol.SessionStatus]int `json:"sessions"`
	// Active lists non-terminal sessions, oldest first.
	Active []SessionProgress `json:"active"`
	Tasks  TaskStats         `json:"tasks"`
}

// Aggregator combines the sources into summaries.
type Aggregator struct {
	sessions SessionSource
	workers  WorkerSource
	counter  TaskCounter

	nowFunc func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTaskCounter sets the source of failed and queued counts.
func WithTaskCounter(tc TaskCounter) Option { return func(a *Aggregator) { a.counter = tc } }

// WithClock overrides time.Now for GeneratedAt.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.nowFunc = now } }

// New creates an Aggregator.
func New(sessions SessionSource, workers WorkerSource, opts ...Option) *Aggregator {
	a := &Aggregator{sessions: sessions, workers: workers, nowFunc: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Summary reads both sources once and returns the snapshot.
func (a *Aggregator) Summary() Summary {
	return Build(a.sessions.List(), a.workers.List(), a.counter, a.nowFunc())
}

// Build computes a summary from already-fetched lists. counter may be nil.
func Build(sessions []protocol.Session, workers []protocol.Worker, counter TaskCounter, now time.Time) Summary {
	s := Summary{
		GeneratedAt: now,
		Sessions:    make(map[protocol.SessionStatus]int, len(protocol.SessionStatuses)),
		Active:      []SessionProgress{},
	}
	for _, st := range protocol.SessionStatuses {
		s.Sessions[st] = 0
	}

	for _, w := range workers {
		s.Workers.Total++
		switch w.Status {
		case protocol.WorkerIdle:
			s.Workers.Idle++
		case protocol.WorkerBusy:
			s.Workers.Busy++
		case protocol.WorkerOffline:
			s.Workers.Offline++
		case protocol.WorkerError:
			s.Workers.Error++
		}
	}
	if s.Workers.Total > 0 {
		s.Workers.Utilization = float64(s.Workers.Busy) / float64(s.Workers.Total) * 100
	}

	for _, sess := range sessions {
		s.Sessions[sess.Status]++
		s.Tasks.Completed += sess.CompletedTasks
		if sess.Status.Terminal() {
			continue
		}
		s.Active = append(s.Active, progressOf(sess))
	}
	sort.SliceStable(s.Active, func(i, j int) bool { return s.Active[i].ID < s.Active[j].ID })
	sortByCreated(s.Active, sessions)

	if counter != nil {
		s.Tasks.Failed = counter.Failed()
		s.Tasks.Queued = counter.Queued()
	}
	return s
}

func progressOf(sess protocol.Session) SessionProgress {
	p := SessionProgress{
		ID:             sess.ID,
		Name:           sess.Name,
		Status:         sess.Status,
		TotalTasks:     sess.TotalTasks,
		CompletedTasks: sess.CompletedTasks,
		LockedFiles:    len(sess.LockedFiles),
	}
	if sess.TotalTasks > 0 {
		p.Percent = float64(sess.CompletedTasks) / float64(sess.TotalTasks) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p
}

// sortByCreated orders active lines by their session's created_at.
func sortByCreated(active []SessionProgress, sessions []protocol.Session) {
	created := make(map[string]time.Time, len(sessions))
	for _, s := range sessions {
		created[s.ID] = s.CreatedAt
	}
	sort.SliceStable(active, func(i, j int) bool {
		return created[active[i].ID].Before(created[active[j].ID])
	})
}
