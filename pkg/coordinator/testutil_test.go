package coordinator //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"loom/pkg/protocol"
)

// fakeClock is a settable clock safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// memWorkers is an in-memory Persister.
type memWorkers struct {
	mu      sync.Mutex
	workers map[string]protocol.Worker
	fail    error
}

func newMemWorkers() *memWorkers {
	return &memWorkers{workers: make(map[string]protocol.Worker)}
}

func (m *memWorkers) SaveWorker(_ context.Context, w protocol.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.workers[w.ID] = w.Clone()
	return nil
}

func (m *memWorkers) DeleteWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	delete(m.workers, id)
	return nil
}

func (m *memWorkers) LoadWorkers(context.Context) ([]protocol.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Clone())
	}
	return out, nil
}

func (m *memWorkers) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// knownSessions satisfies SessionLookup for a fixed id set.
type knownSessions map[string]bool

func (k knownSessions) Get(id string) (protocol.Session, error) {
	if !k[id] {
		return protocol.Session{}, &protocol.NotFoundError{Kind: protocol.KindSession, ID: id}
	}
	return protocol.Session{ID: id, Status: protocol.SessionRunning}, nil
}

// newTestCoordinator returns a coordinator with ids w-1, w-2, ... and a fake clock.
func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	var (
		mu sync.Mutex
		n  int
	)
	base := []Option{
		WithClock(clk.Now),
		WithIDFunc(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("w-%d", n)
		}),
		WithSessions(knownSessions{"S1": true}),
	}
	return New(append(base, opts...)...), clk
}

func mustRegister(t *testing.T, c *Coordinator) protocol.Worker {
	t.Helper()
	w, err := c.Register(context.Background(), nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return w
}

// waitFor polls condition until it is true or timeout elapses.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}
