package health_test

import (
	"testing"
	"time"

	"loom/pkg/health"
)

func TestStale(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		age     time.Duration
		timeout time.Duration
		want    bool
	}{
		{"fresh", 5 * time.Second, 30 * time.Second, false},
		{"exactly at timeout", 30 * time.Second, 30 * time.Second, false},
		{"just past timeout", 31 * time.Second, 30 * time.Second, true},
		{"zero timeout uses default", 29 * time.Second, 0, false},
		{"zero timeout uses default, stale", 31 * time.Second, 0, true},
		{"clock skew in the future", -10 * time.Second, 30 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := health.Stale(base, base.Add(tt.age), tt.timeout)
			if got != tt.want {
				t.Errorf("Stale(age=%v, timeout=%v) = %v, want %v", tt.age, tt.timeout, got, tt.want)
			}
		})
	}
}

func TestAge(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := health.Age(base, base.Add(7*time.Second)); got != 7*time.Second {
		t.Errorf("Age = %v, want 7s", got)
	}
	if got := health.Age(base, base.Add(-time.Second)); got != 0 {
		t.Errorf("Age with future lastSeen = %v, want 0", got)
	}
}

func TestSweepInterval(t *testing.T) {
	if got := health.SweepInterval(45 * time.Second); got != 15*time.Second {
		t.Errorf("SweepInterval(45s) = %v, want 15s", got)
	}
	if got := health.SweepInterval(0); got != 10*time.Second {
		t.Errorf("SweepInterval(0) = %v, want 10s", got)
	}
}
