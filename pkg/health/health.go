// Package health decides worker liveness from heartbeat timestamps.
// It has no state and no dependencies.
package health

import "time"

// DefaultTimeout is the heartbeat timeout used when callers pass zero.
const DefaultTimeout = 30 * time.Second

// Stale reports whether lastSeen is more than timeout before now.
// A heartbeat exactly timeout old is still alive. A non-positive timeout
// falls back to DefaultTimeout.
func Stale(lastSeen, now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return now.Sub(lastSeen) > timeout
}

// Age returns how long ago lastSeen was, never negative.
func Age(lastSeen, now time.Time) time.Duration {
	if d := now.Sub(lastSeen); d > 0 {
		return d
	}
	return 0
}

// SweepInterval returns the sweep cadence for a timeout: a third of it, so a
// stale worker is noticed within 4/3 of the timeout.
func SweepInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return timeout / 3
}
