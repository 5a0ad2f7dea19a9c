package coordinator

import (
	"context"
	"time"

	"loom/pkg/health"
	"loom/pkg/protocol"
)

// Run sweeps for stale workers every interval until ctx is cancelled, passing
// each non-empty batch to onStale so the caller can requeue the tasks. A zero
// interval defaults to a third of timeout.
func (c *Coordinator) Run(ctx context.Context, interval, timeout time.Duration, onStale func([]protocol.StaleWorker)) {
	if interval <= 0 {
		interval = health.SweepInterval(timeout)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := c.CheckWorkerHealth(ctx, timeout)
			if err != nil {
				c.logger.Error("health sweep", "err", err)
			}
			if len(stale) > 0 && onStale != nil {
				onStale(stale)
			}
		}
	}
}
