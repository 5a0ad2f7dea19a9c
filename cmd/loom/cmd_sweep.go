package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"loom/pkg/health"
	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// sweepConfig holds configuration for the sweep command.
type sweepConfig struct {
	timeout time.Duration
	watch   bool
}

// newSweepCmd creates the "loom sweep" subcommand.
func newSweepCmd(opts *globalOpts) *cobra.Command {
	var cfg sweepConfig

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Move workers with stale heartbeats to offline",
		Long: "Runs the worker health sweep and prints every worker it moved to offline,\n" +
			"with the task it was holding. With --watch the sweep repeats every\n" +
			"sweep_interval and reloads state each time, so heartbeats recorded by\n" +
			"other loom processes are seen.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			if !cfg.watch {
				stale, err := sweepOnce(ctx, opts, cfg.timeout)
				if err != nil {
					return err
				}
				if stale == nil {
					stale = []protocol.StaleWorker{}
				}
				return printJSON(w, stale)
			}
			return sweepLoop(ctx, opts, cfg.timeout, w)
		},
	}

	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 0, "heartbeat timeout (default from config, 30s)")
	cmd.Flags().BoolVar(&cfg.watch, "watch", false, "keep sweeping until interrupted")

	return cmd
}

// sweepOnce restores state and runs one health check.
func sweepOnce(ctx context.Context, opts *globalOpts, timeout time.Duration) ([]protocol.StaleWorker, error) {
	var stale []protocol.StaleWorker
	err := withApp(ctx, opts, func(a *app) error {
		if timeout <= 0 {
			timeout = a.cfg.HeartbeatTimeout
		}
		var err error
		stale, err = a.workers.CheckWorkerHealth(ctx, timeout)
		return err
	})
	return stale, err
}

// sweepLoop sweeps every sweep interval, writing one JSON line per stale worker.
func sweepLoop(ctx context.Context, opts *globalOpts, timeout time.Duration, w io.Writer) error {
	var interval time.Duration
	if err := withApp(ctx, opts, func(a *app) error {
		interval = a.cfg.SweepInterval
		if timeout > 0 && timeout != a.cfg.HeartbeatTimeout {
			interval = health.SweepInterval(timeout)
		}
		return nil
	}); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stale, err := sweepOnce(ctx, opts, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, sw := range stale {
			if err := enc.Encode(sw); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
