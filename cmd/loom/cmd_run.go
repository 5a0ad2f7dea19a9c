package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/pkg/aggregate"
	"loom/pkg/dispatch"
	"loom/pkg/health"
	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// runConfig holds configuration for the run command.
type runConfig struct {
	workers int
	quiet   bool
}

// newRunCmd creates the "loom run" subcommand.
func newRunCmd(opts *globalOpts) *cobra.Command {
	var cfg runConfig

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a task file as a session on local workers",
		Long: "Creates a session for the plan, locks its files, registers workers until\n" +
			"enough are idle, and runs every task through a shell on the next idle\n" +
			"worker. Workers already registered are shared and left in place. Tasks of workers\n" +
			"that stop heartbeating are requeued. The session completes when every task\n" +
			"succeeded and fails otherwise; its locks are released either way.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := dispatch.LoadPlan(args[0])
			if err != nil {
				return err
			}
			if plan.Name == "" {
				plan.Name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				var out io.Writer = &syncWriter{w: cmd.OutOrStdout()}
				if cfg.quiet {
					out = io.Discard
				}
				res, err := runPlan(cmd.Context(), a, plan, cfg.workers, out)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return errors.Join(err, perr)
				}
				return err
			})
		},
	}

	cmd.Flags().IntVar(&cfg.workers, "workers", 0, "idle workers to run on (default: plan workers, then max_workers)")
	cmd.Flags().BoolVarP(&cfg.quiet, "quiet", "q", false, "do not echo task output")

	return cmd
}

// runResult is printed when a run ends.
type runResult struct {
	Session protocol.Session  `json:"session"`
	Summary aggregate.Summary `json:"summary"`
}

// runPlan drives plan to completion against the app's stores.
func runPlan(ctx context.Context, a *app, plan dispatch.Plan, workers int, out io.Writer) (runResult, error) {
	if workers <= 0 {
		workers = plan.Workers
	}
	if workers <= 0 {
		workers = a.cfg.MaxWorkers
	}
	if workers > len(plan.Tasks) {
		workers = len(plan.Tasks)
	}

	sess, err := a.sessions.Create(ctx, plan.Name, len(plan.Tasks))
	if err != nil {
		return runResult{}, err
	}
	if len(plan.Files) > 0 {
		if _, err := a.sessions.LockFiles(ctx, sess.ID, plan.Files); err != nil {
			sess, _ = a.sessions.Cancel(ctx, sess.ID)
			return runResult{Session: sess}, err
		}
	}
	if sess, err = a.sessions.Start(ctx, sess.ID, ""); err != nil {
		return runResult{Session: sess}, err
	}

	// Retire workers left over from earlier runs before sizing the pool.
	if _, err := a.workers.CheckWorkerHealth(ctx, a.cfg.HeartbeatTimeout); err != nil {
		a.logger.Warn("initial sweep", "err", err)
	}
	added, err := growPool(ctx, a, sess.ID, workers)
	if err != nil {
		return runResult{Session: sess}, errors.Join(err, unregisterAll(context.WithoutCancel(ctx), a, added))
	}
	a.logger.Info("run started", "session_id", sess.ID, "tasks", len(plan.Tasks), "added_workers", len(added))

	rt := &dispatch.ExecRuntime{
		Shell: a.cfg.Shell,
		Heartbeat: func(ctx context.Context, workerID string) {
			if _, _, err := a.workers.Heartbeat(ctx, workerID); err != nil {
				a.logger.Warn("heartbeat", "worker_id", workerID, "err", err)
			}
		},
		HeartbeatEvery: health.SweepInterval(a.cfg.HeartbeatTimeout),
		Output:         out,
	}
	d := dispatch.New(a.workers, rt,
		dispatch.WithProgress(a.sessions),
		dispatch.WithEventSink(a.db),
		dispatch.WithLogger(a.logger),
		dispatch.WithMaxAttempts(plan.MaxAttempts),
	)
	tasks, err := plan.ToTasks(sess.ID)
	if err != nil {
		return runResult{Session: sess}, err
	}
	for _, t := range tasks {
		d.Submit(t)
	}

	runCtx, stop := context.WithCancel(ctx)
	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		a.workers.Run(runCtx, a.cfg.SweepInterval, a.cfg.HeartbeatTimeout, d.Requeue)
	}()

	pumpUntilDone(runCtx, d, a.cfg.AssignInterval)
	d.Wait()
	stop()
	sweeper.Wait()

	// The run context may be cancelled; finishing the session must still land.
	final := context.WithoutCancel(ctx)
	var runErr error
	switch {
	case ctx.Err() != nil:
		sess, err = a.sessions.Cancel(final, sess.ID)
		runErr = errors.Join(ctx.Err(), err)
	case d.Failed() > 0:
		sess, err = a.sessions.Fail(final, sess.ID)
		runErr = errors.Join(fmt.Errorf("%d of %d tasks failed", d.Failed(), len(tasks)), err)
	default:
		sess, err = a.sessions.Complete(final, sess.ID)
		runErr = err
	}

	if _, err := a.sessions.UnlockFiles(final, sess.ID, nil); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := unregisterAll(final, a, added); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if got, err := a.sessions.Get(sess.ID); err == nil {
		sess = got
	}

	return runResult{
		Session: sess,
		Summary: a.aggregator(aggregate.WithTaskCounter(d)).Summary(),
	}, runErr
}

// growPool registers enough workers for want of them to be idle. Workers that
// other callers registered are shared, never removed. It returns the workers
// it added, including those registered before a failure.
func growPool(ctx context.Context, a *app, sessionID string, want int) ([]protocol.Worker, error) {
	idle := 0
	for _, w := range a.workers.List() {
		if w.Status == protocol.WorkerIdle {
			idle++
		}
	}
	var added []protocol.Worker
	for i := idle; i < want; i++ {
		w, err := a.workers.Register(ctx, map[string]any{"session_id": sessionID})
		if err != nil {
			return added, fmt.Errorf("register run worker: %w", err)
		}
		added = append(added, w)
	}
	return added, nil
}

// unregisterAll removes the given workers, ignoring ones already gone.
func unregisterAll(ctx context.Context, a *app, workers []protocol.Worker) error {
	var errs []error
	for _, w := range workers {
		if err := a.workers.Unregister(ctx, w.ID); err != nil && !errors.Is(err, protocol.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pumpUntilDone assigns queued tasks every interval until the dispatcher is
// drained or ctx ends.
func pumpUntilDone(ctx context.Context, d *dispatch.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.Pump(ctx)
		if d.Done() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// syncWriter serializes writes from concurrently running tasks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
