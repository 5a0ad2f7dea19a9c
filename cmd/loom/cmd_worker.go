package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the "loom worker" command group.
func newWorkerCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Register and drive workers in the pool",
	}

	cmd.AddCommand(
		newWorkerRegisterCmd(opts),
		newWorkerHeartbeatCmd(opts),
		newWorkerAssignCmd(opts),
		newWorkerCompleteCmd(opts),
		newWorkerErrorCmd(opts),
		newWorkerScaleCmd(opts),
		newWorkerUnregisterCmd(opts),
		newWorkerListCmd(opts),
	)

	return cmd
}

func newWorkerRegisterCmd(opts *globalOpts) *cobra.Command {
	var meta map[string]string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new idle worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			metadata := make(map[string]any, len(meta))
			for k, v := range meta {
				metadata[k] = v
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				w, err := a.workers.Register(cmd.Context(), metadata)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}

	cmd.Flags().StringToStringVar(&meta, "meta", nil, "worker metadata as key=value pairs")

	return cmd
}

func newWorkerHeartbeatCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <worker-id>",
		Short: "Record a heartbeat for a worker",
		Long: "Records that the worker is alive. A heartbeat from an unknown worker, or\n" +
			"one already marked offline, is ignored and reported with applied=false.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				w, ok, err := a.workers.Heartbeat(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return printJSON(cmd.OutOrStdout(), map[string]any{"worker_id": args[0], "applied": false})
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"worker_id": w.ID, "applied": true, "worker": w})
			})
		},
	}
}

func newWorkerAssignCmd(opts *globalOpts) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "assign <session-id> <task-id>",
		Short: "Assign a task to the longest idle worker",
		Long: "Hands the task to an idle worker. When every worker is busy nothing is\n" +
			"assigned and the output reports assigned=false; retry later.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				payload = json.RawMessage(data)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				workerID, ok, err := a.workers.AssignTask(cmd.Context(), args[1], payload, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"task_id":   args[1],
					"assigned":  ok,
					"worker_id": workerID,
				})
			})
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "task payload as JSON")

	return cmd
}

func newWorkerCompleteCmd(opts *globalOpts) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "complete <worker-id> [task-id]",
		Short: "Report that a worker finished its task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID string
			if len(args) == 2 {
				taskID = args[1]
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				if _, err := a.workers.CompleteTask(cmd.Context(), args[0], taskID, !failed); err != nil {
					return err
				}
				w, err := a.workers.Get(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "the task failed")

	return cmd
}

func newWorkerErrorCmd(opts *globalOpts) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "error <worker-id>",
		Short: "Mark a worker as malfunctioning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if _, err := a.workers.MarkError(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				w, err := a.workers.Get(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "what went wrong")

	return cmd
}

func newWorkerScaleCmd(opts *globalOpts) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "scale <target>",
		Short: "Grow or shrink the live worker pool",
		Long: "Registers idle workers until the pool reaches target, or removes idle\n" +
			"workers, newest first, until it does. Busy workers are never removed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("target must be an integer: %w", err)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				if target > a.cfg.MaxWorkers && !force {
					return fmt.Errorf("target %d exceeds max_workers %d (use --force)", target, a.cfg.MaxWorkers)
				}
				res, err := a.workers.Scale(cmd.Context(), target)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "allow a target above max_workers")

	return cmd
}

func newWorkerUnregisterCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <worker-id>",
		Short: "Remove a worker from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.workers.Unregister(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", args[0])
				return nil
			})
		},
	}
}

func newWorkerListCmd(opts *globalOpts) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers in registration order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				workers := a.workers.List()
				if asJSON {
					return printJSON(cmd.OutOrStdout(), workers)
				}
				return printWorkers(cmd.OutOrStdout(), workers, time.Now())
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return cmd
}
