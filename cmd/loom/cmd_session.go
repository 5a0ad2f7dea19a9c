package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/session"

	"github.com/spf13/cobra"
)

// newSessionCmd creates the "loom session" command group.
func newSessionCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and drive build sessions",
	}

	cmd.AddCommand(
		newSessionCreateCmd(opts),
		newSessionTransitionCmd(opts, "pause", "Pause a running session",
			func(ctx context.Context, s *session.Store, id string) (protocol.Session, error) { return s.Pause(ctx, id) }),
		newSessionTransitionCmd(opts, "resume", "Resume a paused session",
			func(ctx context.Context, s *session.Store, id string) (protocol.Session, error) { return s.Resume(ctx, id) }),
		newSessionTransitionCmd(opts, "complete", "Mark a session completed",
			func(ctx context.Context, s *session.Store, id string) (protocol.Session, error) { return s.Complete(ctx, id) }),
		newSessionTransitionCmd(opts, "fail", "Mark a session failed",
			func(ctx context.Context, s *session.Store, id string) (protocol.Session, error) { return s.Fail(ctx, id) }),
		newSessionTransitionCmd(opts, "cancel", "Cancel a session",
			func(ctx context.Context, s *session.Store, id string) (protocol.Session, error) { return s.Cancel(ctx, id) }),
		newSessionStartCmd(opts),
		newSessionProgressCmd(opts),
		newSessionLockCmd(opts),
		newSessionUnlockCmd(opts),
		newSessionLocksCmd(opts),
		newSessionGetCmd(opts),
		newSessionListCmd(opts),
		newSessionCleanupCmd(opts),
	)

	return cmd
}

func newSessionCreateCmd(opts *globalOpts) *cobra.Command {
	var tasks int

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session in the created state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				sess, err := a.sessions.Create(cmd.Context(), args[0], tasks)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}

	cmd.Flags().IntVar(&tasks, "tasks", 0, "total number of tasks in the session")

	return cmd
}

// newSessionTransitionCmd builds a "<verb> <session-id>" command around one
// lifecycle operation.
func newSessionTransitionCmd(
	opts *globalOpts,
	verb, short string,
	op func(ctx context.Context, s *session.Store, id string) (protocol.Session, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				sess, err := op(cmd.Context(), a.sessions, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func newSessionStartCmd(opts *globalOpts) *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a created session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				sess, err := a.sessions.Start(cmd.Context(), args[0], workerID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}

	cmd.Flags().StringVar(&workerID, "worker", "", "worker id to record as assigned")

	return cmd
}

func newSessionProgressCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <session-id> <completed>",
		Short: "Set the completed task count of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			completed, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("completed must be an integer: %w", err)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				sess, err := a.sessions.UpdateProgress(cmd.Context(), args[0], completed)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func newSessionLockCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "lock <session-id> <path>...",
		Short: "Lock files for a session, all or nothing",
		Long: "Reserves every path for the session. If any path is held by another\n" +
			"session nothing is locked and the conflicting owner is reported.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				sess, err := a.sessions.LockFiles(cmd.Context(), args[0], splitPaths(args[1:]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func newSessionUnlockCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <session-id> [path]...",
		Short: "Release file locks; all of them when no path is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				released, err := a.sessions.UnlockFiles(cmd.Context(), args[0], splitPaths(args[1:]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"session_id": args[0], "released": released})
			})
		},
	}
}

func newSessionLocksCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "locks [path]",
		Short: "Show the locked-file registry, or the owner of one path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				w := cmd.OutOrStdout()
				if len(args) == 1 {
					owner, ok := a.sessions.LockOwner(args[0])
					if !ok {
						return fmt.Errorf("%s is not locked", args[0])
					}
					fmt.Fprintln(w, owner)
					return nil
				}

				locks := a.sessions.Locks()
				if len(locks) == 0 {
					fmt.Fprintln(w, "no locked files")
					return nil
				}
				paths := make([]string, 0, len(locks))
				for p := range locks {
					paths = append(paths, p)
				}
				sort.Strings(paths)
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "PATH\tSESSION")
				for _, p := range paths {
					fmt.Fprintf(tw, "%s\t%s\n", p, locks[p])
				}
				return tw.Flush()
			})
		},
	}
}

func newSessionGetCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				sess, err := a.sessions.Get(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func newSessionListCmd(opts *globalOpts) *cobra.Command {
	var (
		asJSON bool
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !protocol.SessionStatus(status).Valid() {
				return fmt.Errorf("unknown session status %q", status)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				sessions := a.sessions.List()
				if status != "" {
					filtered := sessions[:0]
					for _, s := range sessions {
						if s.Status == protocol.SessionStatus(status) {
							filtered = append(filtered, s)
						}
					}
					sessions = filtered
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), sessions)
				}
				return printSessions(cmd.OutOrStdout(), sessions)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&status, "status", "", "only list sessions in this status")

	return cmd
}

func newSessionCleanupCmd(opts *globalOpts) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove terminal sessions older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				age := maxAge
				if age <= 0 {
					age = a.cfg.Retention
				}
				removed, err := a.sessions.Cleanup(cmd.Context(), age)
				if err != nil {
					return err
				}
				if removed == nil {
					removed = []string{}
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"removed": removed})
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "retention period (default from config, 7 days)")

	return cmd
}
