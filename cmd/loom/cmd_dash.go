package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"loom/pkg/aggregate"
	"loom/pkg/config"
	"loom/pkg/coordinator"
	"loom/pkg/session"
	"loom/pkg/statedb"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// dashConfig holds configuration for the dash command.
type dashConfig struct {
	once     bool
	interval time.Duration
}

// newDashCmd creates the "loom dash" subcommand.
func newDashCmd(opts *globalOpts) *cobra.Command {
	var cfg dashConfig

	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of sessions and workers",
		Long: "Shows worker utilization, session counts and the progress of every active\n" +
			"session, refreshed when the state database changes and every\n" +
			"refresh_interval. When stdout is not a terminal, or with --once, a single\n" +
			"JSON snapshot is printed instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			conf, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := statedb.Open(ctx, conf.DBPath)
			if err != nil {
				return fmt.Errorf("open state db: %w", err)
			}
			defer db.Close()

			fetch := snapshotFetcher(db)

			if cfg.once || !isTerminal(cmd.OutOrStdout()) {
				snap, err := fetch(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			}

			interval := cfg.interval
			if interval <= 0 {
				interval = conf.RefreshInterval
			}

			// Log lines would tear the alternate screen.
			if !opts.debug {
				slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
			}

			watcher := initWatcher(conf.DBPath)
			if watcher != nil {
				defer watcher.Close()
			}

			p := tea.NewProgram(newDashModel(fetch, interval, watcher, conf.DBPath),
				tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&cfg.once, "once", false, "print one JSON snapshot and exit")
	cmd.Flags().DurationVar(&cfg.interval, "interval", 0, "refresh interval (default from config, 2s)")

	return cmd
}

// snapshotFetcher restores both stores from db on every call. The database
// stays open across calls so the dashboard never triggers WAL checkpoints of
// its own.
func snapshotFetcher(db *statedb.DB) fetchFunc {
	return func(ctx context.Context) (snapshot, error) {
		sessions, err := session.Open(ctx, db)
		if err != nil {
			return snapshot{}, fmt.Errorf("load sessions: %w", err)
		}
		workers, err := coordinator.Open(ctx, db)
		if err != nil {
			return snapshot{}, fmt.Errorf("load workers: %w", err)
		}
		return snapshot{
			Summary: aggregate.New(sessions, workers).Summary(),
			Workers: workers.List(),
		}, nil
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
