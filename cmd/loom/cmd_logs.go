package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"loom/pkg/config"
	"loom/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	sessionID string
	workerID  string
	eventType string
	since     time.Duration
	asJSON    bool
}

// newLogsCmd creates the "loom logs" subcommand.
func newLogsCmd(opts *globalOpts) *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the event log",
		Long: "Displays events from the audit trail, oldest first.\n" +
			"Filter by session, worker or event type and optionally follow new events.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			r, err := eventlog.NewReader(conf.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer r.Close()

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), r, w, cfg, time.Second)
			}
			return printLogs(cmd.Context(), r, w, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&cfg.sessionID, "session", "", "only events of this session")
	cmd.Flags().StringVar(&cfg.workerID, "worker", "", "only events of this worker")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only events of this type (e.g. task_assigned)")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 10m)")
	cmd.Flags().BoolVar(&cfg.asJSON, "json", false, "print one JSON object per event")

	return cmd
}

func (c logsConfig) queryOpts(limit int) eventlog.QueryOpts {
	q := eventlog.QueryOpts{
		SessionID: c.sessionID,
		WorkerID:  c.workerID,
		EventType: c.eventType,
		Limit:     limit,
	}
	if c.since > 0 {
		after := time.Now().Add(-c.since)
		q.After = &after
	}
	return q
}

// printLogs displays the last cfg.tail matching events in chronological order.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := r.Query(ctx, cfg.queryOpts(cfg.tail))
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	reverseEvents(events)
	for i := range events {
		if err := formatEvent(w, &events[i], cfg.asJSON); err != nil {
			return err
		}
	}
	return nil
}

// followLogs prints the tail, then polls for events with a higher id until ctx
// is cancelled.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig, every time.Duration) error {
	events, err := r.Query(ctx, cfg.queryOpts(cfg.tail))
	if err != nil {
		return err
	}
	reverseEvents(events)

	var (
		lastID   int64
		lastTime *time.Time
	)
	for i := range events {
		if err := formatEvent(w, &events[i], cfg.asJSON); err != nil {
			return err
		}
		lastID = events[i].ID
		lastTime = &events[i].CreatedAt
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q := cfg.queryOpts(0)
			if lastTime != nil {
				q.After = lastTime
			}
			fresh, err := r.Query(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			reverseEvents(fresh)
			for i := range fresh {
				if fresh[i].ID <= lastID {
					continue
				}
				if err := formatEvent(w, &fresh[i], cfg.asJSON); err != nil {
					return err
				}
				lastID = fresh[i].ID
				t := fresh[i].CreatedAt
				lastTime = &t
			}
		}
	}
}

// formatEvent writes a single event as one line.
func formatEvent(w io.Writer, evt *eventlog.Event, asJSON bool) error {
	if asJSON {
		return printJSONLine(w, evt)
	}
	line := fmt.Sprintf("%s  %-20s %-12s", evt.CreatedAt.Format(time.DateTime), evt.Type, evt.Source)
	if evt.SessionID != "" {
		line += " session=" + evt.SessionID
	}
	if evt.WorkerID != "" {
		line += " worker=" + evt.WorkerID
	}
	if evt.Payload != "" {
		line += "  " + evt.Payload
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// reverseEvents reverses events in place.
func reverseEvents(events []eventlog.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
