package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"loom/pkg/health"
	"loom/pkg/protocol"
)

// printJSON writes v as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// printSessions renders sessions as a table.
func printSessions(w io.Writer, sessions []protocol.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPROGRESS\tFILES\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			s.ID, s.Name, s.Status, s.CompletedTasks, s.TotalTasks,
			len(s.LockedFiles), s.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// printWorkers renders workers as a table. Ages are relative to now.
func printWorkers(w io.Writer, workers []protocol.Worker, now time.Time) error {
	if len(workers) == 0 {
		_, err := fmt.Fprintln(w, "no workers")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTASK\tLAST HEARTBEAT")
	for _, wk := range workers {
		task := wk.CurrentTaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s ago\n",
			wk.ID, wk.Status, task, health.Age(wk.LastHeartbeat, now).Truncate(time.Second))
	}
	return tw.Flush()
}

// splitPaths accepts paths as separate args or comma-separated lists.
func splitPaths(args []string) []string {
	var out []string
	for _, a := range args {
		for _, p := range strings.Split(a, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// printJSONLine writes v as compact JSON on one line.
func printJSONLine(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
