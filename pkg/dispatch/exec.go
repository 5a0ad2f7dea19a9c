package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Command is the task payload understood by ExecRuntime.
type Command struct {
	Run string `json:"run" yaml:"run"`
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// ExecRuntime runs a task's Command through a shell, heartbeating the worker
// while the process is alive.
type ExecRuntime struct {
	Shell string // defaults to "sh"
	// Heartbeat is called every HeartbeatEvery while the command runs.
	Heartbeat      func(ctx context.Context, workerID string)
	HeartbeatEvery time.Duration
	// Output receives combined stdout and stderr of every command when set.
	Output io.Writer
}

// Run implements Runtime.
func (r *ExecRuntime) Run(ctx context.Context, workerID string, t Task) error {
	var c Command
	if err := json.Unmarshal(t.Data, &c); err != nil {
		return fmt.Errorf("task %s: decode command: %w", t.ID, err)
	}
	if strings.TrimSpace(c.Run) == "" {
		return fmt.Errorf("task %s: empty command", t.ID)
	}
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", c.Run) //nolint:gosec // commands come from the operator's task file
	cmd.Dir = c.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	stop := r.startHeartbeat(ctx, workerID)
	err := cmd.Run()
	stop()

	if r.Output != nil && out.Len() > 0 {
		_, _ = fmt.Fprintf(r.Output, "[%s] %s", t.ID, out.String())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("task %s: %s: exit %d", t.ID, c.Run, exitErr.ExitCode())
		}
		return fmt.Errorf("task %s: %s: %w", t.ID, c.Run, err)
	}
	return nil
}

func (r *ExecRuntime) startHeartbeat(ctx context.Context, workerID string) func() {
	if r.Heartbeat == nil || r.HeartbeatEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Heartbeat(ctx, workerID)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
