package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"loom/internal/appversion"
	"loom/pkg/protocol"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

// Tool names exposed by `loom mcp`.
const (
	toolSessionCreate     = "session_create"
	toolSessionTransition = "session_transition"
	toolSessionProgress   = "session_progress"
	toolSessionLock       = "session_lock"
	toolSessionUnlock     = "session_unlock"
	toolSessionGet        = "session_get"
	toolSessionList       = "session_list"
	toolWorkerRegister    = "worker_register"
	toolWorkerHeartbeat   = "worker_heartbeat"
	toolWorkerError       = "worker_error"
	toolWorkerScale       = "worker_scale"
	toolWorkerUnregister  = "worker_unregister"
	toolWorkerList        = "worker_list"
	toolTaskAssign        = "task_assign"
	toolTaskComplete      = "task_complete"
	toolHealthCheck       = "health_check"
	toolSummary           = "summary"
)

// newMCPCmd creates the "loom mcp" subcommand.
func newMCPCmd(opts *globalOpts) *cobra.Command {
	var sweep bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operational controls as MCP tools over stdio",
		Long: "Starts a Model Context Protocol server on stdin/stdout. The server keeps\n" +
			"the session store and worker pool in memory for its lifetime and, unless\n" +
			"--sweep=false, runs the worker health sweep in the background.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				ctx, cancel := context.WithCancel(cmd.Context())
				var wg sync.WaitGroup
				defer func() {
					cancel()
					wg.Wait()
				}()
				if sweep {
					wg.Add(1)
					go func() {
						defer wg.Done()
						a.workers.Run(ctx, a.cfg.SweepInterval, a.cfg.HeartbeatTimeout, func(stale []protocol.StaleWorker) {
							for _, sw := range stale {
								a.logger.Info("stale worker", "worker_id", sw.WorkerID, "task_id", sw.TaskID, "session_id", sw.SessionID)
							}
						})
					}()
				}
				return server.ServeStdio(newMCPServer(a))
			})
		},
	}

	cmd.Flags().BoolVar(&sweep, "sweep", true, "run the health sweep in the background")

	return cmd
}

// mcpTools binds tool handlers to an app.
type mcpTools struct {
	a *app
}

// newMCPServer creates the MCP server with every tool registered.
func newMCPServer(a *app) *server.MCPServer {
	s := server.NewMCPServer(
		"loom",
		appversion.Version(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	t := &mcpTools{a: a}

	s.AddTool(mcp.NewTool(toolSessionCreate,
		mcp.WithDescription("Create a build session in the created state"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Session name")),
		mcp.WithString("total_tasks", mcp.Description("Number of tasks in the session (default 0)")),
	), t.sessionCreate)

	s.AddTool(mcp.NewTool(toolSessionTransition,
		mcp.WithDescription("Move a session through its lifecycle"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("action", mcp.Required(),
			mcp.Description("One of start, pause, resume, complete, fail, cancel"),
			mcp.Enum("start", "pause", "resume", "complete", "fail", "cancel")),
		mcp.WithString("worker_id", mcp.Description("Worker to record on start")),
	), t.sessionTransition)

	s.AddTool(mcp.NewTool(toolSessionProgress,
		mcp.WithDescription("Set the completed task count of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("completed", mcp.Required(), mcp.Description("Completed task count")),
	), t.sessionProgress)

	s.AddTool(mcp.NewTool(toolSessionLock,
		mcp.WithDescription("Lock files for a session, all or nothing"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("paths", mcp.Required(), mcp.Description("Comma-separated file paths")),
	), t.sessionLock)

	s.AddTool(mcp.NewTool(toolSessionUnlock,
		mcp.WithDescription("Release file locks of a session; all of them when paths is empty"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("paths", mcp.Description("Comma-separated file paths")),
	), t.sessionUnlock)

	s.AddTool(mcp.NewTool(toolSessionGet,
		mcp.WithDescription("Get one session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), t.sessionGet)

	s.AddTool(mcp.NewTool(toolSessionList,
		mcp.WithDescription("List every session, oldest first"),
	), t.sessionList)

	s.AddTool(mcp.NewTool(toolWorkerRegister,
		mcp.WithDescription("Register an idle worker"),
		mcp.WithString("metadata", mcp.Description("Worker metadata as a JSON object")),
	), t.workerRegister)

	s.AddTool(mcp.NewTool(toolWorkerHeartbeat,
		mcp.WithDescription("Record a worker heartbeat"),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Worker id")),
	), t.workerHeartbeat)

	s.AddTool(mcp.NewTool(toolWorkerError,
		mcp.WithDescription("Mark a worker as malfunctioning"),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Worker id")),
		mcp.WithString("reason", mcp.Description("What went wrong")),
	), t.workerError)

	s.AddTool(mcp.NewTool(toolWorkerScale,
		mcp.WithDescription("Grow or shrink the live worker pool; busy workers are never removed"),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target number of live workers")),
	), t.workerScale)

	s.AddTool(mcp.NewTool(toolWorkerUnregister,
		mcp.WithDescription("Remove a worker from the pool"),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Worker id")),
	), t.workerUnregister)

	s.AddTool(mcp.NewTool(toolWorkerList,
		mcp.WithDescription("List workers in registration order"),
	), t.workerList)

	s.AddTool(mcp.NewTool(toolTaskAssign,
		mcp.WithDescription("Assign a task to the longest idle worker; assigned=false means every worker is busy"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session the task belongs to")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("data", mcp.Description("Task payload as JSON")),
	), t.taskAssign)

	s.AddTool(mcp.NewTool(toolTaskComplete,
		mcp.WithDescription("Report that a worker finished its task"),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Worker id")),
		mcp.WithString("task_id", mcp.Description("Task id; must match the worker's task when set")),
		mcp.WithString("success", mcp.Description("true or false (default true)")),
	), t.taskComplete)

	s.AddTool(mcp.NewTool(toolHealthCheck,
		mcp.WithDescription("Move workers with stale heartbeats to offline and list them with their tasks"),
		mcp.WithString("timeout", mcp.Description("Heartbeat timeout such as 30s (default from config)")),
	), t.healthCheck)

	s.AddTool(mcp.NewTool(toolSummary,
		mcp.WithDescription("Summary of workers, sessions and task counts"),
	), t.summary)

	return s
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

// intArg parses an integer argument passed as a string.
func intArg(req mcp.CallToolRequest, key string, def int) (int, error) {
	raw := req.GetString(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func (t *mcpTools) sessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return errResult(err)
	}
	total, err := intArg(req, "total_tasks", 0)
	if err != nil {
		return errResult(err)
	}
	sess, err := t.a.sessions.Create(ctx, name, total)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(sess)
}

func (t *mcpTools) sessionTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return errResult(err)
	}
	action, err := req.RequireString("action")
	if err != nil {
		return errResult(err)
	}

	var sess protocol.Session
	switch action {
	case "start":
		sess, err = t.a.sessions.Start(ctx, id, req.GetString("worker_id", ""))
	case "pause":
		sess, err = t.a.sessions.Pause(ctx, id)
	case "resume":
		sess, err = t.a.sessions.Resume(ctx, id)
	case "complete":
		sess, err = t.a.sessions.Complete(ctx, id)
	case "fail":
		sess, err = t.a.sessions.Fail(ctx, id)
	case "cancel":
		sess, err = t.a.sessions.Cancel(ctx, id)
	default:
		return errResult(fmt.Errorf("unknown action %q", action))
	}
	if err != nil {
		return errResult(err)
	}
	return jsonResult(sess)
}

func (t *mcpTools) sessionProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return errResult(err)
	}
	completed, err := intArg(req, "completed", 0)
	if err != nil {
		return errResult(err)
	}
	sess, err := t.a.sessions.UpdateProgress(ctx, id, completed)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(sess)
}

func (t *mcpTools) sessionLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return errResult(err)
	}
	paths, err := req.RequireString("paths")
	if err != nil {
		return errResult(err)
	}
	sess, err := t.a.sessions.LockFiles(ctx, id, splitPaths([]string{paths}))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(sess)
}

func (t *mcpTools) sessionUnlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return errResult(err)
	}
	released, err := t.a.sessions.UnlockFiles(ctx, id, splitPaths([]string{req.GetString("paths", "")}))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]any{"session_id": id, "released": released})
}

func (t *mcpTools) sessionGet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return errResult(err)
	}
	sess, err := t.a.sessions.Get(id)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(sess)
}

func (t *mcpTools) sessionList(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.a.sessions.List())
}

func (t *mcpTools) workerRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var metadata map[string]any
	if raw := req.GetString("metadata", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return errResult(fmt.Errorf("metadata must be a JSON object: %w", err))
		}
	}
	w, err := t.a.workers.Register(ctx, metadata)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(w)
}

func (t *mcpTools) workerHeartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("worker_id")
	if err != nil {
		return errResult(err)
	}
	w, ok, err := t.a.workers.Heartbeat(ctx, id)
	if err != nil {
		return errResult(err)
	}
	if !ok {
		return jsonResult(map[string]any{"worker_id": id, "applied": false})
	}
	return jsonResult(map[string]any{"worker_id": id, "applied": true, "worker": w})
}

func (t *mcpTools) workerError(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("worker_id")
	if err != nil {
		return errResult(err)
	}
	inflight, err := t.a.workers.MarkError(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]any{"worker_id": id, "requeue": inflight})
}

func (t *mcpTools) workerScale(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := intArg(req, "target", -1)
	if err != nil {
		return errResult(err)
	}
	if target > t.a.cfg.MaxWorkers {
		return errResult(fmt.Errorf("target %d exceeds max_workers %d", target, t.a.cfg.MaxWorkers))
	}
	res, err := t.a.workers.Scale(ctx, target)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(res)
}

func (t *mcpTools) workerUnregister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("worker_id")
	if err != nil {
		return errResult(err)
	}
	if err := t.a.workers.Unregister(ctx, id); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]any{"worker_id": id, "unregistered": true})
}

func (t *mcpTools) workerList(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.a.workers.List())
}

func (t *mcpTools) taskAssign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return errResult(err)
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return errResult(err)
	}
	var data json.RawMessage
	if raw := req.GetString("data", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return errResult(fmt.Errorf("data is not valid JSON"))
		}
		data = json.RawMessage(raw)
	}
	workerID, ok, err := t.a.workers.AssignTask(ctx, taskID, data, sessionID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]any{"task_id": taskID, "assigned": ok, "worker_id": workerID})
}

func (t *mcpTools) taskComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workerID, err := req.RequireString("worker_id")
	if err != nil {
		return errResult(err)
	}
	success := true
	if raw := req.GetString("success", ""); raw != "" {
		if success, err = strconv.ParseBool(raw); err != nil {
			return errResult(fmt.Errorf("success must be true or false, got %q", raw))
		}
	}
	done, err := t.a.workers.CompleteTask(ctx, workerID, req.GetString("task_id", ""), success)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(done)
}

func (t *mcpTools) healthCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeout := t.a.cfg.HeartbeatTimeout
	if raw := req.GetString("timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errResult(fmt.Errorf("timeout: %w", err))
		}
		timeout = d
	}
	stale, err := t.a.workers.CheckWorkerHealth(ctx, timeout)
	if err != nil {
		return errResult(err)
	}
	if stale == nil {
		stale = []protocol.StaleWorker{}
	}
	return jsonResult(stale)
}

func (t *mcpTools) summary(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.a.aggregator().Summary())
}
