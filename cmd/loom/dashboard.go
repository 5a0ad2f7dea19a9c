package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loom/pkg/aggregate"
	"loom/pkg/protocol"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
)

// snapshot is one refresh of dashboard data.
type snapshot struct {
	Summary aggregate.Summary `json:"summary"`
	Workers []protocol.Worker `json:"workers"`
}

// fetchFunc loads a fresh snapshot from the durable state.
type fetchFunc func(ctx context.Context) (snapshot, error)

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// snapshotMsg carries the result of a fetch.
type snapshotMsg struct {
	snap snapshot
	err  error
}

// tickCmd returns a command that sends a tickMsg after interval.
func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchCmd runs fetch off the UI goroutine.
func fetchCmd(fetch fetchFunc) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetch(context.Background())
		return snapshotMsg{snap: snap, err: err}
	}
}

// dashModel is the Bubble Tea model for loom dash.
type dashModel struct {
	fetch    fetchFunc
	interval time.Duration
	watcher  *fsnotify.Watcher
	dbPath   string

	snap    snapshot
	loaded  bool
	err     error
	updated time.Time

	width int
	theme Theme
	style Styles
	bar   progress.Model
}

// newDashModel creates the dashboard. watcher may be nil.
func newDashModel(fetch fetchFunc, interval time.Duration, watcher *fsnotify.Watcher, dbPath string) dashModel {
	theme := DefaultTheme()
	return dashModel{
		fetch:    fetch,
		interval: interval,
		watcher:  watcher,
		dbPath:   dbPath,
		theme:    theme,
		style:    NewStyles(theme),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.fetch), tickCmd(m.interval), runWatcher(m.watcher, m.dbPath))
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.fetch)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = barWidth(msg.Width)

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.loaded = true
			m.updated = msg.snap.Summary.GeneratedAt
		}

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.fetch), tickCmd(m.interval))

	case fsChangeMsg:
		return m, tea.Batch(fetchCmd(m.fetch), runWatcher(m.watcher, m.dbPath))
	}

	return m, nil
}

// barWidth sizes the progress bar to a third of the terminal.
func barWidth(termWidth int) int {
	w := termWidth / 3
	if w < 10 {
		return 10
	}
	if w > 60 {
		return 60
	}
	return w
}

// View implements tea.Model.
func (m dashModel) View() string {
	var sb strings.Builder

	sb.WriteString(m.style.Title.Render("loom"))
	sb.WriteString("\n")

	if m.err != nil {
		sb.WriteString(m.style.Error.Render("error: " + m.err.Error()))
		sb.WriteString("\n")
	}
	if !m.loaded {
		sb.WriteString(m.style.Muted.Render("loading..."))
		sb.WriteString("\n")
		return sb.String()
	}

	sb.WriteString(m.renderWorkerStats())
	sb.WriteString(m.renderSessionCounts())
	sb.WriteString(m.renderActive())
	sb.WriteString(m.renderWorkers())

	footer := fmt.Sprintf("updated %s  r refresh  q quit", m.updated.Local().Format(time.TimeOnly))
	sb.WriteString("\n")
	sb.WriteString(m.style.Muted.Render(footer))
	sb.WriteString("\n")
	return sb.String()
}

func (m dashModel) renderWorkerStats() string {
	ws := m.snap.Summary.Workers
	t := m.snap.Summary.Tasks
	return fmt.Sprintf("workers %d  idle %d  busy %d  offline %d  error %d  utilization %.1f%%\n"+
		"tasks completed %d  failed %d  queued %d\n",
		ws.Total, ws.Idle, ws.Busy, ws.Offline, ws.Error, ws.Utilization,
		t.Completed, t.Failed, t.Queued)
}

func (m dashModel) renderSessionCounts() string {
	parts := make([]string, 0, len(protocol.SessionStatuses))
	for _, st := range protocol.SessionStatuses {
		label := lipgloss.NewStyle().Foreground(m.theme.sessionColor(st)).Render(string(st))
		parts = append(parts, fmt.Sprintf("%s %d", label, m.snap.Summary.Sessions[st]))
	}
	return "sessions " + strings.Join(parts, "  ") + "\n"
}

func (m dashModel) renderActive() string {
	var sb strings.Builder
	sb.WriteString(m.style.Section.Render(m.style.Header.Render("ACTIVE SESSIONS")))
	sb.WriteString("\n")
	if len(m.snap.Summary.Active) == 0 {
		sb.WriteString(m.style.Muted.Render("no active sessions"))
		sb.WriteString("\n")
		return sb.String()
	}
	for _, sp := range m.snap.Summary.Active {
		status := lipgloss.NewStyle().Foreground(m.theme.sessionColor(sp.Status)).Width(9).Render(string(sp.Status))
		name := lipgloss.NewStyle().Width(24).Render(truncate(sp.Name, 23))
		fmt.Fprintf(&sb, "%s %s %s %d/%d  %s\n",
			name, status, m.bar.ViewAs(sp.Percent/100),
			sp.CompletedTasks, sp.TotalTasks,
			m.style.Muted.Render(fmt.Sprintf("%s, %d files", sp.ID, sp.LockedFiles)))
	}
	return sb.String()
}

func (m dashModel) renderWorkers() string {
	var sb strings.Builder
	sb.WriteString(m.style.Section.Render(m.style.Header.Render("WORKERS")))
	sb.WriteString("\n")
	if len(m.snap.Workers) == 0 {
		sb.WriteString(m.style.Muted.Render("no workers"))
		sb.WriteString("\n")
		return sb.String()
	}
	now := m.snap.Summary.GeneratedAt
	for _, w := range m.snap.Workers {
		status := lipgloss.NewStyle().Foreground(m.theme.workerColor(w.Status)).Width(8).Render(string(w.Status))
		task := w.CurrentTaskID
		if task == "" {
			task = "-"
		}
		age := now.Sub(w.LastHeartbeat).Truncate(time.Second)
		fmt.Fprintf(&sb, "%-38s %s %-24s %s\n", w.ID, status, truncate(task, 24), m.style.Muted.Render(age.String()+" ago"))
	}
	return sb.String()
}

// truncate shortens s to at most n runes, marking the cut with "~".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n || n < 1 {
		return s
	}
	return string(r[:n-1]) + "~"
}
