package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when the state database changed on disk.
type fsChangeMsg struct{}

const debounceDuration = 100 * time.Millisecond

// initWatcher watches the directory holding the state database. It returns nil
// when the directory is missing or the watcher cannot be set up; the dashboard
// then refreshes on its tick only.
func initWatcher(dbPath string) *fsnotify.Watcher {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify: create watcher, falling back to polling", "err", err)
		return nil
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		slog.Warn("fsnotify: watch state dir, falling back to polling", "dir", dir, "err", err)
		return nil
	}

	return watcher
}

// isStateWrite reports whether ev touches the database or its WAL. Changes to
// the shared-memory index happen on reads too and are ignored.
func isStateWrite(ev fsnotify.Event, dbPath string) bool {
	name := filepath.Base(ev.Name)
	base := filepath.Base(dbPath)
	if name != base && !strings.HasPrefix(name, base+"-wal") && !strings.HasPrefix(name, base+"-journal") {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

// runWatcher returns a tea.Cmd that blocks until the state database changes,
// debounced so a burst of writes yields one fsChangeMsg. Issue it again after
// each message to keep watching.
func runWatcher(watcher *fsnotify.Watcher, dbPath string) tea.Cmd {
	if watcher == nil {
		return nil
	}
	return func() tea.Msg {
		debounceTimer := newDebounceTimer()
		defer debounceTimer.Stop()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if isStateWrite(event, dbPath) {
					resetDebounceTimer(debounceTimer)
				}

			case <-debounceTimer.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				slog.Warn("fsnotify: watcher error", "err", err)
				return nil
			}
		}
	}
}

// newDebounceTimer creates a stopped timer.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetDebounceTimer restarts the debounce window.
func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
