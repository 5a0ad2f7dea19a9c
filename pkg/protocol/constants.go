package protocol

// Directory and file constants used throughout loom.
const (
	// LoomDir is the user-level state directory (e.g., ~/.loom).
	LoomDir = ".loom"

	// StateDBFile is the SQLite database holding sessions, locks, workers and events.
	StateDBFile = "state.db"
)

// Event type constants written to the events table.
const (
	EvSessionCreated     = "session_created"
	EvSessionTransition  = "session_transition"
	EvSessionProgress    = "session_progress"
	EvSessionRemoved     = "session_removed"
	EvFilesLocked        = "files_locked"
	EvFilesUnlocked      = "files_unlocked"
	EvLockConflict       = "lock_conflict"
	EvWorkerRegistered   = "worker_registered"
	EvWorkerUnregistered = "worker_unregistered"
	EvWorkerOffline      = "worker_offline"
	EvWorkerError        = "worker_error"
	EvTaskAssigned       = "task_assigned"
	EvTaskCompleted      = "task_completed"
	EvTaskRequeued       = "task_requeued"
	EvHeartbeatUnknown   = "heartbeat_unknown"
)

// Event sources.
const (
	SourceSessions    = "sessions"
	SourceCoordinator = "coordinator"
	SourceDispatcher  = "dispatcher"
)
