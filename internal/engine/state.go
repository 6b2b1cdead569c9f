package engine

// State is the engine lifecycle position. Transitions only move forward:
//
//	Uninitialized -> Initializing -> StartupSuppression -> Polling -> Draining -> Stopped
//
// Initializing may jump straight to Stopped when the account cannot be
// resolved.
type State int32

const (
	Uninitialized State = iota
	Initializing
	StartupSuppression
	Polling
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case StartupSuppression:
		return "startup_suppression"
	case Polling:
		return "polling"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StartupMode selects what happens to the backlog found on first run.
type StartupMode string

const (
	// StartupSilent marks the recent window delivered without sending it.
	StartupSilent StartupMode = "silent"
	// StartupAnnounce sends the newest few items labeled as an initial check
	// and marks the rest of the window silently.
	StartupAnnounce StartupMode = "announce"
)

// AnnounceLabel prefixes the titles of the startup announcement batch.
const AnnounceLabel = "Initial check"
