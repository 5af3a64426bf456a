package lifecycle

import (
	"fmt"
	"time"
)

// Status represents the loader's lifecycle status.
type Status string

// Strict loader states for the lifecycle FSM
const (
	StatusCreated Status = "created" // Loader constructed, no load attempt yet
	StatusLoading Status = "loading" // Module factory invoked, module starting
	StatusRunning Status = "running" // Module reported the running marker
	StatusExited  Status = "exited"  // Module terminated (cleanly or crashed)
	StatusError   Status = "error"   // Capability failure or restart-limit halt
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusLoading: true, // Created → Loading (load invoked)
		StatusError:   true, // Created → Error (capability check failed)
	},
	StatusLoading: {
		StatusRunning: true, // Loading → Running (module reports running)
		StatusExited:  true, // Loading → Exited (startup abort or early exit)
		StatusError:   true, // Loading → Error (capability check failed)
	},
	StatusRunning: {
		StatusExited: true, // Running → Exited (clean exit or crash)
		StatusError:  true, // Running → Error
	},
	StatusExited: {
		StatusLoading: true, // Exited → Loading (restart controller restarts)
		StatusError:   true, // Exited → Error (restart limit exhausted)
	},
	StatusError: {
		StatusLoading: true, // Error → Loading (caller retries explicitly)
	},
}

// ValidateTransition checks if a status transition is valid
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the status ends a load cycle. Neither state is
// final for the loader instance: both may lead back into Loading via restart.
func IsTerminal(s Status) bool {
	return s == StatusExited || s == StatusError
}

// IsActive returns true if a load cycle is in flight
func IsActive(s Status) bool {
	return s == StatusLoading || s == StatusRunning
}

// TerminationKind tags how the hosted module ended.
type TerminationKind string

const (
	// KindOrdinaryExit is a deliberate exit carrying an exit code.
	KindOrdinaryExit TerminationKind = "ordinary_exit"
	// KindAbnormalExit is an abort, signal, or any failure not recognized
	// as the module's ordinary exit path.
	KindAbnormalExit TerminationKind = "abnormal_exit"
)

// Termination describes why the hosted module ended. Exactly one of Code
// (ordinary) or Message (abnormal) is meaningful.
type Termination struct {
	Kind    TerminationKind
	Code    int
	Message string
}

// OrdinaryExit builds a clean termination with an exit code
func OrdinaryExit(code int) Termination {
	return Termination{Kind: KindOrdinaryExit, Code: code}
}

// AbnormalExit builds a crashed termination with a message
func AbnormalExit(message string) Termination {
	return Termination{Kind: KindAbnormalExit, Message: message}
}

// Record is the mutable lifecycle state of one loader instance.
// Status is the logical status; Committed is the last status for which
// display and notification side effects actually ran.
type Record struct {
	Status       Status
	Committed    Status
	Crashed      bool
	ExitCode     *int
	ExitText     string
	RestartCount int
}

// NewRecord creates a record in the initial state
func NewRecord() Record {
	return Record{Status: StatusCreated, Committed: StatusCreated}
}

// ClearExit resets the per-cycle exit fields ahead of a fresh load cycle
func (r *Record) ClearExit() {
	r.Crashed = false
	r.ExitCode = nil
	r.ExitText = ""
}

// Event is one committed status change, kept for the lifecycle journal.
type Event struct {
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Crashed      bool      `json:"crashed,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Message      string    `json:"message,omitempty"`
	RestartCount int       `json:"restart_count,omitempty"`
}
