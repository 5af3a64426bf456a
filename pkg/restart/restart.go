// Package restart decides whether a terminated module should be loaded
// again, and tracks attempt counts against a configured limit.
package restart

import "fmt"

// Mode controls which terminations trigger an automatic restart.
type Mode string

const (
	DoNotRestart   Mode = "never"    // Never restart automatically
	RestartOnExit  Mode = "on_exit"  // Restart after every termination
	RestartOnCrash Mode = "on_crash" // Restart only after a crash
)

// Type controls how a restart is performed.
type Type string

const (
	// RestartModule re-invokes the load cycle in place, preserving the
	// attempt count.
	RestartModule Type = "module"
	// ReloadHost reloads the entire host, discarding all in-memory state.
	// The attempt count cannot survive this kind of restart, so the limit
	// only bounds attempts within one host session.
	ReloadHost Type = "reload_host"
)

// Decision is the outcome of one restart check.
type Decision struct {
	Restart    bool
	NewCount   int
	HaltReason string
}

// Decide applies the restart policy to one terminated load cycle.
// A restart is due iff mode is RestartOnExit, or mode is RestartOnCrash and
// the module crashed. When due, the attempt count is incremented; if the
// incremented count exceeds limit the decision is a halt instead, carrying
// a user-facing reason.
func Decide(mode Mode, crashed bool, count, limit int) Decision {
	due := mode == RestartOnExit || (mode == RestartOnCrash && crashed)
	if !due {
		return Decision{Restart: false, NewCount: count}
	}

	newCount := count + 1
	if newCount > limit {
		return Decision{
			Restart:  false,
			NewCount: count,
			HaltReason: fmt.Sprintf(
				"the application failed repeatedly (%d attempts); reload the host to try again",
				newCount),
		}
	}
	return Decision{Restart: true, NewCount: newCount}
}

// ParseMode parses a mode string; the empty string means DoNotRestart
func ParseMode(s string) (Mode, error) {
	switch s {
	case string(DoNotRestart), "":
		return DoNotRestart, nil
	case string(RestartOnExit), "on-exit", "exit":
		return RestartOnExit, nil
	case string(RestartOnCrash), "on-crash", "crash":
		return RestartOnCrash, nil
	default:
		return DoNotRestart, fmt.Errorf("unknown restart mode %q", s)
	}
}

// ParseType parses a type string; the empty string means RestartModule
func ParseType(s string) (Type, error) {
	switch s {
	case string(RestartModule), "":
		return RestartModule, nil
	case string(ReloadHost), "reload-host", "host":
		return ReloadHost, nil
	default:
		return RestartModule, fmt.Errorf("unknown restart type %q", s)
	}
}
