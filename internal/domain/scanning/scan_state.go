package scanning

import "fmt"

// Trigger records what caused a ScanRun to exist.
type Trigger string

const (
	// TriggerManual is a scan requested directly by a user.
	TriggerManual Trigger = "manual"
	// TriggerScheduled is a scan created by the recurring scheduler.
	TriggerScheduled Trigger = "scheduled"
)

func (t Trigger) String() string { return string(t) }

// State is the lifecycle position of a ScanRun.
type State string

const (
	// StateScheduled is a placeholder waiting for its scheduled window.
	StateScheduled State = "scheduled"
	// StateAvailable is a run that can be picked up immediately.
	StateAvailable State = "available"
	// StateExecuting is a run whose check suite is in flight.
	StateExecuting State = "executing"
	// StateCompleted is a run whose check suite returned normally.
	StateCompleted State = "completed"
	// StateFailed is a run whose check suite aborted.
	StateFailed State = "failed"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool { return s == StateCompleted || s == StateFailed }

// ParseState converts a persisted state string into a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateScheduled, StateAvailable, StateExecuting, StateCompleted, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown scan state %q", s)
	}
}

var validStateTransitions = map[State]map[State]struct{}{
	StateScheduled: {StateAvailable: {}, StateExecuting: {}},
	StateAvailable: {StateExecuting: {}},
	StateExecuting: {StateCompleted: {}, StateFailed: {}},
}

// validateTransition returns an error if moving from s to target is not
// allowed.
func (s State) validateTransition(target State) error {
	if next, ok := validStateTransitions[s]; ok {
		if _, ok := next[target]; ok {
			return nil
		}
	}
	return fmt.Errorf("invalid scan state transition from %s to %s", s, target)
}
