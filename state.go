package dset

import "fmt"

// State is the lifecycle state of a run.
//
// Transitions: StatePending → StateRunning on the first Append;
// StateRunning → StateCompleted on a successful Complete;
// StateRunning → StateInterrupted on Abort, on an unrecoverable flush
// failure, or when the store finds an unfinalized run at startup.
// Completed and interrupted are terminal.
type State uint8

const (
	// StatePending means the run exists but has received no data yet.
	StatePending State = iota + 1

	// StateRunning means at least one batch was appended and the run is
	// accepting more.
	StateRunning

	// StateCompleted means the run ended normally and its final flush
	// succeeded; all data is durable.
	StateCompleted

	// StateInterrupted means the run ended without finalizing. Data up to
	// the last checkpoint is valid and readable; anything after it was
	// only in memory and is lost.
	StateInterrupted
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInterrupted
}

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState converts the string form back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "running":
		return StateRunning, nil
	case "completed":
		return StateCompleted, nil
	case "interrupted":
		return StateInterrupted, nil
	default:
		return 0, fmt.Errorf("parse state: unknown state %q", s)
	}
}
