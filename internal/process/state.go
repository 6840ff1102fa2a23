package process

import "time"

// State is the lifecycle state of a managed process.
type State int

const (
	// StateRunning means the process has not exited yet.
	StateRunning State = iota

	// StateExited means the process has exited and been reaped.
	StateExited
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a process.
type Status struct {
	State    State
	ExitCode int // valid when State == StateExited
	Uptime   time.Duration
}

// Running reports whether the process was still running.
func (s Status) Running() bool {
	return s.State == StateRunning
}
