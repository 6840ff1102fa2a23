package orchestrator

import "fmt"

// State is the phase a session is in.
type State int

const (
	// StateInit is the state before Run.
	StateInit State = iota

	// StateServerStarting indicates the server under test is being spawned.
	StateServerStarting

	// StateProfilerAttaching indicates the profiler is being attached to
	// the server.
	StateProfilerAttaching

	// StateLoading indicates shots are being fired.
	StateLoading

	// StateStopping indicates the server and profiler are being stopped.
	StateStopping

	// StatePostProcessing indicates the profile is being rendered and
	// emitted.
	StatePostProcessing

	// StateDone is the terminal state of a completed session.
	StateDone

	// StateFailed is the terminal state of a session that could not run.
	StateFailed
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateInit,
	StateServerStarting,
	StateProfilerAttaching,
	StateLoading,
	StateStopping,
	StatePostProcessing,
	StateDone,
	StateFailed,
}

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateServerStarting:
		return "server_starting"
	case StateProfilerAttaching:
		return "profiler_attaching"
	case StateLoading:
		return "loading"
	case StateStopping:
		return "stopping"
	case StatePostProcessing:
		return "post_processing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the session can make no further progress.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether the state machine allows moving from s to
// to. States advance one step at a time; any non-terminal state may fail.
func (s State) CanTransition(to State) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to == s+1
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}

// stateNames returns the names of AllStates.
func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}
