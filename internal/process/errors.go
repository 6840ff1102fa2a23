package process

import "fmt"

// SpawnError reports that a process could not be launched.
// It is fatal for the profiling session.
type SpawnError struct {
	Role    string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s %q: %v", e.Role, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
