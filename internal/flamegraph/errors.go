package flamegraph

import (
	"fmt"
	"strings"
)

// StageError reports a pipeline stage that could not start or exited
// unsuccessfully.
type StageError struct {
	Stage    string
	ExitCode int
	Stderr   string // last lines of the stage's stderr
	Err      error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.ReplaceAll(e.Stderr, "\n", " | ")
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PostProcessError reports that the rendering pipeline failed.
// It is not fatal: the session still tries to emit whatever artifact exists.
type PostProcessError struct {
	ProfilePath string
	Err         error
}

func (e *PostProcessError) Error() string {
	return fmt.Sprintf("post-process %s: %v", e.ProfilePath, e.Err)
}

func (e *PostProcessError) Unwrap() error {
	return e.Err
}

// ArtifactReadError reports that the rendered artifact is missing or
// unreadable at emission time.
type ArtifactReadError struct {
	Path string
	Err  error
}

func (e *ArtifactReadError) Error() string {
	return fmt.Sprintf("read artifact %s: %v", e.Path, e.Err)
}

func (e *ArtifactReadError) Unwrap() error {
	return e.Err
}
