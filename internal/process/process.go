// Package process spawns and controls the external processes of a
// profiling session: the target server, the profiler and the request
// sub-processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-perf-shooter/internal/logging"
)

// stderrTailLines is how many stderr lines a handle reports in errors.
const stderrTailLines = 5

// Spec describes a process to spawn.
type Spec struct {
	// Role names the process in logs and errors ("server", "profiler", "shot").
	Role string

	// Command is the full command line. It is split with shell quoting rules.
	Command string

	// Stdout receives the process's standard output. Nil discards it.
	Stdout io.Writer

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Foreground keeps the child in this program's process group, so it
	// can read from the controlling terminal (a sudo password prompt).
	// Such a child also receives terminal interrupts directly.
	Foreground bool
}

// Process is a running external process owned by whoever spawned it.
type Process interface {
	// Pid returns the operating system process ID.
	Pid() int

	// Role returns the role the process was spawned with.
	Role() string

	// Poll reports the process status without blocking.
	Poll() Status

	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (Status, error)

	// Stop optionally waits for the process to exit on its own, then
	// requests termination if it is still running.
	Stop(wait bool) error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner spawns real operating system processes.
type ExecSpawner struct {
	logger    *slog.Logger
	verbose   bool
	waitDelay time.Duration
}

// NewExecSpawner creates a spawner that logs through logger.
// When verbose is set, every stderr line of every child is logged.
func NewExecSpawner(logger *slog.Logger, verbose bool) *ExecSpawner {
	return &ExecSpawner{
		logger:    logger,
		verbose:   verbose,
		waitDelay: 5 * time.Second,
	}
}

// Spawn starts the process described by spec.
//
// Unless spec.Foreground is set, the child runs in its own process group
// so that a terminal interrupt reaches only this program, which then stops
// children in session order. The child's stderr is always captured, never
// inherited.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Role: spec.Role, Command: spec.Command, Err: err}
	}

	argv, err := SplitCommand(spec.Command)
	if err != nil {
		return nil, &SpawnError{Role: spec.Role, Command: spec.Command, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	stderr := logging.NewStderrHandler(spec.Role, s.logger, s.verbose)
	cmd.Stderr = stderr
	cmd.WaitDelay = s.waitDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: !spec.Foreground,
	}

	if err := cmd.Start(); err != nil {
		s.logger.Error("process_spawn_failed",
			"role", spec.Role,
			"command", spec.Command,
			"error", err,
		)
		return nil, &SpawnError{Role: spec.Role, Command: spec.Command, Err: err}
	}

	h := &Handle{
		role:    spec.Role,
		group:   !spec.Foreground,
		cmd:     cmd,
		stderr:  stderr,
		stdout:  spec.Stdout,
		logger:  s.logger,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go h.reap()

	s.logger.Debug("process_started",
		"role", spec.Role,
		"pid", h.Pid(),
		"command", spec.Command,
	)

	return h, nil
}

// flusher is implemented by line-buffered sinks such as
// logging.StderrHandler.
type flusher interface {
	Flush()
}

// Handle is a Process backed by os/exec.
type Handle struct {
	role    string
	group   bool // leads its own process group
	cmd     *exec.Cmd
	stderr  *logging.StderrHandler
	stdout  io.Writer
	logger  *slog.Logger
	started time.Time

	// done is closed once the process has been reaped; status is
	// written before the close and only read after it.
	done   chan struct{}
	status Status
}

// reap waits for the process and records its exit status.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.stderr.Flush()
	if f, ok := h.stdout.(flusher); ok {
		f.Flush()
	}

	h.status = Status{
		State:    StateExited,
		ExitCode: ExitCode(err),
		Uptime:   time.Since(h.started),
	}
	close(h.done)

	h.logger.Debug("process_exited",
		"role", h.role,
		"pid", h.Pid(),
		"exit_code", h.status.ExitCode,
		"uptime", h.status.Uptime.String(),
	)
}

// Pid returns the process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Role returns the role the process was spawned with.
func (h *Handle) Role() string {
	return h.role
}

// Poll reports the process status without blocking.
func (h *Handle) Poll() Status {
	select {
	case <-h.done:
		return h.status
	default:
		return Status{State: StateRunning, Uptime: time.Since(h.started)}
	}
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Status, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return h.Poll(), ctx.Err()
	}
}

// Stop waits for the process to exit when wait is set, then sends SIGTERM
// to it, or to its process group, if it is still running.
//
// Waiting happens before terminating: a profiler must be allowed to finish
// writing its data file, and signalling it first could truncate the output.
func (h *Handle) Stop(wait bool) error {
	if wait {
		<-h.done
	}

	select {
	case <-h.done:
		// Already exited: terminating it is a no-op.
		return nil
	default:
	}

	h.logger.Debug("process_terminating", "role", h.role, "pid", h.Pid())
	return h.terminate()
}

// terminate sends SIGTERM to the process group, falling back to the
// process itself. A foreground child shares our group and is signalled
// alone.
func (h *Handle) terminate() error {
	pid := h.Pid()
	if h.group {
		err := unix.Kill(-pid, unix.SIGTERM)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.ESRCH) {
			// Group gone: the process exited between the check and the signal.
			return nil
		}
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate %s (pid %d): %w", h.role, pid, err)
	}
	return nil
}

// StderrTail returns the last few lines the process wrote to stderr.
func (h *Handle) StderrTail() string {
	return h.stderr.Tail(stderrTailLines)
}

// ExitCode extracts the exit code from a Wait error.
// A process killed by a signal reports 128 + the signal number.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}

	return 1
}

var _ Process = (*Handle)(nil)
