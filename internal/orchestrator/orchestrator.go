// Package orchestrator runs a profiling session: start the server under
// test, attach the profiler, fire the load, stop both, then turn the
// profile into a flame graph and emit it.
//
// Session lifecycle:
//
//	init -> server_starting -> profiler_attaching -> loading -> stopping
//	     -> post_processing -> done
//
// Any non-terminal state may move to failed. Only spawn failures (and an
// aborted load) are fatal; post-processing and emission problems are
// recorded in the summary and the session still completes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-perf-shooter/internal/ammo"
	"github.com/randomizedcoder/go-perf-shooter/internal/config"
	"github.com/randomizedcoder/go-perf-shooter/internal/flamegraph"
	"github.com/randomizedcoder/go-perf-shooter/internal/logging"
	"github.com/randomizedcoder/go-perf-shooter/internal/metrics"
	"github.com/randomizedcoder/go-perf-shooter/internal/process"
	"github.com/randomizedcoder/go-perf-shooter/internal/shooter"
	"github.com/randomizedcoder/go-perf-shooter/internal/stats"
)

// reapTimeout bounds how long the stopping phase waits to observe the
// server's exit status after the profiler has finished.
const reapTimeout = 5 * time.Second

// Renderer turns a profile into a flame graph artifact.
type Renderer interface {
	Render(ctx context.Context, profilePath string) (string, error)
	ArtifactPath() string
}

// Callbacks contains optional callbacks for session events.
// They are called from the session goroutine and must not block.
type Callbacks struct {
	OnStateChange func(from, to State)
	OnShot        func(index int, endpoint string, err error)
}

// Options wires the session's collaborators. Zero values get production
// defaults.
type Options struct {
	// Spawner starts the server, profiler and request processes.
	Spawner process.Spawner

	// Shooter fires single shots. Defaults to an Executor on Spawner.
	Shooter shooter.Shooter

	// Renderer runs post-processing. Defaults to a flamegraph.Renderer.
	Renderer Renderer

	// Emit receives the artifact bytes. Defaults to io.Discard.
	Emit io.Writer

	// Metrics, if set, is updated on every transition and shot.
	Metrics *metrics.Collector

	// SessionID overrides the generated session UUID.
	SessionID string

	Callbacks Callbacks
}

// Orchestrator coordinates all components for one profiling session.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger

	sessionID string
	spawner   process.Spawner
	shooter   shooter.Shooter
	renderer  Renderer
	emit      io.Writer
	metrics   *metrics.Collector
	callbacks Callbacks

	ammo      ammo.Set
	generator *ammo.Generator

	mu       sync.Mutex
	state    State
	summary  stats.Summary
	server   process.Process
	profiler process.Process
}

// New creates a session for a validated configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Orchestrator, error) {
	set, err := ammo.NewSet(cfg.Ammo)
	if err != nil {
		return nil, fmt.Errorf("ammunition: %w", err)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger = logger.With("session", sessionID)

	spawner := opts.Spawner
	if spawner == nil {
		spawner = process.NewExecSpawner(logger, cfg.Verbose)
	}
	shot := opts.Shooter
	if shot == nil {
		shot = shooter.NewExecutor(spawner, cfg.RequestCommand, cfg.Cooldown, logger)
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = flamegraph.NewRenderer(flamegraph.RendererConfig{
			Commands:     cfg.Stages,
			ArtifactPath: cfg.ArtifactPath,
			PprofPath:    cfg.PprofPath,
			Logger:       logger,
			Verbose:      cfg.Verbose,
		})
	}
	emit := opts.Emit
	if emit == nil {
		emit = io.Discard
	}

	return &Orchestrator{
		config:    cfg,
		logger:    logger,
		sessionID: sessionID,
		spawner:   spawner,
		shooter:   shot,
		renderer:  renderer,
		emit:      emit,
		metrics:   opts.Metrics,
		callbacks: opts.Callbacks,
		ammo:      set,
		generator: ammo.NewGenerator(cfg.Seed, cfg.Bound),
		state:     StateInit,
		summary: stats.Summary{
			SessionID:        sessionID,
			ServerCommand:    cfg.ServerCommand,
			FinalState:       StateInit.String(),
			ShotsPlanned:     cfg.Shots,
			ServerExitCode:   -1,
			ProfilerExitCode: -1,
			ProfilePath:      cfg.ProfilePath,
			ArtifactPath:     renderer.ArtifactPath(),
			PprofPath:        cfg.PprofPath,
			MetricsAddr:      cfg.MetricsAddr,
		},
	}, nil
}

// StateNames returns the name of every session state, for metrics.
func StateNames() []string {
	return stateNames()
}

// SessionID returns the session's UUID.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Summary returns a snapshot of the session outcome.
func (o *Orchestrator) Summary() stats.Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.summary
	s.PerEndpoint = make(map[string]int, len(o.summary.PerEndpoint))
	for k, v := range o.summary.PerEndpoint {
		s.PerEndpoint[k] = v
	}
	return s
}

// Run executes the session. It returns nil when the session reached done,
// including when post-processing or emission failed, and the fatal error
// (wrapping *process.SpawnError) when it failed.
//
// Cancelling ctx during the load ends it early; the session still stops
// the processes, renders and emits on a context detached from ctx.
// Run may be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		o.mu.Lock()
		o.summary.TotalDuration = time.Since(start)
		o.mu.Unlock()
	}()

	o.logger.Info("session_starting",
		"server", o.config.ServerCommand,
		"shots", o.config.Shots,
		"cooldown", o.config.Cooldown.String(),
		"seed", o.config.Seed,
	)

	// 1. Server
	if err := o.transition(StateServerStarting); err != nil {
		return err
	}
	server, err := o.spawn(ctx, "server", o.config.ServerCommand)
	if err != nil {
		return o.fail(err, nil, nil)
	}
	o.mu.Lock()
	o.summary.ServerPID = server.Pid()
	o.server = server
	o.mu.Unlock()
	o.describe(ctx, "server_started", server)

	// 2. Profiler
	if err := o.transition(StateProfilerAttaching); err != nil {
		return o.fail(err, server, nil)
	}
	profilerCmd := process.ProfilerCommand{
		Template:    o.config.ProfilerCommand,
		ProfilePath: o.config.ProfilePath,
	}.Build(server.Pid())
	profiler, err := o.spawn(ctx, "profiler", profilerCmd)
	if err != nil {
		return o.fail(err, server, nil)
	}
	o.mu.Lock()
	o.summary.ProfilerPID = profiler.Pid()
	o.profiler = profiler
	o.mu.Unlock()

	// 3. Load
	if err := o.transition(StateLoading); err != nil {
		return o.fail(err, server, profiler)
	}
	result, loadErr := o.load(ctx)

	o.mu.Lock()
	o.summary.ShotsFired = result.Fired
	o.summary.ShotsFailed = result.Failed
	o.summary.PerEndpoint = result.PerEndpoint
	o.summary.LoadDuration = result.Duration
	o.mu.Unlock()

	if loadErr != nil {
		if !errors.Is(loadErr, context.Canceled) && !errors.Is(loadErr, context.DeadlineExceeded) {
			return o.fail(loadErr, server, profiler)
		}
		o.mu.Lock()
		o.summary.Interrupted = true
		o.mu.Unlock()
		o.logger.Warn("load_interrupted", "fired", result.Fired, "target", o.config.Shots)
	}
	o.logger.Info("shooting_complete", "fired", result.Fired, "failed", result.Failed)

	// The rest of the session must run even if ctx was cancelled.
	tail := context.WithoutCancel(ctx)

	// 4. Stop
	if err := o.transition(StateStopping); err != nil {
		return o.fail(err, server, profiler)
	}
	o.describe(tail, "server_usage", server)
	o.stop(tail, server, profiler)

	// 5. Post-process
	if err := o.transition(StatePostProcessing); err != nil {
		return o.fail(err, nil, nil)
	}
	o.postProcess(tail)

	// 6. Emit
	o.emitArtifact()

	if err := o.transition(StateDone); err != nil {
		return err
	}
	o.logger.Info("session_complete", "duration", time.Since(start).String())
	return nil
}

// load runs the load driver synchronously.
func (o *Orchestrator) load(ctx context.Context) (shooter.Result, error) {
	driver := shooter.NewDriver(shooter.DriverConfig{
		Shooter:   o.shooter,
		Ammo:      o.ammo,
		Generator: o.generator,
		Shots:     o.config.Shots,
		Policy:    shooter.FailurePolicy(o.config.ShotFailurePolicy),
		Logger:    o.logger,
		OnShot:    o.onShot,
	})
	return driver.Run(ctx)
}

func (o *Orchestrator) onShot(index int, endpoint string, err error) {
	if o.metrics != nil {
		o.metrics.RecordShot(endpoint, err)
	}
	if o.callbacks.OnShot != nil {
		o.callbacks.OnShot(index, endpoint, err)
	}
	o.logger.Debug("shot_fired", "shot", index, "endpoint", endpoint)
}

// spawn starts a session process. Its stdout is logged, never mixed into
// the artifact stream. The profiler stays in the foreground process group
// so that sudo can prompt on the terminal.
func (o *Orchestrator) spawn(ctx context.Context, role, command string) (process.Process, error) {
	p, err := o.spawner.Spawn(ctx, process.Spec{
		Role:       role,
		Command:    command,
		Stdout:     logging.NewStderrHandler(role+"_stdout", o.logger, o.config.Verbose),
		Foreground: role == "profiler",
	})
	if o.metrics != nil {
		o.metrics.RecordSpawn(role, err)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("process_started", "role", role, "pid", p.Pid(), "command", command)
	return p, nil
}

// stop terminates the server without waiting, then waits for the profiler
// to finish writing its data.
func (o *Orchestrator) stop(ctx context.Context, server, profiler process.Process) {
	if server != nil {
		if err := server.Stop(false); err != nil {
			o.logger.Warn("server_stop_failed", "pid", server.Pid(), "error", err)
		}
	}
	if profiler != nil {
		if err := profiler.Stop(true); err != nil {
			o.logger.Warn("profiler_stop_failed", "pid", profiler.Pid(), "error", err)
		}
		o.recordExit(profiler.Poll(), profiler)
	}
	if server != nil {
		reapCtx, cancel := context.WithTimeout(ctx, reapTimeout)
		st, err := server.Wait(reapCtx)
		cancel()
		if err != nil {
			o.logger.Warn("server_still_running", "pid", server.Pid(), "error", err)
			return
		}
		o.recordExit(st, server)
	}
}

// stderrTailer is implemented by processes that keep their last stderr
// lines, such as process.Handle.
type stderrTailer interface {
	StderrTail() string
}

func (o *Orchestrator) recordExit(st process.Status, p process.Process) {
	if st.Running() {
		return
	}
	attrs := []any{
		"role", p.Role(),
		"pid", p.Pid(),
		"exit_code", st.ExitCode,
		"uptime", st.Uptime.String(),
	}
	if t, ok := p.(stderrTailer); ok && st.ExitCode != 0 {
		if tail := t.StderrTail(); tail != "" {
			attrs = append(attrs, "stderr_tail", tail)
		}
	}
	o.logger.Info("process_exited", attrs...)
	if o.metrics != nil {
		o.metrics.RecordExit(p.Role(), st.ExitCode, st.Uptime)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch p.Role() {
	case "server":
		o.summary.ServerExitCode = st.ExitCode
	case "profiler":
		o.summary.ProfilerExitCode = st.ExitCode
	}
}

// postProcess renders the profile. Failure is recorded, not returned.
func (o *Orchestrator) postProcess(ctx context.Context) {
	_, err := o.renderer.Render(ctx, o.config.ProfilePath)
	if o.metrics != nil {
		o.metrics.RecordPostProcess(err)
	}
	if err != nil {
		o.logger.Error("postprocess_failed", "profile", o.config.ProfilePath, "error", err)
		o.mu.Lock()
		o.summary.PostProcessError = err.Error()
		o.mu.Unlock()
	}
}

// emitArtifact writes the artifact bytes to the emit writer. Failure is
// recorded, not returned.
func (o *Orchestrator) emitArtifact() {
	path := o.renderer.ArtifactPath()
	n, err := flamegraph.Emit(path, o.emit)
	if err != nil {
		o.logger.Error("artifact_emit_failed", "path", path, "error", err)
		o.mu.Lock()
		o.summary.ArtifactError = err.Error()
		o.mu.Unlock()
		return
	}
	if o.metrics != nil {
		o.metrics.SetArtifactBytes(n)
	}
	o.mu.Lock()
	o.summary.ArtifactBytes = n
	o.mu.Unlock()
	o.logger.Info("artifact_emitted", "path", path, "bytes", n)
}

// fail moves the session to failed after releasing whatever was started:
// the server is stopped without waiting and the profiler is waited for so
// the partial profile is flushed. Post-processing is skipped.
func (o *Orchestrator) fail(err error, server, profiler process.Process) error {
	o.logger.Error("session_failed", "state", o.State().String(), "error", err)

	if server != nil || profiler != nil {
		o.stop(context.Background(), server, profiler)
	}

	o.mu.Lock()
	o.summary.FatalError = err.Error()
	o.mu.Unlock()

	if terr := o.transition(StateFailed); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// Terminate sends SIGTERM to the server and profiler if they are still
// running, without waiting. It is for a forced exit while Run is in
// progress; Run itself still owns the orderly shutdown.
func (o *Orchestrator) Terminate() {
	o.mu.Lock()
	procs := []process.Process{o.server, o.profiler}
	o.mu.Unlock()

	for _, p := range procs {
		if p == nil || !p.Poll().Running() {
			continue
		}
		if err := p.Stop(false); err != nil {
			o.logger.Warn("terminate_failed", "role", p.Role(), "pid", p.Pid(), "error", err)
		}
	}
}

// transition moves the state machine and notifies observers.
func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	from := o.state
	if !from.CanTransition(to) {
		o.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	o.state = to
	o.summary.FinalState = to.String()
	o.mu.Unlock()

	o.logger.Info("session_state", "from", from.String(), "to", to.String())
	if o.metrics != nil {
		o.metrics.SetState(to.String())
	}
	if o.callbacks.OnStateChange != nil {
		o.callbacks.OnStateChange(from, to)
	}
	return nil
}

// describe logs a best-effort snapshot of p.
func (o *Orchestrator) describe(ctx context.Context, event string, p process.Process) {
	info, err := process.Describe(ctx, p.Pid())
	if err != nil {
		o.logger.Debug("describe_failed", "role", p.Role(), "pid", p.Pid(), "error", err)
		return
	}
	o.logger.Info(event,
		"role", p.Role(),
		"pid", info.PID,
		"name", info.Name,
		"rss_bytes", info.RSSBytes,
		"cpu_seconds", info.CPUSeconds,
	)
}

// PrintCommands writes the commands a session would run, without running
// them. The profiler command shows the {pid} placeholder.
func PrintCommands(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "server:   %s\n", cfg.ServerCommand)
	fmt.Fprintf(w, "profiler: %s\n", process.Expand(cfg.ProfilerCommand, map[string]string{
		process.PlaceholderProfile: cfg.ProfilePath,
	}))
	for _, e := range cfg.Ammo {
		fmt.Fprintf(w, "request:  %s\n", process.Expand(cfg.RequestCommand, map[string]string{
			process.PlaceholderEndpoint: e,
		}))
	}
	for _, s := range flamegraph.StagesFromCommands(cfg.Stages, cfg.ProfilePath) {
		fmt.Fprintf(w, "stage %-9s %s\n", s.Name+":", s.Command)
	}
	fmt.Fprintf(w, "output:   %s\n", cfg.ArtifactPath)
}
