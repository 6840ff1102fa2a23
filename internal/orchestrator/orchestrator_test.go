package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-perf-shooter/internal/ammo"
	"github.com/randomizedcoder/go-perf-shooter/internal/config"
	"github.com/randomizedcoder/go-perf-shooter/internal/flamegraph"
	"github.com/randomizedcoder/go-perf-shooter/internal/metrics"
	"github.com/randomizedcoder/go-perf-shooter/internal/process"
	"github.com/randomizedcoder/go-perf-shooter/internal/shooter"
)

// =============================================================================
// Fakes
// =============================================================================

// eventLog records session side effects in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// fakeProcess exits when stopped: the server with SIGTERM's code, the
// profiler on its own with 0.
type fakeProcess struct {
	pid      int
	role     string
	log      *eventLog
	tail     string // reported by StderrTail
	waitCode int    // exit code when stopped with wait

	mu     sync.Mutex
	done   chan struct{}
	status process.Status
}

func newFakeProcess(pid int, role string, log *eventLog) *fakeProcess {
	return &fakeProcess{pid: pid, role: role, log: log, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int     { return p.pid }
func (p *fakeProcess) Role() string { return p.role }

func (p *fakeProcess) Poll() process.Status {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status
	default:
		return process.Status{State: process.StateRunning}
	}
}

func (p *fakeProcess) Wait(ctx context.Context) (process.Status, error) {
	select {
	case <-p.done:
		return p.Poll(), nil
	case <-ctx.Done():
		return p.Poll(), ctx.Err()
	}
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.status = process.Status{State: process.StateExited, ExitCode: code, Uptime: time.Second}
	close(p.done)
}

func (p *fakeProcess) StderrTail() string { return p.tail }

func (p *fakeProcess) Stop(wait bool) error {
	p.log.add("stop %s wait=%v", p.role, wait)
	if wait {
		p.exit(p.waitCode)
		return nil
	}
	p.exit(143)
	return nil
}

// fakeSpawner hands out fakeProcesses and fails the roles in failRoles.
type fakeSpawner struct {
	log       *eventLog
	failRoles map[string]bool

	// Applied by role to the processes handed out.
	stderr   map[string]string
	exitCode map[string]int

	mu    sync.Mutex
	procs map[string]*fakeProcess
	specs map[string]process.Spec
	next  int
}

func newFakeSpawner(log *eventLog, failRoles ...string) *fakeSpawner {
	s := &fakeSpawner{log: log, failRoles: map[string]bool{}, procs: map[string]*fakeProcess{}, specs: map[string]process.Spec{}, next: 4000001}
	for _, r := range failRoles {
		s.failRoles[r] = true
	}
	return s
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec process.Spec) (process.Process, error) {
	s.log.add("spawn %s %s", spec.Role, spec.Command)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Role] = spec
	if s.failRoles[spec.Role] {
		return nil, &process.SpawnError{Role: spec.Role, Command: spec.Command, Err: exec.ErrNotFound}
	}
	p := newFakeProcess(s.next, spec.Role, s.log)
	p.tail = s.stderr[spec.Role]
	p.waitCode = s.exitCode[spec.Role]
	s.next++
	s.procs[spec.Role] = p
	return p, nil
}

func (s *fakeSpawner) proc(role string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[role]
}

func (s *fakeSpawner) spec(role string) process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[role]
}

// fakeShooter records shots and can fail or cancel on a given shot.
type fakeShooter struct {
	log *eventLog

	failOn   int                // 1-based shot that fails, 0 = never
	cancelOn int                // 1-based shot after which cancel is called
	cancel   context.CancelFunc // set with cancelOn
	onShoot  func(n int)        // called with the 1-based shot number
	shots    []string
}

func (f *fakeShooter) Shoot(ctx context.Context, endpoint string) error {
	f.shots = append(f.shots, endpoint)
	f.log.add("shot %s", endpoint)
	n := len(f.shots)
	if f.onShoot != nil {
		f.onShoot(n)
	}
	if n == f.cancelOn && f.cancel != nil {
		f.cancel()
	}
	if n == f.failOn {
		return &process.SpawnError{Role: "shot", Command: "curl " + endpoint, Err: exec.ErrNotFound}
	}
	return nil
}

// fakeRenderer writes a fixed SVG, or fails without producing one.
type fakeRenderer struct {
	log      *eventLog
	artifact string
	fail     bool
}

func (r *fakeRenderer) Render(ctx context.Context, profilePath string) (string, error) {
	r.log.add("render %s", profilePath)
	os.Remove(r.artifact)
	if r.fail {
		return "", &flamegraph.PostProcessError{
			ProfilePath: profilePath,
			Err:         &flamegraph.StageError{Stage: "render", ExitCode: 3, Err: errors.New("exit status 3")},
		}
	}
	return r.artifact, os.WriteFile(r.artifact, []byte("<svg>flame</svg>"), 0o644)
}

func (r *fakeRenderer) ArtifactPath() string {
	return r.artifact
}

// =============================================================================
// Helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerCommand = "./game_server -c config.json"
	cfg.Shots = 4
	cfg.Cooldown = time.Millisecond
	cfg.Ammo = []string{"/a", "/b"}
	cfg.ProfilerCommand = "perf record -o {profile} -p {pid}"
	cfg.ProfilePath = filepath.Join(t.TempDir(), "perf.data")
	cfg.ArtifactPath = filepath.Join(t.TempDir(), "graph.svg")
	return cfg
}

type harness struct {
	log         *eventLog
	spawner     *fakeSpawner
	shooter     *fakeShooter
	renderer    *fakeRenderer
	emit        *bytes.Buffer
	transitions []string
}

func newHarness(t *testing.T, cfg *config.Config, failRoles ...string) (*harness, Options) {
	h := &harness{log: &eventLog{}, emit: &bytes.Buffer{}}
	h.spawner = newFakeSpawner(h.log, failRoles...)
	h.shooter = &fakeShooter{log: h.log}
	h.renderer = &fakeRenderer{log: h.log, artifact: cfg.ArtifactPath}

	opts := Options{
		Spawner:  h.spawner,
		Shooter:  h.shooter,
		Renderer: h.renderer,
		Emit:     h.emit,
		Callbacks: Callbacks{
			OnStateChange: func(from, to State) {
				h.transitions = append(h.transitions, to.String())
			},
		},
	}
	return h, opts
}

func newOrchestrator(t *testing.T, cfg *config.Config, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(cfg, newTestLogger(), opts)
	require.NoError(t, err)
	return o
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_Sequencing(t *testing.T) {
	cfg := testConfig(t)
	h, opts := newHarness(t, cfg)
	o := newOrchestrator(t, cfg, opts)

	require.NoError(t, o.Run(context.Background()))

	// Shots follow the seeded sequence.
	seq := ammo.Sequence(cfg.Seed, cfg.Bound, 2, 4)
	var wantShots []string
	for _, i := range seq {
		wantShots = append(wantShots, "shot "+cfg.Ammo[i])
	}

	want := []string{
		"spawn server ./game_server -c config.json",
		fmt.Sprintf("spawn profiler perf record -o %s -p 4000001", cfg.ProfilePath),
	}
	want = append(want, wantShots...)
	want = append(want,
		"stop server wait=false",
		"stop profiler wait=true",
		"render "+cfg.ProfilePath,
	)
	assert.Equal(t, want, h.log.all())

	assert.Equal(t, []string{
		"server_starting", "profiler_attaching", "loading", "stopping", "post_processing", "done",
	}, h.transitions)
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, "<svg>flame</svg>", h.emit.String())

	s := o.Summary()
	assert.Equal(t, "done", s.FinalState)
	assert.Equal(t, 4, s.ShotsFired)
	assert.Equal(t, 0, s.ShotsFailed)
	assert.Equal(t, 4, s.PerEndpoint["/a"]+s.PerEndpoint["/b"])
	assert.Equal(t, 143, s.ServerExitCode)
	assert.Equal(t, 0, s.ProfilerExitCode)
	assert.Equal(t, len("<svg>flame</svg>"), s.ArtifactBytes)
	assert.Empty(t, s.FatalError)
	assert.Empty(t, s.PostProcessError)
	assert.Empty(t, s.ArtifactError)
	assert.False(t, s.Interrupted)
	assert.NotEmpty(t, s.SessionID)
}

func TestRun_MissingServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServerCommand = "./does-not-exist"
	h, opts := newHarness(t, cfg, "server")
	o := newOrchestrator(t, cfg, opts)

	err := o.Run(context.Background())

	var spawnErr *process.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "server", spawnErr.Role)

	assert.Equal(t, []string{"spawn server ./does-not-exist"}, h.log.all(),
		"no profiler, no shots, no post-processing")
	assert.Equal(t, []string{"server_starting", "failed"}, h.transitions)
	assert.Equal(t, StateFailed, o.State())
	assert.Empty(t, h.emit.String())

	s := o.Summary()
	assert.Equal(t, "failed", s.FinalState)
	assert.Contains(t, s.FatalError, "does-not-exist")
	assert.Equal(t, 0, s.ShotsFired)
}

func TestRun_ProfilerSpawnFailureStopsServer(t *testing.T) {
	cfg := testConfig(t)
	h, opts := newHarness(t, cfg, "profiler")
	o := newOrchestrator(t, cfg, opts)

	err := o.Run(context.Background())

	var spawnErr *process.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "profiler", spawnErr.Role)

	events := h.log.all()
	require.Len(t, events, 3)
	assert.Equal(t, "stop server wait=false", events[2])
	assert.Zero(t, h.log.count("shot "))
	assert.Zero(t, h.log.count("render "))
	assert.Equal(t, []string{"server_starting", "profiler_attaching", "failed"}, h.transitions)
	assert.Equal(t, 143, o.Summary().ServerExitCode)
}

func TestRun_RenderFailureStillCompletes(t *testing.T) {
	cfg := testConfig(t)
	// A stale graph from an earlier session must not be emitted.
	require.NoError(t, os.WriteFile(cfg.ArtifactPath, []byte("<svg>stale</svg>"), 0o644))

	h, opts := newHarness(t, cfg)
	h.renderer.fail = true
	o := newOrchestrator(t, cfg, opts)

	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, StateDone, o.State())
	assert.Empty(t, h.emit.String())

	s := o.Summary()
	assert.Contains(t, s.PostProcessError, "stage render")
	assert.Contains(t, s.ArtifactError, "read artifact")
	assert.Zero(t, s.ArtifactBytes)
	assert.Empty(t, s.FatalError)

	_, err := flamegraph.ReadArtifact(cfg.ArtifactPath)
	var readErr *flamegraph.ArtifactReadError
	assert.ErrorAs(t, err, &readErr)
}

func TestRun_CancelledDuringLoad(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shots = 10
	h, opts := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.shooter.cancelOn = 2
	h.shooter.cancel = cancel

	o := newOrchestrator(t, cfg, opts)
	require.NoError(t, o.Run(ctx))

	assert.Equal(t, 2, h.log.count("shot "))
	assert.Equal(t, 1, h.log.count("stop server"))
	assert.Equal(t, 1, h.log.count("stop profiler"))
	assert.Equal(t, 1, h.log.count("render "), "post-processing runs after an interrupted load")
	assert.Equal(t, "<svg>flame</svg>", h.emit.String())

	s := o.Summary()
	assert.True(t, s.Interrupted)
	assert.Equal(t, 2, s.ShotsFired)
	assert.Equal(t, "done", s.FinalState)
}

func TestRun_ProfilerStaysInForeground(t *testing.T) {
	cfg := testConfig(t)
	h, opts := newHarness(t, cfg)
	o := newOrchestrator(t, cfg, opts)

	require.NoError(t, o.Run(context.Background()))

	assert.True(t, h.spawner.spec("profiler").Foreground, "profiler must be able to prompt on the terminal")
	assert.False(t, h.spawner.spec("server").Foreground, "server runs in its own process group")
}

func TestRun_LogsStderrTailOnFailedExit(t *testing.T) {
	cfg := testConfig(t)
	h, opts := newHarness(t, cfg)
	h.spawner.stderr = map[string]string{"profiler": "perf: no permission to attach"}
	h.spawner.exitCode = map[string]int{"profiler": 255}

	var logs bytes.Buffer
	o, err := New(cfg, slog.New(slog.NewTextHandler(&logs, nil)), opts)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, 255, o.Summary().ProfilerExitCode)
	var exited string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "msg=process_exited") && strings.Contains(line, "role=profiler") {
			exited = line
		}
	}
	assert.Contains(t, exited, "no permission to attach")
}

func TestRun_CleanExitOmitsStderrTail(t *testing.T) {
	cfg := testConfig(t)
	h, opts := newHarness(t, cfg)
	h.spawner.stderr = map[string]string{"profiler": "[ perf record: Captured and wrote 0.1 MB ]"}

	var logs bytes.Buffer
	o, err := New(cfg, slog.New(slog.NewTextHandler(&logs, nil)), opts)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	assert.NotContains(t, logs.String(), "Captured and wrote")
}

func TestTerminate(t *testing.T) {
	cfg := testConfig(t)
	h, opts := newHarness(t, cfg)
	o := newOrchestrator(t, cfg, opts)

	// Nothing started yet.
	o.Terminate()
	assert.Empty(t, h.log.all())

	h.shooter.onShoot = func(n int) {
		if n == 1 {
			o.Terminate()
		}
	}
	require.NoError(t, o.Run(context.Background()))

	events := h.log.all()
	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, "stop server wait=false", events[3])
	assert.Equal(t, "stop profiler wait=false", events[4])

	// Both have exited now.
	before := len(h.log.all())
	o.Terminate()
	assert.Len(t, h.log.all(), before)
}

func TestRun_ShotFailureAborts(t *testing.T) {
	cfg := testConfig(t)
	h, opts := newHarness(t, cfg)
	h.shooter.failOn = 2
	o := newOrchestrator(t, cfg, opts)

	err := o.Run(context.Background())

	var spawnErr *process.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "shot", spawnErr.Role)

	assert.Equal(t, 2, h.log.count("shot "))
	assert.Equal(t, 1, h.log.count("stop server wait=false"))
	assert.Equal(t, 1, h.log.count("stop profiler wait=true"))
	assert.Zero(t, h.log.count("render "))
	assert.Equal(t, StateFailed, o.State())

	s := o.Summary()
	assert.Equal(t, 2, s.ShotsFired)
	assert.Equal(t, 1, s.ShotsFailed)
}

func TestRun_ShotFailureSkip(t *testing.T) {
	cfg := testConfig(t)
	cfg.ShotFailurePolicy = string(shooter.FailurePolicySkip)
	h, opts := newHarness(t, cfg)
	h.shooter.failOn = 2
	o := newOrchestrator(t, cfg, opts)

	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, 4, h.log.count("shot "))
	s := o.Summary()
	assert.Equal(t, 4, s.ShotsFired)
	assert.Equal(t, 1, s.ShotsFailed)
	assert.Equal(t, "done", s.FinalState)
}

func TestRun_ZeroShots(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shots = 0
	h, opts := newHarness(t, cfg)
	o := newOrchestrator(t, cfg, opts)

	require.NoError(t, o.Run(context.Background()))
	assert.Zero(t, h.log.count("shot "))
	assert.Equal(t, 1, h.log.count("render "))
}

func TestRun_OnlyOnce(t *testing.T) {
	cfg := testConfig(t)
	_, opts := newHarness(t, cfg)
	o := newOrchestrator(t, cfg, opts)

	require.NoError(t, o.Run(context.Background()))

	err := o.Run(context.Background())
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateDone, te.From)
}

func TestRun_Metrics(t *testing.T) {
	cfg := testConfig(t)
	_, opts := newHarness(t, cfg)

	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		ShotsPlanned: cfg.Shots,
		Endpoints:    cfg.Ammo,
		States:       StateNames(),
	}, prometheus.NewRegistry())
	opts.Metrics = collector

	o := newOrchestrator(t, cfg, opts)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, "done", collector.State())
	fired, failed := collector.Shots()
	assert.Equal(t, 4, fired)
	assert.Equal(t, 0, failed)
}

func TestRun_OnShotCallback(t *testing.T) {
	cfg := testConfig(t)
	_, opts := newHarness(t, cfg)

	var indexes []int
	opts.Callbacks.OnShot = func(index int, endpoint string, err error) {
		indexes = append(indexes, index)
	}

	o := newOrchestrator(t, cfg, opts)
	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3}, indexes)
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ammo = nil
	_, err := New(cfg, newTestLogger(), Options{})
	assert.ErrorIs(t, err, ammo.ErrEmptySet)
}

func TestNew_SessionID(t *testing.T) {
	cfg := testConfig(t)

	a := newOrchestrator(t, cfg, Options{Renderer: &fakeRenderer{artifact: cfg.ArtifactPath}})
	b := newOrchestrator(t, cfg, Options{Renderer: &fakeRenderer{artifact: cfg.ArtifactPath}})
	assert.NotEqual(t, a.SessionID(), b.SessionID())
	assert.Len(t, a.SessionID(), 36)

	fixed := newOrchestrator(t, cfg, Options{SessionID: "fixed"})
	assert.Equal(t, "fixed", fixed.SessionID())
	assert.Equal(t, "fixed", fixed.Summary().SessionID)
	assert.Equal(t, cfg.ArtifactPath, fixed.Summary().ArtifactPath)
}

func TestPrintCommands(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ServerCommand = "./game_server -c config.json"

	var buf bytes.Buffer
	PrintCommands(&buf, cfg)
	out := buf.String()

	for _, want := range []string{
		"server:   ./game_server -c config.json",
		"profiler: sudo perf record -o perf.data -p {pid}",
		"request:  curl localhost:8080/api/v1/maps/map1",
		"request:  curl localhost:8080/api/v1/maps\n",
		"stage extract:  sudo perf script -i perf.data",
		"stage render:   ./FlameGraph/flamegraph.pl",
		"output:   graph.svg",
	} {
		assert.Contains(t, out, want)
	}
}

// =============================================================================
// End to end with real processes
// =============================================================================

func TestRun_EndToEnd(t *testing.T) {
	for _, bin := range []string{"sh", "sleep", "cat", "true"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.ServerCommand = "sleep 30"
	cfg.Shots = 4
	cfg.Cooldown = 5 * time.Millisecond
	cfg.Ammo = []string{"/a", "/b"}
	cfg.RequestCommand = "true {endpoint}"
	// Behaves like perf record -p: runs until the target exits, then
	// writes its data file.
	cfg.ProfilerCommand = `sh -c 'while kill -0 {pid} 2>/dev/null; do sleep 0.02; done; echo "main;handler;sleep 1" > {profile}'`
	cfg.ProfilePath = filepath.Join(dir, "perf.data")
	cfg.Stages = []string{"cat {profile}", "cat", "cat"}
	cfg.ArtifactPath = filepath.Join(dir, "graph.svg")

	var emit bytes.Buffer
	o := newOrchestrator(t, cfg, Options{Emit: &emit})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	assert.Equal(t, "main;handler;sleep 1\n", emit.String())

	s := o.Summary()
	assert.Equal(t, "done", s.FinalState)
	assert.Equal(t, 4, s.ShotsFired)
	assert.Equal(t, 143, s.ServerExitCode)
	assert.Equal(t, 0, s.ProfilerExitCode)
	assert.Empty(t, s.PostProcessError)
	assert.Empty(t, s.ArtifactError)
}
