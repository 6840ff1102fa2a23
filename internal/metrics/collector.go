// Package metrics provides Prometheus metrics for go-perf-shooter.
//
// All series are prefixed perf_shooter_ and describe one session: shots
// fired at the server under test, the child processes spawned for it and
// the outcome of post-processing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "perf_shooter"

// Shot results.
const (
	ResultFired  = "fired"
	ResultFailed = "failed"
)

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version       string
	SessionID     string
	ServerCommand string
	ShotsPlanned  int
	Endpoints     []string

	// States lists every session state so that exactly one of them reads 1.
	States []string
}

// Collector manages all Prometheus metrics for a session.
type Collector struct {
	info            *prometheus.GaugeVec
	shotsPlanned    prometheus.Gauge
	shots           *prometheus.CounterVec
	shotsByEndpoint *prometheus.CounterVec
	loadProgress    prometheus.Gauge
	sessionState    *prometheus.GaugeVec
	spawns          *prometheus.CounterVec
	exits           *prometheus.CounterVec
	uptime          *prometheus.HistogramVec
	postprocess     *prometheus.CounterVec
	artifactBytes   prometheus.Gauge
	elapsed         prometheus.GaugeFunc

	startTime    time.Time
	shotsTotal   int
	states       []string
	mu           sync.Mutex
	currentState string
	fired        int
	failed       int
}

// NewCollector creates a collector registered on a fresh registry that
// also carries the Go runtime and process collectors.
func NewCollector(cfg CollectorConfig) (*Collector, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewCollectorWithRegistry(cfg, registry), registry
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		shotsTotal: cfg.ShotsPlanned,
		states:     append([]string(nil), cfg.States...),
	}

	c.info = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the session (value always 1)",
		},
		[]string{"version", "session_id", "server_command"},
	)
	c.shotsPlanned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shots_planned",
		Help:      "Number of shots the session intends to fire",
	})
	c.shots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shots_total",
			Help:      "Shots attempted, by result",
		},
		[]string{"result"},
	)
	c.shotsByEndpoint = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shots_by_endpoint_total",
			Help:      "Shots attempted, by ammunition endpoint",
		},
		[]string{"endpoint"},
	)
	c.loadProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "load_progress",
		Help:      "Fraction of planned shots attempted (0.0 to 1.0)",
	})
	c.sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise",
		},
		[]string{"state"},
	)
	c.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_spawns_total",
			Help:      "Child process spawn attempts, by role and result",
		},
		[]string{"role", "result"},
	)
	c.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Child process exits, by role and category (success, error, signal)",
		},
		[]string{"role", "category"},
	)
	c.uptime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_uptime_seconds",
			Help:      "Child process lifetime, by role",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"role"},
	)
	c.postprocess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postprocess_runs_total",
			Help:      "Post-processing runs, by result",
		},
		[]string{"result"},
	)
	c.artifactBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "artifact_bytes",
		Help:      "Size of the emitted flame graph",
	})
	c.elapsed = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_elapsed_seconds",
			Help:      "Seconds since the session started",
		},
		func() float64 { return time.Since(c.startTime).Seconds() },
	)

	registry.MustRegister(
		c.info,
		c.shotsPlanned,
		c.shots,
		c.shotsByEndpoint,
		c.loadProgress,
		c.sessionState,
		c.spawns,
		c.exits,
		c.uptime,
		c.postprocess,
		c.artifactBytes,
		c.elapsed,
	)

	c.info.WithLabelValues(cfg.Version, cfg.SessionID, cfg.ServerCommand).Set(1)
	c.shotsPlanned.Set(float64(cfg.ShotsPlanned))

	// Pre-create series so they scrape as 0 before the first event.
	c.shots.WithLabelValues(ResultFired)
	c.shots.WithLabelValues(ResultFailed)
	for _, e := range cfg.Endpoints {
		c.shotsByEndpoint.WithLabelValues(e)
	}
	for _, s := range c.states {
		c.sessionState.WithLabelValues(s).Set(0)
	}

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RecordShot records one attempted shot. A failed shot counts as both fired
// and failed.
func (c *Collector) RecordShot(endpoint string, err error) {
	c.shots.WithLabelValues(ResultFired).Inc()
	c.shotsByEndpoint.WithLabelValues(endpoint).Inc()

	c.mu.Lock()
	c.fired++
	if err != nil {
		c.failed++
	}
	fired := c.fired
	c.mu.Unlock()

	if err != nil {
		c.shots.WithLabelValues(ResultFailed).Inc()
	}
	if c.shotsTotal > 0 {
		c.loadProgress.Set(float64(fired) / float64(c.shotsTotal))
	}
}

// SetState marks state as the current session state.
func (c *Collector) SetState(state string) {
	c.mu.Lock()
	prev := c.currentState
	c.currentState = state
	c.mu.Unlock()

	if prev != "" {
		c.sessionState.WithLabelValues(prev).Set(0)
	}
	c.sessionState.WithLabelValues(state).Set(1)
}

// RecordSpawn records a child process spawn attempt.
func (c *Collector) RecordSpawn(role string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.spawns.WithLabelValues(role, result).Inc()
}

// RecordExit records a child process exit event.
func (c *Collector) RecordExit(role string, exitCode int, uptime time.Duration) {
	// Categorize exit code
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	c.exits.WithLabelValues(role, category).Inc()
	c.uptime.WithLabelValues(role).Observe(uptime.Seconds())
}

// RecordPostProcess records the outcome of a post-processing run.
func (c *Collector) RecordPostProcess(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.postprocess.WithLabelValues(result).Inc()
}

// SetArtifactBytes records the size of the emitted artifact.
func (c *Collector) SetArtifactBytes(n int) {
	c.artifactBytes.Set(float64(n))
}

// =============================================================================
// Accessors
// =============================================================================

// State returns the current session state.
func (c *Collector) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentState
}

// Shots returns the number of fired and failed shots recorded.
func (c *Collector) Shots() (fired, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired, c.failed
}
