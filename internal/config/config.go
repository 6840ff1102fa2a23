// Package config provides configuration management for go-perf-shooter.
package config

import (
	"time"

	"github.com/randomizedcoder/go-perf-shooter/internal/ammo"
	"github.com/randomizedcoder/go-perf-shooter/internal/flamegraph"
	"github.com/randomizedcoder/go-perf-shooter/internal/shooter"
)

// Config holds all configuration options for a shooting session.
type Config struct {
	// Target
	ServerCommand string `yaml:"server_command"`

	// Load
	Shots             int           `yaml:"shots"`
	Cooldown          time.Duration `yaml:"cooldown"`
	Seed              int64         `yaml:"seed"`
	Bound             int           `yaml:"bound"`
	Ammo              []string      `yaml:"ammo"`
	RequestCommand    string        `yaml:"request_command"`    // {endpoint} is the picked ammunition
	ShotFailurePolicy string        `yaml:"shot_failure_policy"` // "abort" or "skip"

	// Profiler
	ProfilerCommand string `yaml:"profiler_command"` // {pid} and {profile} placeholders
	ProfilePath     string `yaml:"profile_path"`

	// Post-processing
	Stages       []string `yaml:"stages"` // {profile} placeholder
	ArtifactPath string   `yaml:"artifact_path"`
	PprofPath    string   `yaml:"pprof_path"` // empty = no pprof export

	// Observability
	MetricsAddr string `yaml:"metrics_addr"` // empty = no metrics server
	Verbose     bool   `yaml:"verbose"`
	LogFormat   string `yaml:"log_format"` // json, text
	LogLevel    string `yaml:"log_level"`
	TUIEnabled  bool   `yaml:"tui"`

	// Diagnostic modes
	PrintCmd       bool   `yaml:"print_cmd"`
	Check          bool   `yaml:"check"`
	SkipPreflight  bool   `yaml:"skip_preflight"`
	SelfProfileDir string `yaml:"self_profile_dir"` // empty = off
}

// Profiler defaults.
const (
	DefaultProfilerCommand = "sudo perf record -o {profile} -p {pid}"
	DefaultProfilePath     = "perf.data"
)

// DefaultConfig returns a Config that reproduces the reference session.
func DefaultConfig() *Config {
	return &Config{
		// Load
		Shots:             shooter.DefaultShots,
		Cooldown:          shooter.DefaultCooldown,
		Seed:              ammo.DefaultSeed,
		Bound:             ammo.DefaultBound,
		Ammo:              append([]string(nil), ammo.DefaultEndpoints...),
		RequestCommand:    shooter.DefaultRequestCommand,
		ShotFailurePolicy: string(shooter.FailurePolicyAbort),

		// Profiler
		ProfilerCommand: DefaultProfilerCommand,
		ProfilePath:     DefaultProfilePath,

		// Post-processing
		Stages:       flamegraph.DefaultStageCommands(),
		ArtifactPath: flamegraph.DefaultArtifactPath,

		// Observability
		Verbose:   false,
		LogFormat: "json",
		LogLevel:  "info",
	}
}

// ApplyCheckMode modifies config for --check mode: a single verbose shot.
func ApplyCheckMode(cfg *Config) {
	cfg.Shots = 1
	cfg.Verbose = true
}
