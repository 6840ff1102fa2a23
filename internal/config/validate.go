package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-perf-shooter/internal/process"
	"github.com/randomizedcoder/go-perf-shooter/internal/shooter"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem found joined with errors.Join.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server command is required (unless --print-cmd)
	if strings.TrimSpace(cfg.ServerCommand) == "" && !cfg.PrintCmd {
		add("server_command", "server command is required")
	}

	if cfg.Shots < 0 {
		add("shots", "must not be negative (got %d)", cfg.Shots)
	}
	if cfg.Cooldown < 0 {
		add("cooldown", "must not be negative (got %v)", cfg.Cooldown)
	}
	if cfg.Bound < 1 {
		add("bound", "must be at least 1 (got %d)", cfg.Bound)
	}

	// Ammunition must be a non-empty list of non-empty endpoints
	if len(cfg.Ammo) == 0 {
		add("ammo", "at least one endpoint is required")
	}
	for i, e := range cfg.Ammo {
		if strings.TrimSpace(e) == "" {
			add("ammo", "endpoint %d is empty", i)
		}
	}

	if !shooter.FailurePolicy(cfg.ShotFailurePolicy).Valid() {
		add("shot_failure_policy", "must be 'abort' or 'skip' (got %q)", cfg.ShotFailurePolicy)
	}

	// Command templates
	if err := validateTemplate(cfg.RequestCommand, process.PlaceholderEndpoint); err != nil {
		add("request_command", "%v", err)
	}
	if err := validateTemplate(cfg.ProfilerCommand, process.PlaceholderPID); err != nil {
		add("profiler_command", "%v", err)
	}
	if cfg.ServerCommand != "" {
		if err := validateTemplate(cfg.ServerCommand, ""); err != nil {
			add("server_command", "%v", err)
		}
	}

	if cfg.ProfilePath == "" {
		add("profile_path", "must not be empty")
	}
	if len(cfg.Stages) == 0 {
		add("stages", "at least one pipeline stage is required")
	}
	for i, s := range cfg.Stages {
		if err := validateTemplate(s, ""); err != nil {
			add("stages", "stage %d: %v", i+1, err)
		}
	}
	if cfg.ArtifactPath == "" {
		add("artifact_path", "must not be empty")
	}
	if cfg.PprofPath != "" && cfg.PprofPath == cfg.ArtifactPath {
		add("pprof_path", "must differ from artifact_path")
	}
	if cfg.ProfilePath != "" && cfg.ProfilePath == cfg.ArtifactPath {
		add("artifact_path", "must differ from profile_path")
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		add("log_level", "must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateTemplate checks that a command template splits into at least one
// word and, if placeholder is set, mentions it.
func validateTemplate(template, placeholder string) error {
	if _, err := process.SplitCommand(template); err != nil {
		return err
	}
	if placeholder != "" && !strings.Contains(template, placeholder) {
		return fmt.Errorf("must contain %s (got %q)", placeholder, template)
	}
	return nil
}
