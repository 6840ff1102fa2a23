// Package shooter drives request load against the target server: one
// short-lived request sub-process per shot, strictly one shot at a time.
package shooter

import (
	"context"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-perf-shooter/internal/process"
)

// DefaultRequestCommand issues a GET with curl.
const DefaultRequestCommand = "curl {endpoint}"

// DefaultCooldown is the pause after firing each request.
const DefaultCooldown = 100 * time.Millisecond

// Shooter fires a single request.
type Shooter interface {
	Shoot(ctx context.Context, endpoint string) error
}

// Executor fires each shot as a request sub-process.
type Executor struct {
	spawner  process.Spawner
	template string
	cooldown time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an executor that spawns template (with {endpoint}
// substituted) for every shot and pauses cooldown after firing it.
func NewExecutor(spawner process.Spawner, template string, cooldown time.Duration, logger *slog.Logger) *Executor {
	if template == "" {
		template = DefaultRequestCommand
	}
	return &Executor{
		spawner:  spawner,
		template: template,
		cooldown: cooldown,
		logger:   logger,
	}
}

// Shoot fires one request at endpoint, sleeps the cooldown, then reaps the
// request process.
//
// The order fire, sleep, reap is fixed: the request runs while the cooldown
// elapses, so the realized rate is one shot per cooldown as long as a
// request completes within it. A cancelled context cuts the sleep short but
// the request is still reaped before Shoot returns.
//
// A spawn failure is returned as *process.SpawnError and is not retried.
func (e *Executor) Shoot(ctx context.Context, endpoint string) error {
	command := process.Expand(e.template, map[string]string{
		process.PlaceholderEndpoint: endpoint,
	})

	hit, err := e.spawner.Spawn(ctx, process.Spec{
		Role:    "shot",
		Command: command,
	})
	if err != nil {
		return err
	}

	sleepErr := sleep(ctx, e.cooldown)

	if err := hit.Stop(true); err != nil {
		e.logger.Warn("shot_stop_failed", "endpoint", endpoint, "error", err)
	}

	if status := hit.Poll(); status.ExitCode != 0 {
		e.logger.Debug("shot_nonzero_exit",
			"endpoint", endpoint,
			"exit_code", status.ExitCode,
		)
	}

	return sleepErr
}

// Cooldown returns the configured cooldown.
func (e *Executor) Cooldown() time.Duration {
	return e.cooldown
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Shooter = (*Executor)(nil)
