package shooter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-perf-shooter/internal/ammo"
	"github.com/randomizedcoder/go-perf-shooter/internal/process"
)

// DefaultShots is the reference shot count.
const DefaultShots = 100

// FailurePolicy decides what happens when a shot cannot be fired.
type FailurePolicy string

const (
	// FailurePolicyAbort stops the load at the first failed shot.
	FailurePolicyAbort FailurePolicy = "abort"

	// FailurePolicySkip counts the failed shot and continues.
	FailurePolicySkip FailurePolicy = "skip"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == FailurePolicyAbort || p == FailurePolicySkip
}

// Result summarizes a load run.
type Result struct {
	// Fired is the number of shots attempted, failed ones included.
	Fired int

	// Failed is the number of shots that could not be fired.
	Failed int

	// PerEndpoint counts attempted shots per endpoint.
	PerEndpoint map[string]int

	Duration time.Duration
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	Shooter   Shooter
	Ammo      ammo.Set
	Generator *ammo.Generator
	Shots     int
	Policy    FailurePolicy
	Logger    *slog.Logger

	// OnShot, if set, is called after every shot with its zero-based index.
	OnShot func(index int, endpoint string, err error)
}

// Driver fires a fixed number of shots one after another.
type Driver struct {
	shooter   Shooter
	ammo      ammo.Set
	generator *ammo.Generator
	shots     int
	policy    FailurePolicy
	logger    *slog.Logger
	onShot    func(index int, endpoint string, err error)
}

// NewDriver creates a load driver.
func NewDriver(cfg DriverConfig) *Driver {
	policy := cfg.Policy
	if policy == "" {
		policy = FailurePolicyAbort
	}
	return &Driver{
		shooter:   cfg.Shooter,
		ammo:      cfg.Ammo,
		generator: cfg.Generator,
		shots:     cfg.Shots,
		policy:    policy,
		logger:    cfg.Logger,
		onShot:    cfg.OnShot,
	}
}

// Run fires the configured number of shots sequentially.
//
// The partial result is returned alongside any error. Under
// FailurePolicyAbort the first shot error ends the run; under
// FailurePolicySkip shot errors are only counted. A cancelled context ends
// the run after the shot in flight.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	result := Result{PerEndpoint: make(map[string]int)}
	start := time.Now()

	d.logger.Info("load_starting",
		"shots", d.shots,
		"endpoints", d.ammo.Len(),
		"seed", d.generator.Seed(),
		"policy", string(d.policy),
	)

	cancelled := func(err error) (Result, error) {
		d.logger.Info("load_cancelled", "fired", result.Fired, "target", d.shots)
		result.Duration = time.Since(start)
		return result, err
	}

	for i := 0; i < d.shots; i++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		endpoint := d.ammo.Pick(d.generator)
		err := d.shooter.Shoot(ctx, endpoint)
		if ctxErr := ctx.Err(); ctxErr != nil && notLaunched(err) {
			// Cancelled before the request process started.
			return cancelled(ctxErr)
		}
		result.Fired++
		result.PerEndpoint[endpoint]++

		if d.onShot != nil {
			d.onShot(i, endpoint, err)
		}

		if err != nil {
			if isCancellation(err) {
				// The shot went out; only its cooldown was cut short.
				continue
			}

			result.Failed++
			d.logger.Warn("shot_failed", "shot", i, "endpoint", endpoint, "error", err)

			if d.policy == FailurePolicyAbort {
				result.Duration = time.Since(start)
				return result, fmt.Errorf("shot %d of %d: %w", i+1, d.shots, err)
			}
		}
	}

	result.Duration = time.Since(start)
	d.logger.Info("load_complete",
		"fired", result.Fired,
		"failed", result.Failed,
		"duration", result.Duration.String(),
	)
	return result, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// notLaunched reports whether err is a spawn refused because the context
// was already done.
func notLaunched(err error) bool {
	var spawnErr *process.SpawnError
	return errors.As(err, &spawnErr) && isCancellation(err)
}
