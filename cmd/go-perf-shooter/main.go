// Package main provides the go-perf-shooter CLI entry point.
//
// go-perf-shooter starts a server under the perf profiler, fires a seeded
// random sequence of requests at it, then renders the recorded profile as a
// flame graph SVG and writes it to stdout. Logs, preflight results and the
// exit summary go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/randomizedcoder/go-perf-shooter/internal/config"
	"github.com/randomizedcoder/go-perf-shooter/internal/logging"
	"github.com/randomizedcoder/go-perf-shooter/internal/metrics"
	"github.com/randomizedcoder/go-perf-shooter/internal/orchestrator"
	"github.com/randomizedcoder/go-perf-shooter/internal/preflight"
	"github.com/randomizedcoder/go-perf-shooter/internal/stats"
	"github.com/randomizedcoder/go-perf-shooter/internal/tui"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-perf-shooter
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	c := newCLI()
	if err := c.command().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return c.code
}

// cli holds the state of one command-line invocation.
type cli struct {
	flags      *config.Config // bound to the command-line flags
	configPath string
	code       int // exit code of the session
}

func newCLI() *cli {
	return &cli{flags: config.DefaultConfig()}
}

// command builds the root command.
func (c *cli) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "go-perf-shooter [flags] <server-command>",
		Short: "Profile a server under seeded random load and emit a flame graph",
		Long: `go-perf-shooter starts <server-command>, attaches perf to it, fires a
reproducible random sequence of requests, then stops both and pipes the
profile through perf script, stackcollapse-perf.pl and flamegraph.pl.
The resulting SVG is written to stdout.`,
		Example:       "  go-perf-shooter './game_server -c config.json' > graph.svg",
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.resolveConfig(cmd.Flags(), args)
			if err != nil {
				return err
			}
			c.code = session(cmd.Context(), cfg)
			return nil
		},
	}

	cmd.Flags().StringVar(&c.configPath, "config", "", "YAML config file; flags given on the command line override it")
	config.BindFlags(cmd.Flags(), c.flags)
	cmd.SetUsageFunc(func(cmd *cobra.Command) error {
		w := cmd.OutOrStderr()
		fmt.Fprintf(w, "Usage:\n  %s\n\nExample:\n%s\n", cmd.UseLine(), cmd.Example)
		fmt.Fprintf(w, "\nConfiguration:\n  --config string\n        %s\n", cmd.Flags().Lookup("config").Usage)
		config.PrintUsage(w, cmd.Flags())
		return nil
	})

	return cmd
}

// resolveConfig layers defaults, the config file, explicit flags and the
// positional server command, then validates the result.
func (c *cli) resolveConfig(fs *pflag.FlagSet, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(c.configPath); err != nil {
			return nil, err
		}
	}
	config.MergeFlags(cfg, c.flags, fs)
	if len(args) == 1 {
		cfg.ServerCommand = args[0]
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// session runs one profiling session and returns the process exit code.
func session(parent context.Context, cfg *config.Config) int {
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if cfg.Check {
		logger.Info("check_mode_enabled", "shots", cfg.Shots)
	}

	if cfg.PrintCmd {
		orchestrator.PrintCommands(os.Stdout, cfg)
		return 0
	}

	if !cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Shots:           cfg.Shots,
			RequestCommand:  cfg.RequestCommand,
			ProfilerCommand: cfg.ProfilerCommand,
			Stages:          cfg.Stages,
			ArtifactPath:    cfg.ArtifactPath,
		})
		preflight.PrintResults(os.Stderr, result)
		if !result.Passed {
			fmt.Fprintln(os.Stderr, "Preflight checks failed; use --skip-preflight to run anyway.")
			return 1
		}
	}

	if cfg.SelfProfileDir != "" {
		p := profile.Start(
			profile.CPUProfile,
			profile.ProfilePath(cfg.SelfProfileDir),
			profile.NoShutdownHook,
			profile.Quiet,
		)
		defer p.Stop()
	}

	// The first signal cancels the load; the session still stops the
	// processes and renders. A second signal terminates them and exits.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	sessionID := uuid.NewString()
	collector, registry := metrics.NewCollector(metrics.CollectorConfig{
		Version:       version,
		SessionID:     sessionID,
		ServerCommand: cfg.ServerCommand,
		ShotsPlanned:  cfg.Shots,
		Endpoints:     cfg.Ammo,
		States:        orchestrator.StateNames(),
	})
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, registry, logger)
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics server: %v\n", err)
			return 1
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics_shutdown_failed", "error", err)
			}
		}()
		// Report the bound address, which differs from the flag for ":0".
		cfg.MetricsAddr = srv.Addr()
	}

	var prog *tea.Program
	if cfg.TUIEnabled {
		prog = tea.NewProgram(tui.New(tui.Config{
			SessionID:     sessionID,
			ServerCommand: cfg.ServerCommand,
			ShotsPlanned:  cfg.Shots,
			MetricsAddr:   cfg.MetricsAddr,
			Endpoints:     cfg.Ammo,
			OnQuit:        cancel,
		}), tea.WithOutput(os.Stderr), tea.WithAltScreen())
		go func() {
			if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				fmt.Fprintf(os.Stderr, "TUI: %v\n", err)
			}
		}()
	} else {
		printBanner(cfg)
	}

	orch, err := orchestrator.New(cfg, logger, orchestrator.Options{
		Emit:      os.Stdout,
		Metrics:   collector,
		SessionID: sessionID,
		Callbacks: orchestrator.Callbacks{
			OnStateChange: func(from, to orchestrator.State) {
				tui.SendState(prog, from.String(), to.String())
			},
			OnShot: func(index int, endpoint string, err error) {
				tui.SendShot(prog, index, endpoint, err)
			},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Session setup: %v\n", err)
		return 1
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		if code, forced := watchSignals(signals, done, cancel, orch, logger); forced {
			os.Exit(code)
		}
	}()

	runErr := orch.Run(ctx)
	summary := orch.Summary()

	if prog != nil {
		tui.SendDone(prog, summary)
		prog.Wait()
	}

	fmt.Fprint(os.Stderr, stats.FormatSummary(&summary))

	if runErr != nil {
		logger.Error("session_failed", "error", runErr)
		return 1
	}
	return 0
}

// watchSignals cancels the load on the first signal. On a second one it
// terminates the session's processes and reports the exit code to use.
// It returns forced=false once done is closed.
func watchSignals(signals <-chan os.Signal, done <-chan struct{}, cancel context.CancelFunc, orch *orchestrator.Orchestrator, logger *slog.Logger) (code int, forced bool) {
	select {
	case sig := <-signals:
		logger.Warn("signal_received", "signal", sig.String(), "action", "stopping load")
		cancel()
	case <-done:
		return 0, false
	}

	select {
	case sig := <-signals:
		logger.Warn("signal_received", "signal", sig.String(), "action", "terminating")
		orch.Terminate()
		code = 1
		if s, ok := sig.(syscall.Signal); ok {
			code = 128 + int(s)
		}
		return code, true
	case <-done:
		return 0, false
	}
}

// printBanner prints the startup banner to stderr.
func printBanner(cfg *config.Config) {
	w := os.Stderr
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                        go-perf-shooter                            ║")
	fmt.Fprintln(w, "║       perf profiling under seeded random request load             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Server:      %s\n", cfg.ServerCommand)
	fmt.Fprintf(w, "  Shots:       %d (cooldown %s, seed %d)\n", cfg.Shots, cfg.Cooldown, cfg.Seed)
	fmt.Fprintf(w, "  Endpoints:   %d\n", len(cfg.Ammo))
	fmt.Fprintf(w, "  Output:      %s\n", cfg.ArtifactPath)
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.SelfProfileDir != "" {
		fmt.Fprintf(w, "  Self-profile: %s\n", cfg.SelfProfileDir)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop the load early.")
	fmt.Fprintln(w)
}
