// Package flamegraph turns a captured profile into a flame graph by
// running a chain of external tools, each stage's stdout feeding the next
// stage's stdin, the last stage's stdout becoming the SVG artifact.
//
// Pipeline lifecycle:
//
//	Stage A (extract):  perf script -i perf.data   -> stack samples
//	Stage B (collapse): stackcollapse-perf.pl      -> "a;b;c weight" lines
//	Stage C (render):   flamegraph.pl              -> SVG document
//
// Stages are connected with OS pipes, so no intermediate output is ever
// materialized on disk.
package flamegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-perf-shooter/internal/logging"
	"github.com/randomizedcoder/go-perf-shooter/internal/process"
)

// stageStderrLines is how many stderr lines a StageError carries.
const stageStderrLines = 5

// Stage is one external command in the pipeline.
type Stage struct {
	// Name identifies the stage in logs and errors.
	Name string

	// Command is the command line, split with shell quoting rules.
	Command string
}

// Pipeline runs stages connected stdout to stdin.
type Pipeline struct {
	Stages []Stage

	// Tap, if set, receives a copy of the penultimate stage's output while
	// it streams into the last stage. For the default stages this is the
	// collapsed stack data.
	Tap io.Writer

	Logger  *slog.Logger
	Verbose bool
}

// Run starts every stage, writes the last stage's output to out and waits
// for all stages. The first stage failure cancels the others and is
// returned as *StageError.
func (p *Pipeline) Run(ctx context.Context, out io.Writer) error {
	if len(p.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	g, gctx := errgroup.WithContext(ctx)

	n := len(p.Stages)
	cmds := make([]*exec.Cmd, n)
	stderrs := make([]*logging.StderrHandler, n)
	for i, st := range p.Stages {
		argv, err := process.SplitCommand(st.Command)
		if err != nil {
			return &StageError{Stage: st.Name, ExitCode: -1, Err: err}
		}
		cmd := exec.CommandContext(gctx, argv[0], argv[1:]...)
		stderrs[i] = logging.NewStderrHandler("stage_"+st.Name, logger, p.Verbose)
		cmd.Stderr = stderrs[i]
		cmd.WaitDelay = 5 * time.Second
		cmds[i] = cmd
	}

	// Parent-side pipe ends. Each is closed as soon as the child that uses
	// it has started; a reader whose writer end stays open in this process
	// would never see EOF.
	var handedOff []*os.File
	// tapWriter is the pipe end written by the tap copier rather than by a
	// child; it is closed when the producing stage has been reaped.
	var tapWriter *os.File
	closeAll := func() {
		for _, f := range handedOff {
			f.Close()
		}
		if tapWriter != nil {
			tapWriter.Close()
		}
	}

	for i := 0; i < n-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return fmt.Errorf("create pipe after stage %s: %w", p.Stages[i].Name, err)
		}
		cmds[i+1].Stdin = r
		handedOff = append(handedOff, r)

		if i == n-2 && p.Tap != nil {
			cmds[i].Stdout = io.MultiWriter(w, p.Tap)
			tapWriter = w
		} else {
			cmds[i].Stdout = w
			handedOff = append(handedOff, w)
		}
	}
	cmds[n-1].Stdout = out

	started := 0
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			closeAll()
			for _, c := range cmds[:started] {
				c.Process.Kill()
				c.Wait()
			}
			return &StageError{Stage: p.Stages[i].Name, ExitCode: -1, Err: err}
		}
		started++
		logger.Debug("stage_started", "stage", p.Stages[i].Name, "pid", cmd.Process.Pid)
	}

	for _, f := range handedOff {
		f.Close()
	}

	for i, cmd := range cmds {
		g.Go(func() error {
			err := cmd.Wait()
			if tapWriter != nil && i == n-2 {
				tapWriter.Close()
			}
			stderrs[i].Flush()
			if err != nil {
				return &StageError{
					Stage:    p.Stages[i].Name,
					ExitCode: process.ExitCode(err),
					Stderr:   stderrs[i].Tail(stageStderrLines),
					Err:      err,
				}
			}
			logger.Debug("stage_finished", "stage", p.Stages[i].Name)
			return nil
		})
	}

	return g.Wait()
}
