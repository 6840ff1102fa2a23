package flamegraph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/randomizedcoder/go-perf-shooter/internal/process"
)

// Default stage commands and artifact path.
const (
	DefaultExtractCommand  = "sudo perf script -i {profile}"
	DefaultCollapseCommand = "./FlameGraph/stackcollapse-perf.pl"
	DefaultRenderCommand   = "./FlameGraph/flamegraph.pl"
	DefaultArtifactPath    = "graph.svg"
)

// partialSuffix marks an artifact that is still being written or whose
// pipeline failed.
const partialSuffix = ".partial"

// DefaultStageCommands returns the reference extract, collapse and render
// commands.
func DefaultStageCommands() []string {
	return []string{DefaultExtractCommand, DefaultCollapseCommand, DefaultRenderCommand}
}

// StagesFromCommands names command templates as pipeline stages and
// substitutes the profile path. Three commands are named extract,
// collapse and render; other counts are named stage1, stage2, ...
func StagesFromCommands(commands []string, profilePath string) []Stage {
	names := []string{"extract", "collapse", "render"}
	stages := make([]Stage, len(commands))
	for i, c := range commands {
		name := fmt.Sprintf("stage%d", i+1)
		if len(commands) == len(names) {
			name = names[i]
		}
		stages[i] = Stage{
			Name: name,
			Command: process.Expand(c, map[string]string{
				process.PlaceholderProfile: profilePath,
			}),
		}
	}
	return stages
}

// RendererConfig configures a Renderer.
type RendererConfig struct {
	// Commands are the stage command templates; {profile} is replaced by
	// the profile path.
	Commands []string

	// ArtifactPath is where the SVG is written.
	ArtifactPath string

	// PprofPath, if set, also exports the collapsed stacks as a gzipped
	// pprof profile.
	PprofPath string

	Logger  *slog.Logger
	Verbose bool
}

// Renderer converts a profile data file into a flame graph artifact.
type Renderer struct {
	commands     []string
	artifactPath string
	pprofPath    string
	logger       *slog.Logger
	verbose      bool
}

// NewRenderer creates a renderer. Missing fields take reference defaults.
func NewRenderer(cfg RendererConfig) *Renderer {
	commands := cfg.Commands
	if len(commands) == 0 {
		commands = DefaultStageCommands()
	}
	artifact := cfg.ArtifactPath
	if artifact == "" {
		artifact = DefaultArtifactPath
	}
	return &Renderer{
		commands:     commands,
		artifactPath: artifact,
		pprofPath:    cfg.PprofPath,
		logger:       cfg.Logger,
		verbose:      cfg.Verbose,
	}
}

// ArtifactPath returns the path the SVG is written to.
func (r *Renderer) ArtifactPath() string {
	return r.artifactPath
}

// Render runs the pipeline over profilePath and returns the artifact path.
//
// Output goes to "<artifact>.partial" and is renamed onto the artifact path
// only when every stage succeeded, so a failed render never leaves a
// truncated SVG under the artifact name. The partial file is not removed.
// Any stale artifact from an earlier session is removed first.
func (r *Renderer) Render(ctx context.Context, profilePath string) (string, error) {
	start := time.Now()

	if err := os.Remove(r.artifactPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", &PostProcessError{ProfilePath: profilePath, Err: fmt.Errorf("remove stale artifact: %w", err)}
	}

	partial := r.artifactPath + partialSuffix
	out, err := os.Create(partial)
	if err != nil {
		return "", &PostProcessError{ProfilePath: profilePath, Err: err}
	}

	var folded bytes.Buffer
	pipeline := &Pipeline{
		Stages:  StagesFromCommands(r.commands, profilePath),
		Logger:  r.logger,
		Verbose: r.verbose,
	}
	if r.pprofPath != "" && len(r.commands) > 1 {
		pipeline.Tap = &folded
	}

	r.logger.Info("render_starting",
		"profile", profilePath,
		"artifact", r.artifactPath,
		"stages", len(pipeline.Stages),
	)

	runErr := pipeline.Run(ctx, out)
	closeErr := out.Close()
	if runErr != nil {
		return "", &PostProcessError{ProfilePath: profilePath, Err: runErr}
	}
	if closeErr != nil {
		return "", &PostProcessError{ProfilePath: profilePath, Err: closeErr}
	}

	if err := os.Rename(partial, r.artifactPath); err != nil {
		return "", &PostProcessError{ProfilePath: profilePath, Err: err}
	}

	r.logger.Info("render_complete",
		"artifact", r.artifactPath,
		"duration", time.Since(start).String(),
	)

	if pipeline.Tap != nil {
		r.exportPprof(&folded)
	}

	return r.artifactPath, nil
}

// exportPprof writes the tapped collapsed stacks as a pprof profile.
// Failures are logged only: the SVG is the artifact of record.
func (r *Renderer) exportPprof(folded io.Reader) {
	stacks, err := ParseFolded(folded)
	if err != nil {
		r.logger.Warn("pprof_export_failed", "error", err)
		return
	}
	if err := stacks.WritePprof(r.pprofPath); err != nil {
		r.logger.Warn("pprof_export_failed", "path", r.pprofPath, "error", err)
		return
	}
	r.logger.Info("pprof_exported",
		"path", r.pprofPath,
		"stacks", stacks.Len(),
		"samples", stacks.Total(),
	)
}

// ReadArtifact reads the rendered artifact.
func ReadArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ArtifactReadError{Path: path, Err: err}
	}
	return data, nil
}

// Emit copies the artifact at path to w.
func Emit(path string, w io.Writer) (int, error) {
	data, err := ReadArtifact(path)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	if err != nil {
		return n, fmt.Errorf("emit artifact %s: %w", path, err)
	}
	return n, nil
}
