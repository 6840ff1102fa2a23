// Package stats formats the session exit summary.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Summary is the outcome of one shooting session.
type Summary struct {
	SessionID     string
	ServerCommand string

	// FinalState is the orchestrator state the session ended in.
	FinalState string

	// Interrupted is set when a signal ended the load early.
	Interrupted bool

	ShotsPlanned int
	ShotsFired   int
	ShotsFailed  int
	PerEndpoint  map[string]int

	ServerPID        int
	ProfilerPID      int
	ServerExitCode   int // -1 if never observed
	ProfilerExitCode int // -1 if never observed

	LoadDuration  time.Duration
	TotalDuration time.Duration

	ProfilePath   string
	ArtifactPath  string
	ArtifactBytes int
	PprofPath     string

	// Errors, empty when the step succeeded or never ran.
	FatalError       string
	PostProcessError string
	ArtifactError    string

	// MetricsAddr is the Prometheus metrics endpoint address, if enabled.
	MetricsAddr string
}

// Completed returns true if the session ran to the end of its state
// machine, even if post-processing failed.
func (s *Summary) Completed() bool {
	return s.FinalState == "done"
}

// ShotRate returns fired shots per second of load time.
func (s *Summary) ShotRate() float64 {
	if s.LoadDuration <= 0 {
		return 0
	}
	return float64(s.ShotsFired) / s.LoadDuration.Seconds()
}

const (
	heavyRule = "═══════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────\n"
)

func writeSection(b *strings.Builder, title string) {
	b.WriteString(lightRule)
	pad := (len([]rune(lightRule)) - 1 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(b, "%s%s\n", strings.Repeat(" ", pad), title)
	b.WriteString(lightRule)
	b.WriteString("\n")
}

// FormatSummary formats the summary for display at program exit.
//
// The summary includes:
// - Session information and final state
// - Shot counts, rate and per-endpoint distribution
// - Process exit codes
// - Artifact paths
// - Errors, if any
func FormatSummary(s *Summary) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                    go-perf-shooter Exit Summary\n")
	b.WriteString(heavyRule)
	b.WriteString("\n")

	// Session info
	fmt.Fprintf(&b, "Session:                %s\n", s.SessionID)
	if s.ServerCommand != "" {
		fmt.Fprintf(&b, "Server:                 %s\n", s.ServerCommand)
	}
	state := s.FinalState
	if s.Interrupted {
		state += " (interrupted)"
	}
	fmt.Fprintf(&b, "Final State:            %s\n", state)
	fmt.Fprintf(&b, "Run Duration:           %s\n\n", FormatDuration(s.TotalDuration))

	// Load
	writeSection(&b, "Load")
	fmt.Fprintf(&b, "  Shots Fired:          %d / %d\n", s.ShotsFired, s.ShotsPlanned)
	fmt.Fprintf(&b, "  Shots Failed:         %d\n", s.ShotsFailed)
	fmt.Fprintf(&b, "  Load Duration:        %s\n", FormatMs(s.LoadDuration))
	fmt.Fprintf(&b, "  Shot Rate:            %s\n", FormatRate(s.ShotRate()))
	if len(s.PerEndpoint) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %-44s %8s %6s\n", "Endpoint", "Shots", "Share")
		b.WriteString("  " + strings.Repeat("─", 60) + "\n")
		for _, e := range sortedEndpoints(s.PerEndpoint) {
			n := s.PerEndpoint[e]
			share := 0
			if s.ShotsFired > 0 {
				share = n * 100 / s.ShotsFired
			}
			fmt.Fprintf(&b, "  %-44s %8d %5d%%\n", e, n, share)
		}
	}
	b.WriteString("\n")

	// Processes
	if s.ServerPID > 0 || s.ProfilerPID > 0 {
		writeSection(&b, "Processes")
		writeProcess(&b, "Server", s.ServerPID, s.ServerExitCode)
		writeProcess(&b, "Profiler", s.ProfilerPID, s.ProfilerExitCode)
		b.WriteString("\n")
	}

	// Artifacts
	writeSection(&b, "Artifacts")
	fmt.Fprintf(&b, "  Profile:              %s\n", s.ProfilePath)
	if s.ArtifactBytes > 0 {
		fmt.Fprintf(&b, "  Flame Graph:          %s (%s)\n", s.ArtifactPath, FormatBytes(int64(s.ArtifactBytes)))
	} else {
		fmt.Fprintf(&b, "  Flame Graph:          %s (not emitted)\n", s.ArtifactPath)
	}
	if s.PprofPath != "" {
		fmt.Fprintf(&b, "  Pprof:                %s\n", s.PprofPath)
	}
	b.WriteString("\n")

	// Errors
	if s.FatalError != "" || s.PostProcessError != "" || s.ArtifactError != "" {
		writeSection(&b, "Errors")
		if s.FatalError != "" {
			fmt.Fprintf(&b, "  Fatal:                %s\n", s.FatalError)
		}
		if s.PostProcessError != "" {
			fmt.Fprintf(&b, "  Post-processing:      %s\n", s.PostProcessError)
		}
		if s.ArtifactError != "" {
			fmt.Fprintf(&b, "  Artifact:             %s\n", s.ArtifactError)
		}
		b.WriteString("\n")
	}

	// Metrics endpoint
	if s.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", s.MetricsAddr)
	}

	b.WriteString(heavyRule)

	return b.String()
}

func writeProcess(b *strings.Builder, name string, pid, exitCode int) {
	if pid <= 0 {
		return
	}
	if exitCode < 0 {
		fmt.Fprintf(b, "  %-9s pid %-8d    exit unknown\n", name+":", pid)
		return
	}
	fmt.Fprintf(b, "  %-9s pid %-8d    exit %d %s\n", name+":", pid, exitCode, exitCodeLabel(exitCode))
}

// sortedEndpoints orders endpoints by shot count, then name.
func sortedEndpoints(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
