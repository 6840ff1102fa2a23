package stats

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Table-Driven Tests: Formatting Functions
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"zero", 0, "00:00:00"},
		{"one second", time.Second, "00:00:01"},
		{"one minute", time.Minute, "00:01:00"},
		{"one hour", time.Hour, "01:00:00"},
		{"mixed", 2*time.Hour + 30*time.Minute + 45*time.Second, "02:30:45"},
		{"24 hours", 24 * time.Hour, "24:00:00"},
		{"sub-second", 500 * time.Millisecond, "00:00:00"},
		{"59 seconds", 59 * time.Second, "00:00:59"},
		{"59 minutes", 59 * time.Minute, "00:59:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.duration); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		want string
	}{
		{"zero", 0, "0 B"},
		{"small", 123, "123 B"},
		{"999 bytes", 999, "999 B"},
		{"1 KB", 1000, "1.00 KB"},
		{"1.5 KB", 1500, "1.50 KB"},
		{"10 KB", 10000, "10.00 KB"},
		{"1 MB", 1000000, "1.00 MB"},
		{"1.5 MB", 1500000, "1.50 MB"},
		{"1 GB", 1000000000, "1.00 GB"},
		{"1.5 GB", 1500000000, "1.50 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatBytes(tt.n); got != tt.want {
				t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"zero", 0, "0 ms"},
		{"1 ms", time.Millisecond, "1 ms"},
		{"100 ms", 100 * time.Millisecond, "100 ms"},
		{"1 second", time.Second, "1000 ms"},
		{"sub-ms", 500 * time.Microsecond, "500 µs"},
		{"1 us", time.Microsecond, "1 µs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatMs(tt.duration); got != tt.want {
				t.Errorf("FormatMs(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want string
	}{
		{"zero", 0, "0.00/s"},
		{"small", 0.5, "0.50/s"},
		{"one", 1.0, "1.0/s"},
		{"ten", 10.0, "10.0/s"},
		{"hundred", 100.0, "100.0/s"},
		{"thousand", 1000.0, "1.0K/s"},
		{"1.5K", 1500.0, "1.5K/s"},
		{"10K", 10000.0, "10.0K/s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatRate(tt.rate); got != tt.want {
				t.Errorf("FormatRate(%v) = %q, want %q", tt.rate, got, tt.want)
			}
		})
	}
}

func TestExitCodeLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "(clean)"},
		{1, "(error)"},
		{137, "(SIGKILL)"},
		{130, "(SIGINT)"},
		{143, "(SIGTERM)"},
		{2, ""},
		{-1, ""},
		{255, ""},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			if got := exitCodeLabel(tt.code); got != tt.want {
				t.Errorf("exitCodeLabel(%d) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: FormatSummary
// =============================================================================

func completedSummary() *Summary {
	return &Summary{
		SessionID:        "3f0c8a9e-1d2b-4c5d-8e7f-0a1b2c3d4e5f",
		ServerCommand:    "./game_server -c config.json",
		FinalState:       "done",
		ShotsPlanned:     100,
		ShotsFired:       100,
		PerEndpoint:      map[string]int{"localhost:8080/api/v1/maps": 48, "localhost:8080/api/v1/maps/map1": 52},
		ServerPID:        4242,
		ProfilerPID:      4243,
		ServerExitCode:   143,
		ProfilerExitCode: 0,
		LoadDuration:     12500 * time.Millisecond,
		TotalDuration:    15 * time.Second,
		ProfilePath:      "perf.data",
		ArtifactPath:     "graph.svg",
		ArtifactBytes:    123456,
	}
}

func TestFormatSummary_Completed(t *testing.T) {
	out := FormatSummary(completedSummary())

	for _, want := range []string{
		"go-perf-shooter Exit Summary",
		"Session:                3f0c8a9e-1d2b-4c5d-8e7f-0a1b2c3d4e5f",
		"Final State:            done",
		"Run Duration:           00:00:15",
		"Shots Fired:          100 / 100",
		"Load Duration:        12500 ms",
		"Shot Rate:            8.0/s",
		"exit 143 (SIGTERM)",
		"exit 0 (clean)",
		"graph.svg (123.46 KB)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Errors") {
		t.Error("completed session should not have an Errors section")
	}
	if strings.Contains(out, "Metrics endpoint") {
		t.Error("metrics endpoint shown without metrics")
	}
}

func TestFormatSummary_EndpointOrder(t *testing.T) {
	out := FormatSummary(completedSummary())

	first := strings.Index(out, "localhost:8080/api/v1/maps/map1")
	second := strings.Index(out, "localhost:8080/api/v1/maps ")
	if first < 0 || second < 0 {
		t.Fatalf("endpoints missing:\n%s", out)
	}
	if first > second {
		t.Error("endpoints should be ordered by shot count, highest first")
	}
	if !strings.Contains(out, "52%") || !strings.Contains(out, "48%") {
		t.Errorf("shares missing:\n%s", out)
	}
}

func TestFormatSummary_Errors(t *testing.T) {
	s := completedSummary()
	s.ArtifactBytes = 0
	s.PostProcessError = "stage render: exit status 3"
	s.ArtifactError = "read artifact graph.svg: no such file or directory"

	out := FormatSummary(s)
	for _, want := range []string{
		"Errors",
		"Post-processing:      stage render: exit status 3",
		"Artifact:             read artifact graph.svg",
		"graph.svg (not emitted)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Fatal:") {
		t.Error("non-fatal errors reported as fatal")
	}
}

func TestFormatSummary_SpawnFailure(t *testing.T) {
	s := &Summary{
		SessionID:        "id",
		FinalState:       "failed",
		ShotsPlanned:     100,
		ServerExitCode:   -1,
		ProfilerExitCode: -1,
		ProfilePath:      "perf.data",
		ArtifactPath:     "graph.svg",
		FatalError:       `spawn server "./missing": no such file or directory`,
	}

	out := FormatSummary(s)
	if !strings.Contains(out, "Fatal:") {
		t.Errorf("fatal error missing:\n%s", out)
	}
	if strings.Contains(out, "Processes") {
		t.Error("Processes section shown with no processes")
	}
	if !strings.Contains(out, "Shot Rate:            0.00/s") {
		t.Errorf("zero shot rate missing:\n%s", out)
	}
}

func TestFormatSummary_InterruptedAndMetrics(t *testing.T) {
	s := completedSummary()
	s.Interrupted = true
	s.ServerExitCode = -1
	s.MetricsAddr = "127.0.0.1:17092"
	s.PprofPath = "profile.pb.gz"

	out := FormatSummary(s)
	for _, want := range []string{
		"Final State:            done (interrupted)",
		"exit unknown",
		"Pprof:                profile.pb.gz",
		"Metrics endpoint was: http://127.0.0.1:17092/metrics",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestSummary_Completed(t *testing.T) {
	if !(&Summary{FinalState: "done"}).Completed() {
		t.Error("done should be completed")
	}
	if (&Summary{FinalState: "failed"}).Completed() {
		t.Error("failed should not be completed")
	}
}
