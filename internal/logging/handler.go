package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single stderr line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent stderr lines kept per process.
	MaxBufferedLines = 100
)

// StderrHandler captures the stderr stream of a child process.
//
// It implements io.Writer so it can be assigned to exec.Cmd.Stderr; os/exec
// then drains the child's stderr concurrently and Wait blocks until every
// byte has been handed over. Complete lines are kept in a ring buffer for
// error reports and logged at debug (or warn when they look like errors).
type StderrHandler struct {
	role    string
	logger  *slog.Logger
	verbose bool

	mu      sync.Mutex
	partial []byte
	buffer  []string
	bufIdx  int
	count   int
}

// NewStderrHandler creates a stderr handler for a process with the given role.
func NewStderrHandler(role string, logger *slog.Logger, verbose bool) *StderrHandler {
	return &StderrHandler{
		role:    role,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// Write splits p into lines and handles each complete one.
// Incomplete trailing data is held until the next Write or Flush.
func (h *StderrHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.partial = append(h.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(h.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(h.partial[:i]), "\r"))
		h.partial = h.partial[i+1:]
	}
	if len(h.partial) > MaxLineLength {
		lines = append(lines, string(h.partial))
		h.partial = nil
	}
	h.mu.Unlock()

	for _, line := range lines {
		h.HandleLine(line)
	}
	return len(p), nil
}

// Flush handles any buffered partial line.
func (h *StderrHandler) Flush() {
	h.mu.Lock()
	rest := string(h.partial)
	h.partial = nil
	h.mu.Unlock()

	if rest != "" {
		h.HandleLine(rest)
	}
}

// HandleLine records and logs a single line of stderr output.
func (h *StderrHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.count++
	h.mu.Unlock()

	h.logLine(line)
}

func (h *StderrHandler) logLine(line string) {
	if h.logger == nil {
		return
	}

	level := classifyLine(line)
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "process_stderr",
		"role", h.role,
		"line", line,
	)
}

// classifyLine picks a log level from the line content.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "error") ||
		strings.Contains(lower, "failed") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "no such") {
		return slog.LevelWarn
	}

	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > h.count {
		n = h.count
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// Tail returns the most recent lines joined with newlines.
func (h *StderrHandler) Tail(n int) string {
	return strings.Join(h.RecentLines(n), "\n")
}

// LineCount returns the total number of lines seen.
func (h *StderrHandler) LineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
