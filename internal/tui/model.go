package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-perf-shooter/internal/stats"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to refresh the elapsed time.
type TickMsg time.Time

// StateMsg reports a session state change.
type StateMsg struct {
	From string
	To   string
}

// ShotMsg reports a fired shot.
type ShotMsg struct {
	Index    int
	Endpoint string
	Err      error
}

// DoneMsg carries the final session summary. The TUI exits on it.
type DoneMsg struct {
	Summary stats.Summary
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	sessionID     string
	serverCommand string
	shotsPlanned  int
	metricsAddr   string
	onQuit        func()

	// Session progress
	phase        string
	fired        int
	failed       int
	perEndpoint  map[string]int
	endpoints    []string
	lastEndpoint string
	lastErr      error
	summary      *stats.Summary

	startTime time.Time
	width     int
	height    int

	cancelling bool
	quitting   bool
}

// Config holds TUI configuration.
type Config struct {
	SessionID     string
	ServerCommand string
	ShotsPlanned  int
	MetricsAddr   string

	// Endpoints fixes the row order of the per-endpoint table.
	Endpoints []string

	// OnQuit is called when the user asks to quit. It should cancel the
	// session's load.
	OnQuit func()
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		sessionID:     cfg.SessionID,
		serverCommand: cfg.ServerCommand,
		shotsPlanned:  cfg.ShotsPlanned,
		metricsAddr:   cfg.MetricsAddr,
		onQuit:        cfg.OnQuit,
		endpoints:     cfg.Endpoints,
		perEndpoint:   make(map[string]int),
		phase:         "init",
		startTime:     time.Now(),
		width:         80,
		height:        24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			// The first request cancels the load; the session still stops
			// the processes and renders, and the TUI exits on DoneMsg.
			if !m.cancelling {
				m.cancelling = true
				if m.onQuit != nil {
					m.onQuit()
				}
				return m, nil
			}
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tickCmd()

	case StateMsg:
		m.phase = msg.To
		return m, nil

	case ShotMsg:
		m.fired = msg.Index + 1
		m.perEndpoint[msg.Endpoint]++
		m.lastEndpoint = msg.Endpoint
		if msg.Err != nil {
			m.failed++
			m.lastErr = msg.Err
		}
		return m, nil

	case DoneMsg:
		s := msg.Summary
		m.summary = &s
		m.phase = s.FinalState
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderSessionView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the session started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Phase returns the current session state name.
func (m Model) Phase() string {
	return m.phase
}

// Fired returns the number of shots fired so far.
func (m Model) Fired() int {
	return m.fired
}

// Failed returns the number of failed shots so far.
func (m Model) Failed() int {
	return m.failed
}

// LoadProgress returns the fraction of planned shots fired (0.0 to 1.0).
func (m Model) LoadProgress() float64 {
	if m.shotsPlanned == 0 {
		return 0
	}
	return float64(m.fired) / float64(m.shotsPlanned)
}

// =============================================================================
// Helpers for external use
// =============================================================================

// SendState sends a state change to the TUI.
func SendState(p *tea.Program, from, to string) {
	if p != nil {
		p.Send(StateMsg{From: from, To: to})
	}
}

// SendShot sends a shot result to the TUI.
func SendShot(p *tea.Program, index int, endpoint string, err error) {
	if p != nil {
		p.Send(ShotMsg{Index: index, Endpoint: endpoint, Err: err})
	}
}

// SendDone sends the final summary, which ends the TUI.
func SendDone(p *tea.Program, s stats.Summary) {
	if p != nil {
		p.Send(DoneMsg{Summary: s})
	}
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
