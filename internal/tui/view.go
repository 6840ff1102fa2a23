package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// renderSessionView renders the session dashboard.
func (m Model) renderSessionView() string {
	sections := []string{
		m.renderHeader(),
		m.renderProgress(),
		m.renderEndpoints(),
	}
	if m.lastErr != nil {
		sections = append(sections, m.renderLastError())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-perf-shooter │ %s │ Shots: %d/%d │ Elapsed: %s ",
		GetPhaseLabel(m.phase),
		m.fired,
		m.shotsPlanned,
		formatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress
// =============================================================================

func (m Model) renderProgress() string {
	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(m.LoadProgress(), barWidth)

	var status string
	switch {
	case m.cancelling && m.phase == "loading":
		status = statusWarning.Render("Cancelling load, profile will still be rendered...")
	case m.phase == "loading":
		status = statusInfo.Render(fmt.Sprintf("Firing... %d/%d", m.fired, m.shotsPlanned))
	case m.phase == "done":
		status = statusOK.Render("✓ Session complete")
	case m.phase == "failed":
		status = statusError.Render("✗ Session failed")
	default:
		status = GetPhaseStyle(m.phase).Render(m.phase)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Load"),
		progressBar,
		status,
		RenderKeyValue("Failed shots", GetFailureStyle(m.failed).Render(fmt.Sprintf("%d", m.failed))),
		RenderKeyValue("Server", m.serverCommand),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Endpoints
// =============================================================================

func (m Model) renderEndpoints() string {
	var rows []string
	rows = append(rows, sectionHeaderStyle.Render("Endpoints"))

	for _, e := range m.endpointOrder() {
		marker := "  "
		if e == m.lastEndpoint {
			marker = "▸ "
		}
		rows = append(rows, marker+RenderKeyValue(e, fmt.Sprintf("%d", m.perEndpoint[e])))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// endpointOrder returns the configured endpoints followed by any others
// that have been shot.
func (m Model) endpointOrder() []string {
	seen := make(map[string]bool, len(m.endpoints))
	order := make([]string, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		if !seen[e] {
			seen[e] = true
			order = append(order, e)
		}
	}
	for e := range m.perEndpoint {
		if !seen[e] {
			order = append(order, e)
		}
	}
	return order
}

func (m Model) renderLastError() string {
	msg := strings.SplitN(m.lastErr.Error(), "\n", 2)[0]
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Last shot error"),
		statusError.Render(msg),
	))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	parts := []string{"Session " + m.sessionID}
	if m.metricsAddr != "" {
		parts = append(parts, fmt.Sprintf("Metrics: http://%s/metrics", m.metricsAddr))
	}
	parts = append(parts, "q: stop load")
	return footerStyle.Render(strings.Join(parts, " │ "))
}
