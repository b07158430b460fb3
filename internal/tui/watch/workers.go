package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lkhq/spark/internal/engine"
	"github.com/lkhq/spark/internal/worker"
)

// renderWorkers draws one row per worker slot from the latest status
// snapshot. The agent owns the truth here; the monitor never infers slot
// state from events.
func renderWorkers(st *engine.Status, theme Theme, width int) string {
	innerWidth := width - 4

	if st == nil || len(st.Workers) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("WORKERS"),
			theme.Dim.Render("  No worker data yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for _, w := range st.Workers {
		lines = append(lines, formatWorker(w, theme))
	}

	rows := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("WORKERS"),
		rows,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatWorker(w worker.WorkerStatus, theme Theme) string {
	var stateStyle lipgloss.Style
	switch w.State {
	case worker.StateBusy:
		stateStyle = theme.StatusRunning
	case worker.StateIdle:
		stateStyle = theme.StatusOK
	case worker.StateTerminated:
		stateStyle = theme.StatusDead
	default:
		stateStyle = theme.Dim
	}

	state := stateStyle.Render(fmt.Sprintf("%-10s", w.State))

	job := theme.Dim.Render("—")
	if w.JobID != "" {
		id := w.JobID
		if len(id) > 12 {
			id = id[:12]
		}
		job = theme.Highlight.Render(id)
	}

	line := fmt.Sprintf("#%d  %s %s", w.ID, state, job)
	if w.Respawns > 0 {
		line += theme.Dim.Render(fmt.Sprintf("  (respawned ×%d)", w.Respawns))
	}
	return line
}
