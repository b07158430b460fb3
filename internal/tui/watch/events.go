package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/lkhq/spark/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	// Color the event kind based on category
	var kindStyle lipgloss.Style
	switch e.Kind {
	case events.KindJobCompleted, events.KindConnected:
		kindStyle = theme.StatusOK
	case events.KindJobFailed, events.KindWorkerCrashed, events.KindWorkerTerminated, events.KindDisconnected:
		kindStyle = theme.StatusFailed
	case events.KindJobAssigned, events.KindWorkerRespawned:
		kindStyle = theme.StatusRunning
	case events.KindOrphanReported:
		kindStyle = theme.Highlight
	default:
		kindStyle = theme.Dim
	}

	kindName := kindStyle.Render(fmt.Sprintf("%-18s", e.Kind))

	// Extract brief description from data
	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, kindName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if jobID, ok := data["job_id"].(string); ok {
		if len(jobID) > 8 {
			jobID = jobID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", jobID))
	}

	if worker, ok := data["worker"].(float64); ok {
		parts = append(parts, fmt.Sprintf("worker %d", int(worker)))
	}

	if session, ok := data["session"].(string); ok && session != "" {
		if len(session) > 8 {
			session = session[:8]
		}
		parts = append(parts, fmt.Sprintf("session %s", session))
	}

	if reason, ok := data["reason"].(string); ok && reason != "" {
		parts = append(parts, reason)
	}

	if errMsg, ok := data["error"].(string); ok && errMsg != "" {
		if len(errMsg) > 40 {
			errMsg = errMsg[:40] + "..."
		}
		parts = append(parts, errMsg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
