package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lkhq/spark/internal/engine"
)

func renderHeader(st *engine.Status, apiOK bool, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	// Connection status: the API being down masks everything else.
	statusText := theme.StatusFailed.Render("AGENT UNREACHABLE")
	statusIcon := "🔌"
	switch {
	case !apiOK || st == nil:
	case st.Connected:
		statusText = theme.StatusOK.Render("CONNECTED")
		statusIcon = "✅"
	default:
		statusText = theme.StatusRunning.Render("RECONNECTING")
		statusIcon = "⚠️"
	}

	// Title line with ticker and clock
	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" SPARK MONITOR %s", tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	// Identity + dispatcher line
	identityLine := " (waiting for first status)"
	statsLine := ""
	if st != nil {
		identityLine = fmt.Sprintf(" %s %s  %s → %s  ⏱ %s",
			statusIcon, statusText,
			theme.Header.Render(st.MachineName),
			st.Dispatcher,
			formatDuration(time.Since(st.StartedAt)),
		)
		c := st.Counters
		statsLine = fmt.Sprintf(" Workers: %d/%d busy (%d live)  Jobs: %d ok / %d failed / %d rejected  Orphans: %d  Crashes: %d  Reconnects: %d",
			st.BusyWorkers, st.Capacity, st.LiveWorkers,
			c.Completed, c.Failed, c.Rejected,
			c.OrphanReports, c.Crashes, c.Reconnects,
		)
	} else {
		identityLine = fmt.Sprintf(" %s %s", statusIcon, statusText)
	}

	// Activity line
	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		ago := time.Since(spinner.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}
	activityLine := fmt.Sprintf(" Last event: %s %s",
		lastEventStr,
		spinner.Render(theme),
	)

	lines := []string{titleLine, identityLine}
	if statsLine != "" {
		lines = append(lines, statsLine)
	}
	lines = append(lines, activityLine)

	content := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
