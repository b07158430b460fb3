// Package tui holds the agent's interactive terminal surfaces. The live
// monitor lives in the watch subpackage; this file is the journal browser
// behind "sparkd job browse", a read-only view over the local API.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lkhq/spark/internal/journal"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusOrphan = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	jobsFetchLimit      = 200
	jobsRefreshInterval = 5 * time.Second
)

// JobsModel is the bubbletea model for the journal browser: a table of
// recent entries on top, the selected entry's output in a viewport below.
type JobsModel struct {
	apiURL string
	token  string

	width  int
	height int

	entries     []journal.Entry
	refreshedAt time.Time
	lastError   string

	jobTable table.Model
	output   viewport.Model
}

type entriesMsg []journal.Entry
type refreshMsg time.Time
type jobsErrMsg error

// NewJobsBrowser builds the browser against the agent's local API.
func NewJobsBrowser(apiURL, token string) *JobsModel {
	t := table.New(
		table.WithColumns(jobColumns(80)),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &JobsModel{
		apiURL:   strings.TrimRight(apiURL, "/"),
		token:    token,
		jobTable: t,
		output:   viewport.New(80, 8),
	}
}

func jobColumns(width int) []table.Column {
	idWidth := width - 2 - 10 - 4 - 10 - 20 - 10
	if idWidth < 10 {
		idWidth = 10
	}
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Job", Width: idWidth},
		{Title: "Status", Width: 10},
		{Title: "Wkr", Width: 4},
		{Title: "Flags", Width: 10},
		{Title: "Finished", Width: 20},
	}
}

func (m JobsModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchRecent(),
		tea.EnterAltScreen,
	)
}

func (m JobsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchRecent()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		inner := m.width - 6
		m.jobTable.SetColumns(jobColumns(inner))
		m.jobTable.SetWidth(inner)
		m.jobTable.SetHeight(max(m.height/2-6, 5))
		m.output.Width = inner
		m.output.Height = max(m.height/3, 5)
		m.syncOutput()

	case entriesMsg:
		m.entries = msg
		m.refreshedAt = time.Now()
		m.lastError = ""
		m.jobTable.SetRows(m.entryRows())
		m.syncOutput()
		return m, tea.Tick(jobsRefreshInterval, func(t time.Time) tea.Msg {
			return refreshMsg(t)
		})

	case refreshMsg:
		return m, m.fetchRecent()

	case jobsErrMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(jobsRefreshInterval, func(t time.Time) tea.Msg {
			return refreshMsg(t)
		})
	}

	m.jobTable, cmd = m.jobTable.Update(msg)
	m.syncOutput()

	var vpCmd tea.Cmd
	m.output, vpCmd = m.output.Update(msg)
	return m, tea.Batch(cmd, vpCmd)
}

func (m *JobsModel) entryRows() []table.Row {
	rows := make([]table.Row, 0, len(m.entries))
	for _, e := range m.entries {
		rows = append(rows, table.Row{
			statusSymbol(e),
			e.JobID,
			e.Status,
			fmt.Sprintf("%d", e.WorkerID),
			entryFlags(e),
			e.FinishedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

func statusSymbol(e journal.Entry) string {
	switch {
	case e.Orphaned:
		return statusOrphan.Render("◔")
	case e.Status == "completed":
		return statusOK.Render("●")
	case e.Status == "failed":
		return statusFailed.Render("∅")
	default:
		return "○"
	}
}

func entryFlags(e journal.Entry) string {
	var flags []string
	if e.Orphaned {
		flags = append(flags, "orphan")
	}
	if !e.Relayed {
		flags = append(flags, "local")
	}
	return strings.Join(flags, ",")
}

// syncOutput repoints the viewport at whichever entry the table cursor sits
// on. Cheap enough to run on every update.
func (m *JobsModel) syncOutput() {
	cursor := m.jobTable.Cursor()
	if cursor < 0 || cursor >= len(m.entries) {
		m.output.SetContent(dimStyle.Render("No entry selected."))
		return
	}
	e := m.entries[cursor]

	var b strings.Builder
	fmt.Fprintf(&b, "job %s  status %s  worker %d\n", e.JobID, e.Status, e.WorkerID)
	if e.Session != "" {
		fmt.Fprintf(&b, "session %s\n", e.Session)
	}
	if e.Digest != "" {
		fmt.Fprintf(&b, "digest %s\n", e.Digest)
	}
	if e.ErrorInfo != "" {
		b.WriteString(statusFailed.Render("error: "+e.ErrorInfo) + "\n")
	}
	if e.Output != "" {
		b.WriteString("\n")
		b.WriteString(e.Output)
	} else if e.ErrorInfo == "" {
		b.WriteString(dimStyle.Render("\n(no output)"))
	}
	m.output.SetContent(b.String())
}

func (m JobsModel) View() string {
	if m.width == 0 {
		return "Loading journal..."
	}

	header := fmt.Sprintf(" JOB JOURNAL  %d entries", len(m.entries))
	if !m.refreshedAt.IsZero() {
		header += dimStyle.Render(fmt.Sprintf("  refreshed %s", m.refreshedAt.Format("15:04:05")))
	}

	tablePanel := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("RECENT"),
			m.jobTable.View(),
		),
	)

	outputPanel := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("OUTPUT"),
			m.output.View(),
		),
	)

	var errBar string
	if m.lastError != "" {
		errBar = statusFailed.Render(" ⚠ " + m.lastError)
	}

	help := dimStyle.Render(" [q] Quit • [r] Refresh • [↑/↓] Select • [pgup/pgdn] Scroll output")

	sections := []string{titleStyle.Render(header), tablePanel, outputPanel}
	if errBar != "" {
		sections = append(sections, errBar)
	}
	sections = append(sections, help)

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

// --- Commands ---

func (m JobsModel) fetchRecent() tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 5 * time.Second}
		url := fmt.Sprintf("%s/jobs/recent?limit=%d", m.apiURL, jobsFetchLimit)
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return jobsErrMsg(err)
		}
		if m.token != "" {
			req.Header.Set("Authorization", "Bearer "+m.token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return jobsErrMsg(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return jobsErrMsg(fmt.Errorf("agent API returned %s", resp.Status))
		}

		var entries []journal.Entry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return jobsErrMsg(fmt.Errorf("decode journal entries: %w", err))
		}
		return entriesMsg(entries)
	}
}
