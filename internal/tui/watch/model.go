package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lkhq/spark/internal/engine"
	"github.com/lkhq/spark/internal/events"
)

const (
	statusPollInterval = 2 * time.Second
	eventLogDepth      = 50
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	// State
	status      *engine.Status
	apiOK       bool
	lastPoll    time.Time
	eventLog    []events.Event
	lastEventID int64

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme Theme

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		// The spinner needs no tick of its own: re-rendering fades it.
		m.ticker.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Newest first, bounded.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogDepth {
			m.eventLog = m.eventLog[:eventLogDepth]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.spinner.OnEvent()
		m.apiOK = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		st := engine.Status(msg)
		m.status = &st
		m.apiOK = true
		m.lastPoll = time.Now()
		m.lastError = ""

		return m, tea.Tick(statusPollInterval, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.apiOK = false
		m.lastError = "event stream lost, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		m.apiOK = false
		// Retry status in 5s
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to agent..."
	}

	header := renderHeader(m.status, m.apiOK, m.ticker, m.spinner, m.theme, m.width)
	workers := renderWorkers(m.status, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	// Error bar
	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit")

	parts := []string{header, workers, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
