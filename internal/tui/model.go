package tui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/status"
)

const (
	requestLimit   = 200
	statusInterval = 2 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the BubbleTea model of the monitor.
type Model struct {
	client *apiClient

	width  int
	height int

	header   HeaderState
	requests *requestLog
	table    table.Model
	eventLog []events.Event

	ticker  Ticker
	spinner Spinner
	theme   Theme

	feed chan events.Event

	lastError string
}

// New creates a monitor for the API at apiURL. apiKey may be empty.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()

	t := table.New(
		table.WithColumns(requestColumns()),
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

	return &Model{
		client:   newAPIClient(apiURL, apiKey),
		requests: newRequestLog(requestLimit),
		table:    t,
		ticker:   NewTicker(),
		theme:    theme,
		feed:     make(chan events.Event, 100),
	}
}

// Run starts the monitor and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(apiURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.stream(m.feed),
		receiveNext(m.feed),
		m.client.fetchStatus,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
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
		m.table.SetWidth(m.width - 6)
		if h := m.height - 20; h > 5 {
			m.table.SetHeight(h)
		}

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case feedMsg:
		m.handleFeed(events.Event(msg))
		return m, receiveNext(m.feed)

	case statusMsg:
		m.header.Stats = api.StatusResponse(msg)
		m.header.Status = msg.Status
		m.header.Reachable = true
		m.header.LastPoll = time.Now()
		m.lastError = ""
		return m, m.pollLater()

	case streamClosedMsg:
		m.header.Reachable = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.stream(m.feed)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.pollLater()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) pollLater() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return m.client.fetchStatus() })
}

func (m *Model) handleFeed(e events.Event) {
	m.spinner.OnEvent(time.Now())
	m.header.Reachable = true
	m.lastError = ""

	switch e.Type {
	case api.FeedStatus:
		var snap status.Snapshot
		if err := json.Unmarshal(e.Data, &snap); err == nil {
			m.header.Status = snap
		}
	case api.FeedServer:
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogLimit {
			m.eventLog = m.eventLog[:eventLogLimit]
		}
	default:
		if m.requests.apply(e) {
			m.table.SetRows(m.requests.tableRows(m.theme))
		}
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to conduit..."
	}

	header := renderHeader(m.header, m.ticker, m.spinner, m.theme, m.width, time.Now())

	requests := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render(fmt.Sprintf("REQUESTS (%d pending)", m.requests.pending())),
			m.table.View(),
		),
	)

	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, requests, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll requests"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
