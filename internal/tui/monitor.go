package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taskpool/internal/events"
	"github.com/mattjoyce/taskpool/internal/pool"
)

const (
	maxEventLog  = 50
	shownEvents  = 10
	pollInterval = time.Second
)

// Model is the BubbleTea model of the pool monitor.
type Model struct {
	client client
	theme  Theme

	width  int
	height int

	stats     pool.Stats
	health    healthMsg
	connected bool
	eventLog  []events.Message
	hubEvents chan events.Message
	lastError string

	workers table.Model
}

// NewMonitor returns a monitor for the API server at apiURL.
func NewMonitor(apiURL, token string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Slot", Width: 4},
			{Title: "Worker", Width: 6},
			{Title: "State", Width: 10},
			{Title: "Task", Width: 36},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
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
		client: client{
			baseURL: strings.TrimRight(apiURL, "/"),
			token:   token,
			http:    &http.Client{},
		},
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Message, 100),
		workers:   t,
	}
}

// Run shows the monitor until the user quits or ctx ends.
func Run(ctx context.Context, apiURL, token string) error {
	p := tea.NewProgram(NewMonitor(apiURL, token), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeToEvents(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchStats,
		m.client.fetchHealth,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workers.SetWidth(max(m.width-6, 20))

	case statsMsg:
		m.stats = pool.Stats(msg)
		m.connected = true
		m.lastError = ""
		m.updateTable()
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchStats() })

	case healthMsg:
		m.health = msg
		return m, tea.Tick(5*pollInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case eventMsg:
		m.eventLog = append([]events.Message{events.Message(msg)}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		return m, receiveNextEvent(m.hubEvents)

	case sseDisconnectedMsg:
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribeToEvents(m.hubEvents)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*pollInterval, func(time.Time) tea.Msg { return m.client.fetchStats() })
	}

	m.workers, cmd = m.workers.Update(msg)
	return m, cmd
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.stats.Workers))
	for _, w := range m.stats.Workers {
		rows = append(rows, table.Row{
			m.theme.stateSymbol(w.State),
			fmt.Sprintf("%d", w.Slot),
			fmt.Sprintf("%d", w.ID),
			w.State,
			w.TaskID,
		})
	}
	m.workers.SetRows(rows)
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	workers := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Workers"),
			m.workers.View(),
		),
	)
	stream := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{m.renderHeader(), workers, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ! "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll Workers"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	status := m.theme.StatusOK.Render("RUNNING")
	switch {
	case !m.connected:
		status = m.theme.StatusFailed.Render("CONNECTING")
	case m.stats.Closed:
		status = m.theme.StatusIdle.Render("CLOSED")
	case m.health.ConfigStale:
		status = m.theme.StatusRunning.Render("CONFIG CHANGED")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("%s %s", m.theme.Title.Render(m.stats.Queue), status),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Pending: %d", m.stats.Pending),
		fmt.Sprintf("Busy: %d/%d", m.stats.Busy(), len(m.stats.Workers)),
		fmt.Sprintf("Done: %d  Failed: %d  Replaced: %d", m.stats.Finished, m.stats.Failed, m.stats.Replaced),
	}

	cells := make([]string, len(items))
	for i, item := range items {
		cells[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(item)
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, msg := range m.eventLog {
		if i >= shownEvents {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-16s | %s", msg.At.Local().Format("15:04:05"), msg.Type, describe(msg)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// describe summarises a pool event payload for one log line.
func describe(msg events.Message) string {
	var ev pool.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return string(msg.Data)
	}

	var parts []string
	if ev.WorkerID != 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", ev.WorkerID))
	}
	if ev.TaskID != "" {
		parts = append(parts, "task="+shortID(ev.TaskID))
	}
	if ev.Duration > 0 {
		parts = append(parts, "took="+ev.Duration.Round(time.Millisecond).String())
	}
	if ev.Error != "" {
		parts = append(parts, "error="+ev.Error)
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
