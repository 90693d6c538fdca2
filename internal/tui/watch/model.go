package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/opkit/internal/eventlog"
	"github.com/mattjoyce/opkit/internal/events"
	"github.com/mattjoyce/opkit/internal/task"
)

const maxEventLog = 50

type taskRow struct {
	taskID   string
	actionID string
	state    task.State
	lastAt   time.Time
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	tasks     map[string]*taskRow
	eventLog  []string
	connected bool
	lastError string

	theme     Theme
	hubEvents chan events.Event
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		tasks:     make(map[string]*taskRow),
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
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

	case eventMsg:
		m.connected = true
		m.lastError = ""
		m.apply(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

// apply folds one feed event into the task table and the scrollback.
func (m *Model) apply(e events.Event) {
	var rec eventlog.Record
	if err := json.Unmarshal(e.Data, &rec); err != nil {
		return
	}

	row, ok := m.tasks[rec.TaskID]
	if !ok {
		row = &taskRow{taskID: rec.TaskID, actionID: rec.ActionID}
		m.tasks[rec.TaskID] = row
	}
	row.lastAt = rec.At
	switch rec.Type {
	case task.EventStarted:
		row.state = task.StateRunning
	case task.EventCompleted:
		row.state = task.StateSucceeded
	case task.EventFailed:
		row.state = task.StateFailed
	case task.EventCancelled:
		row.state = task.StateCancelled
	}

	m.eventLog = append([]string{m.formatRecord(rec)}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
}

func (m *Model) formatRecord(rec eventlog.Record) string {
	ts := m.theme.Dim.Render(rec.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch rec.Type {
	case task.EventCompleted:
		typeStyle = m.theme.StatusOK
	case task.EventFailed:
		typeStyle = m.theme.StatusFailed
	case task.EventStarted:
		typeStyle = m.theme.StatusRunning
	case task.EventCancelled:
		typeStyle = m.theme.StatusCancelled
	default:
		typeStyle = m.theme.Dim
	}

	detail := rec.Text
	switch rec.Type {
	case task.EventCompleted:
		if rec.ExitCode != nil {
			detail = fmt.Sprintf("exit %d", *rec.ExitCode)
		}
	case task.EventFailed:
		detail = rec.Message
	case task.EventCancelled:
		if rec.Reason != "" {
			detail = rec.Reason
		}
	}

	return fmt.Sprintf("%s %s %s %s",
		ts,
		typeStyle.Render(fmt.Sprintf("%-10s", string(rec.Type))),
		m.theme.Highlight.Render(rec.ActionID),
		detail)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to opkit..."
	}

	header := m.renderHeader()
	tasks := m.renderTasks()
	stream := m.renderEventStream()

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(" ! " + m.lastError)
	}

	help := m.theme.Dim.Render(" [q] Quit")

	parts := []string{header, tasks, stream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	status := m.theme.StatusFailed.Render("disconnected")
	if m.connected {
		status = m.theme.StatusOK.Render("connected")
	}
	return m.theme.Title.Render("OPKIT WATCH") + "  " + status
}

func (m Model) renderTasks() string {
	rows := make([]*taskRow, 0, len(m.tasks))
	for _, r := range m.tasks {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].lastAt.After(rows[j].lastAt) })

	var lines []string
	for i, r := range rows {
		if i >= 10 {
			break
		}
		var style lipgloss.Style
		switch r.state {
		case task.StateSucceeded:
			style = m.theme.StatusOK
		case task.StateFailed:
			style = m.theme.StatusFailed
		case task.StateCancelled:
			style = m.theme.StatusCancelled
		default:
			style = m.theme.StatusRunning
		}
		lines = append(lines, fmt.Sprintf(" %s %s %s",
			style.Render(fmt.Sprintf("%-9s", string(r.state))),
			m.theme.Highlight.Render(r.actionID),
			m.theme.Dim.Render(shortID(r.taskID))))
	}
	if len(lines) == 0 {
		lines = append(lines, m.theme.Dim.Render("  no tasks yet"))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("TASKS"),
		strings.Join(lines, "\n"))
	return m.theme.Border.Width(m.width - 4).Render(content)
}

func (m Model) renderEventStream() string {
	if len(m.eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"),
			m.theme.Dim.Render("  waiting for events..."))
		return m.theme.Border.Width(m.width - 4).Render(content)
	}

	n := len(m.eventLog)
	if n > 15 {
		n = 15
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(m.eventLog[:n], "\n")))
	return m.theme.Border.Width(m.width - 4).Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
