// Package statusui renders a live table of cmux containers, polling the
// control socket.
package statusui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Row mirrors the server's ps row shape.
type Row struct {
	ContainerName string    `json:"container_name"`
	TaskRunID     string    `json:"task_run_id"`
	Status        string    `json:"status"`
	IDEPort       int       `json:"ide_port"`
	WorkerPort    int       `json:"worker_port"`
	LastActivity  time.Time `json:"last_activity"`
}

// Fetcher returns the current container rows.
type Fetcher func() ([]Row, error)

const pollInterval = 2 * time.Second

var (
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type tickMsg time.Time

type rowsMsg struct {
	rows []Row
	err  error
}

// Model is the bubbletea model for the watch view.
type Model struct {
	fetch   Fetcher
	table   table.Model
	lastErr error
}

// New creates the watch model.
func New(fetch Fetcher) Model {
	columns := []table.Column{
		{Title: "CONTAINER", Width: 20},
		{Title: "RUN", Width: 14},
		{Title: "STATUS", Width: 10},
		{Title: "IDE", Width: 7},
		{Title: "WORKER", Width: 7},
		{Title: "IDLE", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = headerStyle
	t.SetStyles(styles)

	return Model{fetch: fetch, table: t}
}

// Init starts the poll loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.fetch()
		return rowsMsg{rows: rows, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tick())
	case rowsMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.table.SetRows(toTableRows(msg.rows))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func toTableRows(rows []Row) []table.Row {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ContainerName < rows[j].ContainerName })
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{
			r.ContainerName,
			r.TaskRunID[:min(12, len(r.TaskRunID))],
			r.Status,
			portString(r.IDEPort),
			portString(r.WorkerPort),
			idleString(r.LastActivity),
		})
	}
	return out
}

func portString(p int) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", p)
}

func idleString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}

// View renders the table.
func (m Model) View() string {
	view := baseStyle.Render(m.table.View()) + "\n  q: quit\n"
	if m.lastErr != nil {
		view += errStyle.Render("  error: "+m.lastErr.Error()) + "\n"
	}
	return view
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
