// Package monitor renders a terminal dashboard over the operatord API:
// a live task table, governor window occupancy, and a running-task
// sparkline, refreshed on a fixed interval.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/operatord/internal/apiclient"
	"github.com/fyrsmithlabs/operatord/internal/scheduler"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	taskTableRows   = 12
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// snapshot bundles one poll of the API.
type snapshot struct {
	Stats scheduler.Statistics
	Tasks []scheduler.Snapshot
}

// Model is the BubbleTea dashboard model.
type Model struct {
	client     *apiclient.Client
	baseURL    string
	interval   time.Duration
	lastUpdate time.Time
	err        error
	quitting   bool

	stats          scheduler.Statistics
	taskTable      table.Model
	runningHistory []float64
}

// NewModel creates a dashboard polling the given operatord base URL.
func NewModel(baseURL string, interval time.Duration) Model {
	columns := []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Status", Width: 10},
		{Title: "Prio", Width: 4},
		{Title: "Backend", Width: 10},
		{Title: "Goal", Width: 42},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(taskTableRows),
		table.WithFocused(true),
	)

	return Model{
		client:         apiclient.New(baseURL),
		baseURL:        baseURL,
		interval:       interval,
		taskTable:      t,
		runningHistory: make([]float64, 0, historySize),
	}
}

type tickMsg time.Time
type snapshotMsg snapshot
type errMsg error

// Init starts the poll loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.client),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(client *apiclient.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stats, err := client.Stats(ctx)
		if err != nil {
			return errMsg(err)
		}
		tasks, err := client.ListTasks(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snapshot{Stats: stats, Tasks: tasks})
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.client)
		}
		var cmd tea.Cmd
		m.taskTable, cmd = m.taskTable.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.client),
		)

	case snapshotMsg:
		m.stats = msg.Stats
		m.taskTable.SetRows(taskRows(msg.Tasks))
		m.runningHistory = appendToHistory(m.runningHistory, float64(msg.Stats.Running))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" operatord Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach operatord") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.baseURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	var content string

	lastUpdateStr := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("15:04:05")
	}

	content += headerStyle.Render(" operatord Monitor ") + "\n"
	content += fmt.Sprintf("%s   %s   %s\n",
		poolBadge(m.stats.Running, m.stats.Capacity),
		dimStyle.Render("updated:"),
		valueStyle.Render(lastUpdateStr))

	content += "\n" + sectionStyle.Render("┃ Pool") + "\n"
	content += labelStyle.Render("  Running: ") +
		valueStyle.Render(fmt.Sprintf("%d/%d", m.stats.Running, m.stats.Capacity)) +
		"   " + createSparkline(m.runningHistory) + "\n"
	content += labelStyle.Render("  Queue: ") + statusCounts(m.stats.Tasks) + "\n"

	content += "\n" + sectionStyle.Render("┃ Rate Windows") + "\n"
	if len(m.stats.Backends) == 0 {
		content += dimStyle.Render("  no backends") + "\n"
	}
	for name, bs := range m.stats.Backends {
		content += labelStyle.Render("  "+name+": ") +
			valueStyle.Render(fmt.Sprintf("%d/%d", bs.Used, bs.Limit)) +
			dimStyle.Render(fmt.Sprintf("  (%d free)", bs.Available)) + "\n"
	}

	content += "\n" + sectionStyle.Render("┃ Tasks") + "\n"
	content += m.taskTable.View() + "\n"

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}

// poolBadge colors overall pool pressure.
func poolBadge(running, capacity int) string {
	switch {
	case capacity == 0 || running < capacity:
		return healthyStyle.Render("✓ OK")
	case running == capacity:
		return warningStyle.Render("⚠ FULL")
	default:
		return errorStyle.Render("✗ OVER")
	}
}

func statusCounts(counts map[scheduler.Status]int) string {
	order := []scheduler.Status{
		scheduler.StatusPending,
		scheduler.StatusRunning,
		scheduler.StatusPaused,
		scheduler.StatusCompleted,
		scheduler.StatusFailed,
		scheduler.StatusCancelled,
	}
	var out string
	for _, status := range order {
		out += dimStyle.Render(string(status)+"=") +
			valueStyle.Render(fmt.Sprintf("%d", counts[status])) + " "
	}
	return out
}

func taskRows(tasks []scheduler.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		goal := t.Goal
		if len(goal) > 40 {
			goal = goal[:37] + "..."
		}
		rows = append(rows, table.Row{
			id,
			string(t.Status),
			fmt.Sprintf("%d", t.Priority),
			t.Backend,
			goal,
		})
	}
	return rows
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	return sparklineStyle.Render(spark.View())
}

// Run starts the dashboard in the alternate screen and blocks until quit.
func Run(baseURL string, interval time.Duration) error {
	p := tea.NewProgram(NewModel(baseURL, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
