package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
)

var (
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	statusStyle = map[store.WorkerStatus]lipgloss.Style{
		store.StatusConfigured: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		store.StatusStarting:   lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")),
		store.StatusRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("cyan")).Bold(true),
		store.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("green")),
		store.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("red")),
		store.StatusTimeout:    lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		store.StatusStopped:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}

	healthStyle = map[string]lipgloss.Style{
		store.HealthHealthy:   lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true),
		store.HealthDegraded:  lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true),
		store.HealthUnhealthy: lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true),
	}

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)
)

// refreshInterval is the fallback poll for changes fsnotify misses.
const refreshInterval = 5 * time.Second

// DashboardModel is the watch TUI over a state directory.
type DashboardModel struct {
	store    *store.Store
	maxRun   int
	changes  <-chan struct{}
	table    table.Model
	status   *Status
	width    int
	height   int
	lastSync time.Time
}

// NewDashboard creates a dashboard over st. changes, when non-nil, triggers
// a refresh on every receive. maxConcurrent scales the utilisation bar.
func NewDashboard(st *store.Store, maxConcurrent int, changes <-chan struct{}) DashboardModel {
	columns := []table.Column{
		{Title: "Worker", Width: 16},
		{Title: "Category", Width: 12},
		{Title: "Sev", Width: 4},
		{Title: "Status", Width: 11},
		{Title: "PID", Width: 8},
		{Title: "Exit", Width: 5},
		{Title: "Runs", Width: 5},
		{Title: "Updated", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
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

	m := DashboardModel{
		store:   st,
		maxRun:  maxConcurrent,
		changes: changes,
		table:   t,
	}
	m.refresh()
	return m
}

type tickMsg time.Time

type changedMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m DashboardModel) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-m.changes; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m DashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.waitForChange())
}

func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(msg.Height-12, 5))
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case changedMsg:
		m.refresh()
		return m, m.waitForChange()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.refresh()
			return m, nil
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *DashboardModel) refresh() {
	m.status = ReadStatus(m.store)
	m.lastSync = time.Now()

	rows := make([]table.Row, 0, len(m.status.Workers))
	for _, w := range m.status.Workers {
		pid := "-"
		if w.PID > 0 {
			pid = fmt.Sprintf("%d", w.PID)
		}
		rows = append(rows, table.Row{
			w.ID,
			w.Category,
			fmt.Sprintf("%d", w.Severity),
			coloredStatus(w.Status),
			pid,
			fmt.Sprintf("%d", w.ExitCode),
			fmt.Sprintf("%d", w.Runs),
			w.UpdatedAt.Local().Format("15:04:05"),
		})
	}
	m.table.SetRows(rows)
}

func coloredStatus(status store.WorkerStatus) string {
	style, ok := statusStyle[status]
	if !ok {
		return string(status)
	}
	return style.Render(string(status))
}

func (m *DashboardModel) utilizationBar() string {
	if m.maxRun <= 0 {
		return ""
	}
	running := m.status.Counts[store.StatusRunning] + m.status.Counts[store.StatusStarting]
	utilization := min(float64(running)/float64(m.maxRun), 1)
	barWidth := 30
	filledWidth := int(float64(barWidth) * utilization)

	filled := strings.Repeat("█", filledWidth)
	empty := strings.Repeat("░", barWidth-filledWidth)

	var barStyle lipgloss.Style
	if utilization >= 0.9 {
		barStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("red"))
	} else if utilization >= 0.7 {
		barStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow"))
	} else {
		barStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("green"))
	}
	return barStyle.Render(filled+empty) + fmt.Sprintf(" %d/%d running", running, m.maxRun)
}

func (m DashboardModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("agentfactory"))
	b.WriteString(labelStyle.Render(m.status.StateDir))
	b.WriteString("\n\n")

	health := m.status.Health.Status
	if style, ok := healthStyle[health]; ok {
		health = style.Render(health)
	}
	b.WriteString(fmt.Sprintf("Health: %s  %s\n", health, labelStyle.Render(m.status.Health.Details)))
	b.WriteString(m.utilizationBar())
	b.WriteString(fmt.Sprintf("\nPool: %d available, %d in use", m.status.Pool.Available, m.status.Pool.InUse))
	if open := m.status.OpenBreakers(); len(open) > 0 {
		b.WriteString("  ")
		b.WriteString(errorStyle.Render("open breakers: " + strings.Join(open, ", ")))
	}
	b.WriteString("\n\n")

	for _, err := range m.status.Errors {
		b.WriteString(errorStyle.Render("Error: " + err))
		b.WriteString("\n")
	}

	b.WriteString(baseStyle.Render(m.table.View()))
	b.WriteString("\n\n")

	footer := labelStyle.Render(fmt.Sprintf(
		"Last sync: %s | r refresh | q quit",
		m.lastSync.Format("15:04:05"),
	))
	b.WriteString(footer)

	return b.String()
}

// WatchStateDir sends on the returned channel whenever a state document in
// dir changes. Bursts coalesce into a single pending notification. The
// channel is closed when ctx is done.
func WatchStateDir(ctx context.Context, dir string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".json" || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				select {
				case changes <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WarningLog.Printf("watch %s: %v", dir, err)
			}
		}
	}()
	return changes, nil
}

// RunDashboard runs the watch TUI until the user quits or ctx is done.
func RunDashboard(ctx context.Context, st *store.Store, maxConcurrent int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := WatchStateDir(ctx, st.Dir())
	if err != nil {
		log.WarningLog.Printf("falling back to polling: %v", err)
		changes = nil
	}

	p := tea.NewProgram(NewDashboard(st, maxConcurrent, changes), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}
