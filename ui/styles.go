package ui

import (
	"github.com/ByteMirror/agentfactory/store"
	"github.com/charmbracelet/lipgloss"
)

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#dddddd"})

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"})

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Padding(0, 1).
	Foreground(lipgloss.Color("#F0A868"))

var cellStyle = lipgloss.NewStyle().
	Padding(0, 1)

var borderStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#c0c0c0", Dark: "#444444"})

var okStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#51bd73", Dark: "#51bd73"})

var warnStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F0A868"))

var badStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#de613e"))

var healthStyles = map[string]lipgloss.Style{
	store.HealthHealthy:   okStyle.Bold(true),
	store.HealthDegraded:  warnStyle.Bold(true),
	store.HealthUnhealthy: badStyle.Bold(true),
	store.HealthShutdown:  dimStyle.Bold(true),
	store.HealthUnknown:   dimStyle,
}

var workerStyles = map[store.WorkerStatus]lipgloss.Style{
	store.StatusConfigured: dimStyle,
	store.StatusStarting:   warnStyle,
	store.StatusRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("#7EC8D8")).Bold(true),
	store.StatusCompleted:  okStyle,
	store.StatusFailed:     badStyle,
	store.StatusTimeout:    badStyle,
	store.StatusStopped:    dimStyle,
}

var breakerStyles = map[store.CircuitState]lipgloss.Style{
	store.CircuitClosed:   okStyle,
	store.CircuitOpen:     badStyle.Bold(true),
	store.CircuitHalfOpen: warnStyle,
}

func health(status string) string {
	if s, ok := healthStyles[status]; ok {
		return s.Render(status)
	}
	return status
}

func workerStatus(status store.WorkerStatus) string {
	if s, ok := workerStyles[status]; ok {
		return s.Render(string(status))
	}
	return string(status)
}

func breakerState(state store.CircuitState) string {
	if s, ok := breakerStyles[state]; ok {
		return s.Render(state.String())
	}
	return state.String()
}
