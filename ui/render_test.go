package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/concurrency"
	"github.com/ByteMirror/agentfactory/monitoring"
	"github.com/ByteMirror/agentfactory/orchestrator"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

// plain disables colour for the duration of the test.
func plain(t *testing.T) {
	t.Helper()
	prev := lipgloss.ColorProfile()
	lipgloss.SetColorProfile(termenv.Ascii)
	t.Cleanup(func() { lipgloss.SetColorProfile(prev) })
}

func TestStatus(t *testing.T) {
	plain(t)

	now := time.Now()
	s := &orchestrator.Status{
		Health: store.HealthStatus{Status: store.HealthDegraded, Timestamp: now, Details: "breakers: open: CS0246"},
		Workers: []*store.WorkerRecord{
			{ID: "worker-1a2b3c4d", Category: "CS0246", Severity: 3, Status: store.StatusRunning, PID: 4242, Runs: 1, UpdatedAt: now},
			{ID: "worker-5e6f7a8b", Category: "CS0103", Severity: 2, Status: store.StatusConfigured},
		},
		Counts: map[store.WorkerStatus]int{store.StatusRunning: 1, store.StatusConfigured: 1},
		Breakers: []store.CircuitBreakerState{
			{Category: "CS0246", State: store.CircuitOpen, Failures: 3, LastFailure: now},
		},
		Pool: concurrency.PoolStats{Available: 1, InUse: 1, ByCategory: map[string]int{"CS0103": 1}},
	}

	var buf bytes.Buffer
	Status(&buf, s, 80)
	out := buf.String()

	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "breakers: open: CS0246")
	assert.Contains(t, out, "worker-1a2b3c4d")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "1 available, 1 in use")
	assert.Contains(t, out, "CS0103: 1")
	assert.NotContains(t, out, "\x1b[", "no escapes without a terminal")
}

func TestStatusEmpty(t *testing.T) {
	plain(t)

	var buf bytes.Buffer
	Status(&buf, &orchestrator.Status{Health: store.HealthStatus{Status: store.HealthUnknown}}, 80)
	out := buf.String()

	assert.Contains(t, out, "unknown")
	assert.Contains(t, out, "no workers registered")
	assert.Contains(t, out, "no breakers recorded")
}

func TestMetrics(t *testing.T) {
	plain(t)

	var buf bytes.Buffer
	Metrics(&buf, []monitoring.DailyStats{
		{Day: "2024-03-02", Executions: 4, Successes: 3, Failures: 1, AvgDuration: 2 * time.Second, MaxDuration: 3 * time.Second},
	}, []monitoring.CategoryTotal{
		{Category: "CS0246", Status: "completed", Count: 3, Seconds: 6},
	})
	out := buf.String()

	assert.Contains(t, out, "2024-03-02")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "By category")
	assert.Contains(t, out, "6s")
}

func TestMetricsEmpty(t *testing.T) {
	plain(t)

	var buf bytes.Buffer
	Metrics(&buf, nil, nil)
	assert.Contains(t, buf.String(), "no executions recorded")
}

func TestAnalysis(t *testing.T) {
	plain(t)

	report := &analysis.Report{
		Source:      "build.log",
		Revision:    "0123456789ab",
		TotalErrors: 55,
		Items: []analysis.WorkItem{
			{Category: "CS0246", Count: 50, Severity: 3, Diversity: analysis.Diverse, Samples: []string{strings.Repeat("x", 200)}},
			{Category: "CS0103", Count: 5, Severity: 2, Diversity: analysis.Uniform},
		},
	}
	plan := orchestrator.Plan{
		Items:   []orchestrator.PlannedItem{{Item: report.Items[0], Workers: 2, Rule: orchestrator.RuleHighestSeverity}},
		Skipped: []orchestrator.SkippedItem{{Item: report.Items[1], Reason: "5 errors, below minimum of 10"}},
	}

	var buf bytes.Buffer
	Analysis(&buf, report, plan, 100)
	out := buf.String()

	assert.Contains(t, out, "55 errors in 2 categories")
	assert.Contains(t, out, "0123456789ab")
	assert.Contains(t, out, "2 (highest severity)")
	assert.Contains(t, out, "skip")
	assert.Contains(t, out, "CS0103: 5 errors, below minimum of 10")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, strings.Repeat("x", 100))
}

func TestOutcome(t *testing.T) {
	plain(t)

	var buf bytes.Buffer
	Outcome(&buf, orchestrator.Outcome{
		WorkerID: "worker-1", Category: "E", Status: store.StatusFailed, ExitCode: 2,
		Duration: 1500 * time.Millisecond, Output: "compiler exploded\n", Err: errors.New("worker failed"),
	})
	out := buf.String()

	assert.Contains(t, out, "worker-1 (E): failed, exit 2, 1.5s")
	assert.Contains(t, out, "compiler exploded")
}
