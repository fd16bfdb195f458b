package monitoring

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *MetricsStore {
	t.Helper()
	m, err := OpenMetricsStore(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDailyAggregatesSameDay(t *testing.T) {
	m := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)

	execs := []Execution{
		{WorkerID: "w1", Category: "E1", Severity: 3, Status: "completed", StartedAt: now, Duration: 2 * time.Second},
		{WorkerID: "w2", Category: "E1", Severity: 3, Status: "failed", StartedAt: now, Duration: 4 * time.Second},
		{WorkerID: "w3", Category: "E2", Severity: 1, Status: "timeout", StartedAt: now, Duration: 6 * time.Second},
		{WorkerID: "w4", Category: "E2", Severity: 1, Status: "completed", StartedAt: yesterday, Duration: time.Second},
	}
	for _, e := range execs {
		require.NoError(t, m.RecordExecution(ctx, e))
	}

	days, err := m.Daily(ctx, 7)
	require.NoError(t, err)
	require.Len(t, days, 2)

	today := days[0]
	assert.Equal(t, now.Format(dayFormat), today.Day)
	assert.Equal(t, 3, today.Executions)
	assert.Equal(t, 1, today.Successes)
	assert.Equal(t, 1, today.Failures)
	assert.Equal(t, 1, today.Timeouts)
	assert.Equal(t, 0, today.Stopped)
	assert.Equal(t, 4*time.Second, today.AvgDuration)
	assert.Equal(t, 6*time.Second, today.MaxDuration)
	assert.InDelta(t, 1.0/3, today.SuccessRate(), 0.001)

	assert.Equal(t, 1, days[1].Executions)

	recent, err := m.Daily(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestDailyEmpty(t *testing.T) {
	m := openTestStore(t)
	days, err := m.Daily(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, days)
	assert.Equal(t, 0.0, DailyStats{}.SuccessRate())
}

func TestTotalsAndRuns(t *testing.T) {
	m := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.RecordExecution(ctx, Execution{WorkerID: "a", Category: "E1", Status: "completed", StartedAt: now, Duration: 1500 * time.Millisecond}))
	require.NoError(t, m.RecordExecution(ctx, Execution{WorkerID: "b", Category: "E1", Status: "completed", StartedAt: now, Duration: 500 * time.Millisecond}))

	totals, err := m.Totals(ctx, 0)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, CategoryTotal{Category: "E1", Status: "completed", Count: 2, Seconds: 2}, totals[0])

	run := Run{ID: "run-1", Backlog: "/tmp/build.log", StartedAt: now.Add(-time.Minute), Categories: 2, Slots: 3}
	require.NoError(t, m.RecordRun(ctx, run))
	run.FinishedAt = now
	run.Succeeded = 2
	run.Failed = 1
	require.NoError(t, m.RecordRun(ctx, run))

	runs, err := m.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Succeeded)
	assert.Equal(t, now.UnixMilli(), runs[0].FinishedAt.UnixMilli())
}

func TestCollectors(t *testing.T) {
	c := NewCollectors()
	c.ObserveExecution("E1", "completed", 3*time.Second)
	c.ObserveExecution("E1", "failed", time.Second)
	c.ObservePoolAcquire(true)
	c.ObservePoolAcquire(false)
	c.ObservePoolAcquire(false)
	c.Load([]CategoryTotal{{Category: "E2", Status: "timeout", Count: 4}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues("E1", "completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues("E2", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.PoolAcquireTotal.WithLabelValues("created")))

	path := filepath.Join(t.TempDir(), "textfile", "agentfactory.prom")
	require.NoError(t, c.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `agentfactory_executions_total{category="E1",status="completed"} 1`)
	assert.Contains(t, string(data), "agentfactory_execution_duration_seconds_bucket")
}

func TestAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	disabled, err := OpenAuditLog(path, false)
	require.NoError(t, err)
	disabled.Record(AuditEvent{Type: EventSpawn})
	require.NoError(t, disabled.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	a, err := OpenAuditLog(path, true)
	require.NoError(t, err)
	assert.True(t, a.Enabled())
	a.Record(AuditEvent{Type: EventSpawn, WorkerID: "w1", Category: "E1", Message: "spawned"})
	a.Record(AuditEvent{Type: EventOutcome, WorkerID: "w1", Category: "E1", Status: "completed"})
	a.Record(AuditEvent{Type: EventShutdown})
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	events, err := ReadAudit(path, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventOutcome, events[0].Type)
	assert.Equal(t, "completed", events[0].Status)
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, EventShutdown, events[1].Type)

	none, err := ReadAudit(filepath.Join(t.TempDir(), "missing.jsonl"), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
