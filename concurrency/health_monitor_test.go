package concurrency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// MockHealthCheck is a mock implementation for testing
type MockHealthCheck struct {
	name   string
	status HealthStatus
	calls  int
	mu     sync.Mutex
}

func NewMockHealthCheck(name string, status HealthStatus) *MockHealthCheck {
	return &MockHealthCheck{
		name:   name,
		status: status,
	}
}

func (m *MockHealthCheck) Name() string {
	return m.name
}

func (m *MockHealthCheck) Check(ctx context.Context) HealthCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	return HealthCheckResult{
		Status:    m.status,
		Message:   fmt.Sprintf("%s is %s", m.name, m.status),
		Timestamp: time.Now(),
	}
}

func (m *MockHealthCheck) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestHealthAggregatorWorstWins(t *testing.T) {
	ha := NewHealthAggregator()
	assert.Equal(t, Unknown, ha.GetOverallStatus())

	ha.Update("a", HealthCheckResult{Status: Healthy})
	ha.Update("b", HealthCheckResult{Status: Unknown})
	assert.Equal(t, Healthy, ha.GetOverallStatus())

	ha.Update("c", HealthCheckResult{Status: Degraded, Message: "slow"})
	assert.Equal(t, Degraded, ha.GetOverallStatus())

	ha.Update("d", HealthCheckResult{Status: Unhealthy, Message: "down"})
	doc := ha.Snapshot()
	assert.Equal(t, store.HealthUnhealthy, doc.Status)
	assert.Contains(t, doc.Details, "d: down")
	assert.Contains(t, doc.Details, "c: slow")
	assert.Equal(t, store.HealthDegraded, doc.Checks["c"])
}

func TestHealthMonitorRunOnceWritesStatus(t *testing.T) {
	st := newTestStore(t)
	hm := NewHealthMonitor(st, time.Hour,
		NewMockHealthCheck("ok", Healthy),
		NewMockHealthCheck("meh", Degraded),
	)

	doc := hm.RunOnce(context.Background())
	assert.Equal(t, store.HealthDegraded, doc.Status)

	written, err := st.Health()
	require.NoError(t, err)
	assert.Equal(t, store.HealthDegraded, written.Status)
	assert.Equal(t, map[string]string{"ok": "healthy", "meh": "degraded"}, written.Checks)
}

func TestHealthMonitorLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := newTestStore(t)
	check := NewMockHealthCheck("tick", Healthy)
	hm := NewHealthMonitor(st, 10*time.Millisecond, check)

	require.NoError(t, hm.Start(context.Background()))
	assert.Error(t, hm.Start(context.Background()))

	require.Eventually(t, func() bool { return check.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	hm.Stop()
	hm.Stop()

	h, err := st.Health()
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, h.Status)
}

func TestHealthMonitorStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	hm := NewHealthMonitor(newTestStore(t), time.Hour, NewMockHealthCheck("x", Healthy))
	require.NoError(t, hm.Start(ctx))
	cancel()
	hm.Stop()
}

func TestBuiltInChecks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	workers := NewWorkerHealthCheck(st)
	breakers := NewBreakerHealthCheck(st)
	assert.Equal(t, Healthy, workers.Check(ctx).Status)
	assert.Equal(t, Healthy, breakers.Check(ctx).Status)

	require.NoError(t, st.UpdateRegistry(ctx, func(r *store.Registry) error {
		r.Workers["a"] = &store.WorkerRecord{ID: "a", Status: store.StatusCompleted}
		r.Workers["b"] = &store.WorkerRecord{ID: "b", Status: store.StatusCompleted}
		r.Workers["c"] = &store.WorkerRecord{ID: "c", Status: store.StatusFailed}
		return nil
	}))
	assert.Equal(t, Degraded, workers.Check(ctx).Status)

	require.NoError(t, st.UpdateRegistry(ctx, func(r *store.Registry) error {
		r.Workers["d"] = &store.WorkerRecord{ID: "d", Status: store.StatusTimeout}
		return nil
	}))
	assert.Equal(t, Unhealthy, workers.Check(ctx).Status)

	cb := NewCircuitBreaker(st, config.BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	require.NoError(t, cb.RecordOutcome(ctx, "E9", false))
	result := breakers.Check(ctx)
	assert.Equal(t, Degraded, result.Status)
	assert.Contains(t, result.Message, "E9")

	gate := NewGateHealthCheck(newTestGate(5, &fakeSampler{}))
	assert.Equal(t, Degraded, gate.Check(ctx).Status)
	gate = NewGateHealthCheck(newTestGate(0, &fakeSampler{}))
	assert.Equal(t, Healthy, gate.Check(ctx).Status)
}
