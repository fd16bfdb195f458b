package concurrency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/store"
)

// HealthStatus represents the health state of a component or system.
// Higher values are worse, except Unknown which never outranks a result.
type HealthStatus int

const (
	// Unknown indicates health status cannot be determined
	Unknown HealthStatus = iota
	// Healthy indicates normal operation
	Healthy
	// Degraded indicates reduced functionality but still operational
	Degraded
	// Unhealthy indicates critical issues requiring attention
	Unhealthy
)

// String returns the name written to health.json.
func (hs HealthStatus) String() string {
	switch hs {
	case Healthy:
		return store.HealthHealthy
	case Degraded:
		return store.HealthDegraded
	case Unhealthy:
		return store.HealthUnhealthy
	default:
		return store.HealthUnknown
	}
}

// HealthCheckResult contains the result of a health check
type HealthCheckResult struct {
	Status    HealthStatus
	Message   string
	Timestamp time.Time
}

// HealthCheck defines the interface for component health checks
type HealthCheck interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) HealthCheckResult
	// Name returns the name of the component being checked
	Name() string
}

// GateHealthCheck reports the resource gate's current decision.
type GateHealthCheck struct {
	gate *ResourceGate
}

// NewGateHealthCheck creates a health check over gate.
func NewGateHealthCheck(gate *ResourceGate) *GateHealthCheck {
	return &GateHealthCheck{gate: gate}
}

// Name returns the name of this health check
func (g *GateHealthCheck) Name() string {
	return "resources"
}

// Check samples the gate.
func (g *GateHealthCheck) Check(ctx context.Context) HealthCheckResult {
	status := g.gate.Sample(ctx)
	result := HealthCheckResult{Timestamp: status.SampledAt, Status: Healthy}
	if status.Admit {
		result.Message = fmt.Sprintf("admitting: %d/%d running", status.Running, status.MaxConcurrent)
	} else {
		result.Status = Degraded
		result.Message = "admission denied: " + status.Reason
	}
	return result
}

// WorkerHealthCheck looks at how many finished workers failed.
type WorkerHealthCheck struct {
	store *store.Store
}

// NewWorkerHealthCheck creates a health check over the agent registry.
func NewWorkerHealthCheck(st *store.Store) *WorkerHealthCheck {
	return &WorkerHealthCheck{store: st}
}

// Name returns the name of this health check
func (w *WorkerHealthCheck) Name() string {
	return "workers"
}

// Check grades the share of failed and timed-out workers among finished ones.
func (w *WorkerHealthCheck) Check(ctx context.Context) HealthCheckResult {
	result := HealthCheckResult{Timestamp: time.Now().UTC()}

	reg, err := w.store.Registry()
	if err != nil {
		result.Status = Unknown
		result.Message = fmt.Sprintf("failed to read registry: %v", err)
		return result
	}

	counts := reg.CountByStatus()
	failed := counts[store.StatusFailed] + counts[store.StatusTimeout]
	finished := failed + counts[store.StatusCompleted]

	switch {
	case failed == 0:
		result.Status = Healthy
		result.Message = fmt.Sprintf("%d running, no failed workers", counts[store.StatusRunning])
	case float64(failed)/float64(finished) >= 0.5:
		result.Status = Unhealthy
		result.Message = fmt.Sprintf("critical: %d/%d finished workers failed", failed, finished)
	default:
		result.Status = Degraded
		result.Message = fmt.Sprintf("%d/%d finished workers failed", failed, finished)
	}
	return result
}

// BreakerHealthCheck reports open circuit breakers.
type BreakerHealthCheck struct {
	store *store.Store
}

// NewBreakerHealthCheck creates a health check over the breaker table.
func NewBreakerHealthCheck(st *store.Store) *BreakerHealthCheck {
	return &BreakerHealthCheck{store: st}
}

// Name returns the name of this health check
func (b *BreakerHealthCheck) Name() string {
	return "breakers"
}

// Check lists open breakers.
func (b *BreakerHealthCheck) Check(ctx context.Context) HealthCheckResult {
	result := HealthCheckResult{Timestamp: time.Now().UTC()}

	table, err := b.store.Breakers()
	if err != nil {
		result.Status = Unknown
		result.Message = fmt.Sprintf("failed to read breakers: %v", err)
		return result
	}

	open := table.Open()
	if len(open) == 0 {
		result.Status = Healthy
		result.Message = "no open breakers"
		return result
	}
	result.Status = Degraded
	result.Message = fmt.Sprintf("open breakers: %s", strings.Join(open, ", "))
	return result
}

// HealthAggregator aggregates health checks to determine overall system health
type HealthAggregator struct {
	results map[string]HealthCheckResult
	mu      sync.RWMutex
}

// NewHealthAggregator creates a new health aggregator
func NewHealthAggregator() *HealthAggregator {
	return &HealthAggregator{
		results: make(map[string]HealthCheckResult),
	}
}

// Update updates the result for a specific component
func (ha *HealthAggregator) Update(name string, result HealthCheckResult) {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	ha.results[name] = result
}

// GetOverallStatus returns the worst status reported by any component.
func (ha *HealthAggregator) GetOverallStatus() HealthStatus {
	ha.mu.RLock()
	defer ha.mu.RUnlock()

	if len(ha.results) == 0 {
		return Unknown
	}

	worstStatus := Healthy
	for _, result := range ha.results {
		if result.Status > worstStatus {
			worstStatus = result.Status
		}
	}
	return worstStatus
}

// GetResults returns a copy of all health check results
func (ha *HealthAggregator) GetResults() map[string]HealthCheckResult {
	ha.mu.RLock()
	defer ha.mu.RUnlock()

	results := make(map[string]HealthCheckResult, len(ha.results))
	for k, v := range ha.results {
		results[k] = v
	}
	return results
}

// Snapshot renders the aggregated results as a health document.
func (ha *HealthAggregator) Snapshot() store.HealthStatus {
	results := ha.GetResults()
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := store.HealthStatus{
		Status:    ha.GetOverallStatus().String(),
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string, len(results)),
	}
	var problems []string
	for _, name := range names {
		r := results[name]
		doc.Checks[name] = r.Status.String()
		if r.Status != Healthy {
			problems = append(problems, name+": "+r.Message)
		}
	}
	if len(problems) == 0 {
		doc.Details = "all checks passed"
	} else {
		doc.Details = strings.Join(problems, "; ")
	}
	return doc
}

// HealthMonitor runs its checks every interval and publishes the aggregate
// to the store.
type HealthMonitor struct {
	store    *store.Store
	interval time.Duration
	checks   []HealthCheck

	// CheckTimeout bounds a single check.
	CheckTimeout time.Duration

	aggregator *HealthAggregator

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(st *store.Store, interval time.Duration, checks ...HealthCheck) *HealthMonitor {
	return &HealthMonitor{
		store:        st,
		interval:     interval,
		checks:       checks,
		CheckTimeout: 10 * time.Second,
		aggregator:   NewHealthAggregator(),
	}
}

// RunOnce performs every check and writes the resulting health document.
func (hm *HealthMonitor) RunOnce(ctx context.Context) store.HealthStatus {
	for _, check := range hm.checks {
		checkCtx, cancel := context.WithTimeout(ctx, hm.CheckTimeout)
		result := check.Check(checkCtx)
		cancel()
		hm.aggregator.Update(check.Name(), result)
	}

	doc := hm.aggregator.Snapshot()
	if err := hm.store.WriteHealth(ctx, doc); err != nil {
		log.WarningLog.Printf("health monitor: failed to write health status: %v", err)
	}
	return doc
}

// Start runs the check loop in the background until Stop or ctx is done.
func (hm *HealthMonitor) Start(ctx context.Context) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hm.started {
		return fmt.Errorf("health monitor already started")
	}
	ctx, hm.cancel = context.WithCancel(ctx)
	hm.started = true

	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		hm.loop(ctx)
	}()
	return nil
}

func (hm *HealthMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	// Perform initial check immediately
	hm.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.RunOnce(ctx)
		}
	}
}

// Stop stops the loop and waits for it to exit.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	if !hm.started {
		hm.mu.Unlock()
		return
	}
	hm.started = false
	cancel := hm.cancel
	hm.mu.Unlock()

	cancel()
	hm.wg.Wait()
}

// Results returns the latest per-check results.
func (hm *HealthMonitor) Results() map[string]HealthCheckResult {
	return hm.aggregator.GetResults()
}
