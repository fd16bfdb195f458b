// Package concurrency provides the admission and failure-isolation
// primitives used to run build-fix workers side by side.
//
// # Core Components
//
// CircuitBreaker - per-category breaker persisted in the state store
//
//	cb := NewCircuitBreaker(st, cfg.Breaker)
//	if ok, _ := cb.CheckAllowed(ctx, "CS0246"); ok {
//		cb.RecordOutcome(ctx, "CS0246", err == nil)
//	}
//
// ResourceGate - admission control on running workers, CPU and memory
//
//	gate := NewResourceGate(cfg.Gate, st)
//	if !gate.Admit(ctx) {
//		// back off and retry
//	}
//
// WorkerPool - reusable worker records keyed by category
//
//	pool := NewWorkerPool(st, cfg.Limits, cfg.Pooling)
//	id, reused, err := pool.Acquire(ctx, "CS0246", 3)
//	defer pool.Release(ctx, id, "CS0246")
//
// HealthMonitor - periodic health checks aggregated into health.json
//
//	monitor := NewHealthMonitor(st, cfg.HealthInterval,
//		NewGateHealthCheck(gate), NewWorkerHealthCheck(st), NewBreakerHealthCheck(st))
//	monitor.Start(ctx)
//	defer monitor.Stop()
//
// All shared state goes through the store package, so these components
// coordinate across processes as well as goroutines.
package concurrency

import "errors"

var (
	// ErrCircuitOpen is returned when a category's breaker rejects work.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrResourceExhausted is returned when the resource gate denies admission.
	ErrResourceExhausted = errors.New("resource exhausted")
)
