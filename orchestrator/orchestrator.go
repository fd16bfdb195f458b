// Package orchestrator turns an analysed backlog into worker executions:
// it plans worker slots per category, admits them through the resource gate
// and circuit breaker, runs them from the worker pool and records the
// results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/concurrency"
	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/monitoring"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// StatusSkipped marks a planned slot that never ran.
const StatusSkipped = "skipped"

// shutdownTimeout bounds the bookkeeping done after cancellation.
const shutdownTimeout = 15 * time.Second

// SlotResult is what happened to one planned worker slot.
type SlotResult struct {
	Category string        `json:"category"`
	Slot     int           `json:"slot"`
	WorkerID string        `json:"worker_id,omitempty"`
	Reused   bool          `json:"reused,omitempty"`
	Status   string        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// RunSummary describes one orchestrate run.
type RunSummary struct {
	RunID       string       `json:"run_id"`
	Backlog     string       `json:"backlog"`
	Revision    string       `json:"revision,omitempty"`
	Plan        Plan         `json:"plan"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Interrupted bool         `json:"interrupted"`
	Results     []SlotResult `json:"results"`

	mu sync.Mutex
}

func (s *RunSummary) add(r SlotResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results = append(s.Results, r)
}

// Counts tallies slot results into succeeded, failed and skipped. Stopped
// slots count as neither success nor failure.
func (s *RunSummary) Counts() (succeeded, failed, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.Results {
		switch r.Status {
		case string(store.StatusCompleted):
			succeeded++
		case string(store.StatusFailed), string(store.StatusTimeout):
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// Options carries optional collaborators. Nil fields get defaults or are
// disabled.
type Options struct {
	// Gate defaults to a gate over the store's registry and the local host.
	Gate *concurrency.ResourceGate
	// Metrics, when set, receives every execution and run.
	Metrics *monitoring.MetricsStore
	// Collectors defaults to a fresh set.
	Collectors *monitoring.Collectors
	// Audit defaults to a disabled audit log.
	Audit *monitoring.AuditLog
}

// Orchestrator runs build-fix workers for an analysed backlog.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	breaker    *concurrency.CircuitBreaker
	gate       *concurrency.ResourceGate
	pool       *concurrency.WorkerPool
	metrics    *monitoring.MetricsStore
	collectors *monitoring.Collectors
	audit      *monitoring.AuditLog

	running sync.WaitGroup
}

// New wires an orchestrator over st.
func New(cfg *config.Config, st *store.Store, opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		breaker:    concurrency.NewCircuitBreaker(st, cfg.Breaker),
		gate:       opts.Gate,
		pool:       concurrency.NewWorkerPool(st, cfg.Limits, cfg.Pooling),
		metrics:    opts.Metrics,
		collectors: opts.Collectors,
		audit:      opts.Audit,
	}
	if o.gate == nil {
		o.gate = concurrency.NewResourceGate(cfg.Gate, st)
	}
	if o.collectors == nil {
		o.collectors = monitoring.NewCollectors()
	}
	if o.audit == nil {
		o.audit, _ = monitoring.OpenAuditLog("", false)
	}
	o.breaker.OnTransition = o.onBreakerTransition
	return o
}

// Breaker returns the circuit breaker.
func (o *Orchestrator) Breaker() *concurrency.CircuitBreaker { return o.breaker }

// Pool returns the worker pool.
func (o *Orchestrator) Pool() *concurrency.WorkerPool { return o.pool }

// Gate returns the resource gate.
func (o *Orchestrator) Gate() *concurrency.ResourceGate { return o.gate }

// Collectors returns the Prometheus collectors.
func (o *Orchestrator) Collectors() *monitoring.Collectors { return o.collectors }

func (o *Orchestrator) onBreakerTransition(t concurrency.Transition) {
	o.collectors.BreakerState.WithLabelValues(t.Category).Set(float64(t.To))
	o.audit.Record(monitoring.AuditEvent{
		Type:     monitoring.EventBreaker,
		Category: t.Category,
		Status:   t.To.String(),
		Message:  fmt.Sprintf("%s -> %s after %d failures", t.From, t.To, t.Failures),
	})
}

// HealthMonitor builds the health loop over this orchestrator's components.
func (o *Orchestrator) HealthMonitor() *concurrency.HealthMonitor {
	return concurrency.NewHealthMonitor(o.store, o.cfg.HealthInterval,
		concurrency.NewGateHealthCheck(o.gate),
		concurrency.NewWorkerHealthCheck(o.store),
		concurrency.NewBreakerHealthCheck(o.store),
	)
}

// Run executes the full cycle for report. Worker failures are absorbed into
// state and metrics; the returned error is set for invalid configuration.
// When ctx is cancelled the run shuts down gracefully and returns the
// summary, marked interrupted, together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, report *analysis.Report) (*RunSummary, error) {
	if err := o.cfg.ValidateForExecution(); err != nil {
		return nil, err
	}

	summary := &RunSummary{
		RunID:     "run-" + uuid.NewString()[:8],
		Backlog:   report.Source,
		Revision:  report.Revision,
		Plan:      BuildPlan(report.Items, o.cfg.Planner),
		StartedAt: time.Now().UTC(),
	}
	for _, s := range summary.Plan.Skipped {
		o.audit.Record(monitoring.AuditEvent{Type: monitoring.EventSkip, RunID: summary.RunID, Category: s.Item.Category, Message: s.Reason})
	}
	o.audit.Record(monitoring.AuditEvent{
		Type:    monitoring.EventRunStart,
		RunID:   summary.RunID,
		Message: fmt.Sprintf("%d categories, %d slots, backlog %s", len(summary.Plan.Items), summary.Plan.Slots(), report.Source),
	})
	o.recordRun(ctx, summary)

	monitor := o.HealthMonitor()
	if err := monitor.Start(ctx); err != nil {
		log.WarningLog.Printf("health monitor: %v", err)
	}

	executor := NewExecutor(o.store, o.cfg.Worker, report.Source)
	deadline := time.Now().Add(o.cfg.Planner.MaxRunTime)

	g := new(errgroup.Group)
	g.SetLimit(max(o.cfg.Planner.CategoryParallelism, 1))
	for _, item := range summary.Plan.Items {
		g.Go(func() error {
			o.runCategory(ctx, executor, summary, item, deadline)
			return nil
		})
	}
	_ = g.Wait()
	monitor.Stop()

	summary.FinishedAt = time.Now().UTC()
	if ctx.Err() != nil {
		summary.Interrupted = true
		o.Shutdown(ctx)
	} else {
		monitor.RunOnce(ctx)
	}

	succeeded, failed, skipped := summary.Counts()
	log.InfoLog.Printf("run %s finished: %d succeeded, %d failed, %d skipped", summary.RunID, succeeded, failed, skipped)
	o.audit.Record(monitoring.AuditEvent{
		Type:    monitoring.EventRunEnd,
		RunID:   summary.RunID,
		Message: fmt.Sprintf("%d succeeded, %d failed, %d skipped", succeeded, failed, skipped),
	})
	o.recordRun(ctx, summary)
	o.exportTextfile()
	if summary.Interrupted {
		return summary, ctx.Err()
	}
	return summary, nil
}

// runCategory spawns the category's slots one after another, rate limited
// by the spawn delay, and waits for every started worker.
func (o *Orchestrator) runCategory(ctx context.Context, executor *Executor, summary *RunSummary, item PlannedItem, deadline time.Time) {
	limit := rate.Inf
	if o.cfg.Planner.SpawnDelay > 0 {
		limit = rate.Every(o.cfg.Planner.SpawnDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var wg sync.WaitGroup
	defer wg.Wait()

	for slot := 0; slot < item.Workers; slot++ {
		skip := func(reason string) {
			o.collectors.SlotsSkippedTotal.WithLabelValues(reason).Inc()
			summary.add(SlotResult{Category: item.Item.Category, Slot: slot, Status: StatusSkipped, Reason: reason})
		}

		if err := limiter.Wait(ctx); err != nil {
			skip("shutdown")
			continue
		}

		if err := o.waitForAdmission(ctx, deadline); err != nil {
			if ctx.Err() != nil {
				skip("shutdown")
			} else {
				log.WarningLog.Printf("%s slot %d: %v", item.Item.Category, slot, err)
				skip("resources")
			}
			continue
		}

		allowed, trial, err := o.breaker.CheckTrial(ctx, item.Item.Category)
		if err != nil {
			log.ErrorLog.Printf("%s slot %d: %v", item.Item.Category, slot, err)
			skip("state")
			continue
		}
		if !allowed {
			log.InfoLog.Printf("%s slot %d: skipped, %v", item.Item.Category, slot, concurrency.ErrCircuitOpen)
			o.audit.Record(monitoring.AuditEvent{Type: monitoring.EventSkip, RunID: summary.RunID, Category: item.Item.Category, Message: "circuit open"})
			skip("circuit open")
			continue
		}

		id, reused, err := o.pool.Acquire(ctx, item.Item.Category, item.Item.Severity)
		if err != nil {
			log.ErrorLog.Printf("%s slot %d: %v", item.Item.Category, slot, err)
			o.abandonTrial(ctx, item.Item.Category, trial)
			skip("pool")
			continue
		}
		o.collectors.ObservePoolAcquire(reused)

		rec, err := o.store.Worker(id)
		if err != nil {
			log.ErrorLog.Printf("%s slot %d: %v", item.Item.Category, slot, err)
			o.retire(ctx, id)
			o.abandonTrial(ctx, item.Item.Category, trial)
			skip("state")
			continue
		}

		o.audit.Record(monitoring.AuditEvent{Type: monitoring.EventExecute, RunID: summary.RunID, WorkerID: id, Category: rec.Category})
		proc, err := executor.Start(ctx, rec)
		if err != nil {
			status := store.StatusFailed
			if ctx.Err() != nil {
				status = store.StatusStopped
			}
			log.ErrorLog.Printf("%s slot %d: %v", item.Item.Category, slot, err)
			out := Outcome{WorkerID: id, Category: rec.Category, Severity: rec.Severity, Status: status, ExitCode: -1, StartedAt: time.Now(), Err: err}
			summary.add(o.finish(ctx, summary.RunID, slot, reused, trial, out))
			continue
		}

		wg.Add(1)
		o.running.Add(1)
		o.collectors.WorkersRunning.Inc()
		go func(slot int, reused, trial bool) {
			defer wg.Done()
			defer o.running.Done()
			defer o.collectors.WorkersRunning.Dec()
			summary.add(o.finish(ctx, summary.RunID, slot, reused, trial, proc.Wait(ctx)))
		}(slot, reused, trial)
	}
}

// waitForAdmission retries the gate every gate backoff until it admits,
// ctx is done or the run deadline passes.
func (o *Orchestrator) waitForAdmission(ctx context.Context, deadline time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.gate.Admit(ctx) {
			return nil
		}
		o.collectors.GateDenialsTotal.Inc()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: gave up after max run time", concurrency.ErrResourceExhausted)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(o.cfg.Planner.GateBackoff, remaining)):
		}
	}
}

// finish records an outcome everywhere it belongs and returns the worker
// to the pool or retires it. trial is set when the slot holds the breaker's
// half-open trial.
func (o *Orchestrator) finish(ctx context.Context, runID string, slot int, reused, trial bool, out Outcome) SlotResult {
	bg := context.WithoutCancel(ctx)

	if out.Success() || out.CountsAgainstBreaker() {
		if err := o.breaker.RecordOutcome(bg, out.Category, out.Success()); err != nil {
			log.ErrorLog.Printf("worker %s: %v", out.WorkerID, err)
		}
	} else {
		o.abandonTrial(bg, out.Category, trial)
	}

	o.collectors.ObserveExecution(out.Category, string(out.Status), out.Duration)
	if o.metrics != nil {
		if err := o.metrics.RecordExecution(bg, monitoring.Execution{
			RunID:     runID,
			WorkerID:  out.WorkerID,
			Category:  out.Category,
			Severity:  out.Severity,
			Status:    string(out.Status),
			ExitCode:  out.ExitCode,
			Reused:    reused,
			StartedAt: out.StartedAt,
			Duration:  out.Duration,
		}); err != nil {
			log.ErrorLog.Printf("worker %s: %v", out.WorkerID, err)
		}
	}

	msg := ""
	if out.Err != nil {
		msg = out.Err.Error()
	}
	if !out.Success() && out.Output != "" {
		msg += "\n" + out.Output
	}
	o.audit.Record(monitoring.AuditEvent{
		Type:     monitoring.EventOutcome,
		RunID:    runID,
		WorkerID: out.WorkerID,
		Category: out.Category,
		Status:   string(out.Status),
		Message:  msg,
	})

	if out.Success() {
		if err := o.pool.Release(bg, out.WorkerID, out.Category); err != nil {
			log.ErrorLog.Printf("worker %s: %v", out.WorkerID, err)
		}
	} else {
		o.retire(bg, out.WorkerID)
	}

	return SlotResult{
		Category: out.Category,
		Slot:     slot,
		WorkerID: out.WorkerID,
		Reused:   reused,
		Status:   string(out.Status),
		ExitCode: out.ExitCode,
		Duration: out.Duration,
	}
}

// abandonTrial hands a claimed half-open trial back to the breaker when the
// slot ends without an outcome the breaker counts.
func (o *Orchestrator) abandonTrial(ctx context.Context, category string, trial bool) {
	if !trial {
		return
	}
	if err := o.breaker.AbandonTrial(context.WithoutCancel(ctx), category); err != nil {
		log.ErrorLog.Printf("%s: %v", category, err)
	}
}

func (o *Orchestrator) retire(ctx context.Context, id string) {
	if err := o.pool.Retire(ctx, id); err != nil {
		log.ErrorLog.Printf("worker %s: %v", id, err)
	}
}

// Spawn registers count configured workers for category without running
// them. A severity of 0 is looked up from the analysis table.
func (o *Orchestrator) Spawn(ctx context.Context, category string, count, severity int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: count must be at least 1, got %d", config.ErrInvalidConfig, count)
	}
	if severity == 0 {
		severity = analysis.Severity(category, o.cfg.Analysis.Severity)
	}
	if severity < config.SeverityLow || severity > config.SeverityHigh {
		return nil, fmt.Errorf("%w: severity must be between 1 and 3, got %d", config.ErrInvalidConfig, severity)
	}

	ids, err := o.pool.Spawn(ctx, category, severity, count)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		o.audit.Record(monitoring.AuditEvent{Type: monitoring.EventSpawn, WorkerID: id, Category: category})
	}
	log.InfoLog.Printf("spawned %d worker(s) for %s at severity %d", len(ids), category, severity)
	return ids, nil
}

// ExecuteWorker runs one previously configured worker. It refuses to run
// when the category's breaker is open or the gate denies admission. A
// worker that runs and fails is reported through the outcome, not the
// error. When ctx is cancelled the stopped outcome is returned with
// ctx.Err().
func (o *Orchestrator) ExecuteWorker(ctx context.Context, id, backlog string) (Outcome, error) {
	if err := o.cfg.ValidateForExecution(); err != nil {
		return Outcome{}, err
	}

	rec, err := o.store.Worker(id)
	if err != nil {
		return Outcome{}, err
	}
	if err := o.gate.Check(ctx); err != nil {
		return Outcome{}, err
	}
	allowed, trial, err := o.breaker.CheckTrial(ctx, rec.Category)
	if err != nil {
		return Outcome{}, err
	}
	if !allowed {
		return Outcome{}, fmt.Errorf("%w: %s", concurrency.ErrCircuitOpen, rec.Category)
	}

	category := rec.Category
	rec, err = o.pool.Claim(ctx, id)
	if err != nil {
		o.abandonTrial(ctx, category, trial)
		return Outcome{}, err
	}

	o.audit.Record(monitoring.AuditEvent{Type: monitoring.EventExecute, WorkerID: id, Category: rec.Category})
	executor := NewExecutor(o.store, o.cfg.Worker, backlog)
	out, err := executor.Run(ctx, rec)
	if err != nil && ctx.Err() != nil {
		out.Status = store.StatusStopped
	}
	o.finish(ctx, "", 0, false, trial, out)
	if ctx.Err() != nil {
		o.Shutdown(ctx)
		err = ctx.Err()
	}
	o.exportTextfile()
	return out, err
}

// Shutdown marks running workers stopped, releases every held lock and
// publishes a shutdown health status. It waits for in-flight workers of
// this orchestrator first, which are already being stopped by the
// cancelled context.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.running.Wait()

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	n, err := o.store.StopRunning(bg)
	if err != nil {
		log.ErrorLog.Printf("shutdown: failed to stop running workers: %v", err)
	} else if n > 0 {
		log.InfoLog.Printf("shutdown: marked %d running worker(s) stopped", n)
	}

	if err := o.store.WriteHealth(bg, store.HealthStatus{
		Status:  store.HealthShutdown,
		Details: "orchestrator shut down",
	}); err != nil && !errors.Is(err, context.Canceled) {
		log.ErrorLog.Printf("shutdown: failed to write health status: %v", err)
	}
	o.store.Locker().ReleaseAll()

	o.audit.Record(monitoring.AuditEvent{Type: monitoring.EventShutdown, Message: fmt.Sprintf("%d worker(s) stopped", n)})
}

func (o *Orchestrator) recordRun(ctx context.Context, s *RunSummary) {
	if o.metrics == nil {
		return
	}
	succeeded, failed, skipped := s.Counts()
	if err := o.metrics.RecordRun(context.WithoutCancel(ctx), monitoring.Run{
		ID:         s.RunID,
		Backlog:    s.Backlog,
		Revision:   s.Revision,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Categories: len(s.Plan.Items),
		Slots:      s.Plan.Slots(),
		Succeeded:  succeeded,
		Failed:     failed,
		Skipped:    skipped,
	}); err != nil {
		log.ErrorLog.Printf("run %s: %v", s.RunID, err)
	}
}

func (o *Orchestrator) exportTextfile() {
	path := o.cfg.Telemetry.PrometheusTextfile
	if path == "" {
		return
	}
	if err := o.collectors.WriteTextfile(path); err != nil {
		log.WarningLog.Printf("telemetry: %v", err)
	}
}
