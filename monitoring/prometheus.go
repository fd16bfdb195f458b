package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the Prometheus metrics of one process on a private
// registry, exported through the node-exporter textfile format.
type Collectors struct {
	registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	WorkersRunning    prometheus.Gauge
	BreakerState      *prometheus.GaugeVec
	GateDenialsTotal  prometheus.Counter
	PoolAcquireTotal  *prometheus.CounterVec
	SlotsSkippedTotal *prometheus.CounterVec
}

// NewCollectors registers every collector on a fresh registry.
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collectors{
		registry: reg,
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentfactory",
				Name:      "executions_total",
				Help:      "Worker executions by category and final status",
			},
			[]string{"category", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentfactory",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of worker executions",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300, 600},
			},
			[]string{"category"},
		),
		WorkersRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentfactory",
				Name:      "workers_running",
				Help:      "Workers currently executing in this process",
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agentfactory",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per category (0 closed, 1 open, 2 half-open)",
			},
			[]string{"category"},
		),
		GateDenialsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentfactory",
				Name:      "gate_denials_total",
				Help:      "Admission requests denied by the resource gate",
			},
		),
		PoolAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentfactory",
				Name:      "pool_acquire_total",
				Help:      "Worker pool acquisitions by result (reused or created)",
			},
			[]string{"result"},
		),
		SlotsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentfactory",
				Name:      "slots_skipped_total",
				Help:      "Planned worker slots that did not run, by reason",
			},
			[]string{"reason"},
		),
	}
}

// Registry returns the private registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveExecution counts one finished execution.
func (c *Collectors) ObserveExecution(category, status string, d time.Duration) {
	c.ExecutionsTotal.WithLabelValues(category, status).Inc()
	c.ExecutionDuration.WithLabelValues(category).Observe(d.Seconds())
}

// ObservePoolAcquire counts a pool acquisition.
func (c *Collectors) ObservePoolAcquire(reused bool) {
	if reused {
		c.PoolAcquireTotal.WithLabelValues("reused").Inc()
	} else {
		c.PoolAcquireTotal.WithLabelValues("created").Inc()
	}
}

// Load seeds the execution counters from stored totals, for exporting
// history from a process that did not run the workers itself.
func (c *Collectors) Load(totals []CategoryTotal) {
	for _, t := range totals {
		c.ExecutionsTotal.WithLabelValues(t.Category, t.Status).Add(float64(t.Count))
	}
}

// WriteTextfile writes every collector to path in the text exposition
// format.
func (c *Collectors) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write prometheus textfile: %w", err)
	}
	return nil
}
