package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/ByteMirror/agentfactory/config"
)

// WorkerStatus is the lifecycle state of a worker record.
type WorkerStatus string

const (
	StatusConfigured WorkerStatus = "configured"
	StatusStarting   WorkerStatus = "starting"
	StatusRunning    WorkerStatus = "running"
	StatusCompleted  WorkerStatus = "completed"
	StatusFailed     WorkerStatus = "failed"
	StatusTimeout    WorkerStatus = "timeout"
	StatusStopped    WorkerStatus = "stopped"
)

// Terminal reports whether the status ends an execution.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusStopped:
		return true
	}
	return false
}

// WorkerRecord describes one worker bound to a category. Records are never
// deleted, only superseded by status transitions.
type WorkerRecord struct {
	ID        string                `json:"id"`
	Category  string                `json:"category"`
	Severity  int                   `json:"severity"`
	Status    WorkerStatus          `json:"status"`
	Limits    config.ResourceLimits `json:"limits"`
	PID       int                   `json:"pid,omitempty"`
	ExitCode  int                   `json:"exit_code"`
	Runs      int                   `json:"runs"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Registry is the agent registry document: worker id -> record.
type Registry struct {
	Workers map[string]*WorkerRecord `json:"workers"`
}

func newRegistry() *Registry {
	return &Registry{Workers: make(map[string]*WorkerRecord)}
}

// CountByStatus tallies records per status.
func (r *Registry) CountByStatus() map[WorkerStatus]int {
	counts := make(map[WorkerStatus]int)
	for _, w := range r.Workers {
		counts[w.Status]++
	}
	return counts
}

// Running returns the number of records in the running state.
func (r *Registry) Running() int {
	return r.CountByStatus()[StatusRunning]
}

// Sorted returns the records ordered by creation time, then id.
func (r *Registry) Sorted() []*WorkerRecord {
	out := make([]*WorkerRecord, 0, len(r.Workers))
	for _, w := range r.Workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CircuitState is the state of a per-category circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates normal operation
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the category is failing and is suppressed
	CircuitOpen
	// CircuitHalfOpen indicates a single recovery trial is allowed
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	switch s {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("unknown circuit state %d", int(s))
}

// UnmarshalText rejects anything but closed, open and half-open.
func (s *CircuitState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = CircuitClosed
	case "open":
		*s = CircuitOpen
	case "half-open":
		*s = CircuitHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", string(text))
	}
	return nil
}

// CircuitBreakerState is the persisted breaker of one category.
type CircuitBreakerState struct {
	Category       string       `json:"category"`
	State          CircuitState `json:"state"`
	Failures       int          `json:"failures"`
	LastFailure    time.Time    `json:"last_failure"`
	TrialStartedAt time.Time    `json:"trial_started_at"`
}

// BreakerTable is the circuit breaker document: category -> state.
type BreakerTable struct {
	Breakers map[string]*CircuitBreakerState `json:"breakers"`
}

func newBreakerTable() *BreakerTable {
	return &BreakerTable{Breakers: make(map[string]*CircuitBreakerState)}
}

// Open returns the categories whose breaker is open.
func (t *BreakerTable) Open() []string {
	var out []string
	for cat, b := range t.Breakers {
		if b.State == CircuitOpen {
			out = append(out, cat)
		}
	}
	sort.Strings(out)
	return out
}

// PoolEntry is an available worker and the category it last served.
type PoolEntry struct {
	WorkerID string `json:"worker_id"`
	Category string `json:"category"`
}

// PoolDocument is the worker pool. A worker id appears in at most one of
// Available and InUse.
type PoolDocument struct {
	Available []PoolEntry       `json:"available"`
	InUse     map[string]string `json:"in_use"`
}

func newPoolDocument() *PoolDocument {
	return &PoolDocument{InUse: make(map[string]string)}
}

// Take removes and returns the first available entry for category.
func (p *PoolDocument) Take(category string) (PoolEntry, bool) {
	for i, e := range p.Available {
		if e.Category == category {
			p.Available = append(p.Available[:i], p.Available[i+1:]...)
			return e, true
		}
	}
	return PoolEntry{}, false
}

// Remove drops id from both sets.
func (p *PoolDocument) Remove(id string) {
	delete(p.InUse, id)
	kept := p.Available[:0]
	for _, e := range p.Available {
		if e.WorkerID != id {
			kept = append(kept, e)
		}
	}
	p.Available = kept
}

// Health states written by the health loop.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
	HealthShutdown  = "shutdown"
)

// HealthStatus is the process-wide health singleton.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Details   string            `json:"details"`
	Checks    map[string]string `json:"checks,omitempty"`
}
