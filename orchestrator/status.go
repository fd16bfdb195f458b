package orchestrator

import (
	"sort"
	"time"

	"github.com/ByteMirror/agentfactory/concurrency"
	"github.com/ByteMirror/agentfactory/store"
)

// Status is a read-only view of the state directory. Reads take no locks,
// so documents may be from slightly different instants.
type Status struct {
	StateDir   string                      `json:"state_dir"`
	Health     store.HealthStatus          `json:"health"`
	Workers    []*store.WorkerRecord       `json:"workers"`
	Counts     map[store.WorkerStatus]int  `json:"counts"`
	Breakers   []store.CircuitBreakerState `json:"breakers"`
	Pool       concurrency.PoolStats       `json:"pool"`
	Errors     []string                    `json:"errors,omitempty"`
	CapturedAt time.Time                   `json:"captured_at"`
}

// ReadStatus collects a Status from st. Unreadable documents are reported
// in Errors instead of failing the whole read.
func ReadStatus(st *store.Store) *Status {
	s := &Status{
		StateDir:   st.Dir(),
		Counts:     map[store.WorkerStatus]int{},
		CapturedAt: time.Now().UTC(),
	}

	if h, err := st.Health(); err != nil {
		s.Errors = append(s.Errors, err.Error())
		s.Health = store.HealthStatus{Status: store.HealthUnknown}
	} else {
		s.Health = *h
	}

	if reg, err := st.Registry(); err != nil {
		s.Errors = append(s.Errors, err.Error())
	} else {
		s.Workers = reg.Sorted()
		s.Counts = reg.CountByStatus()
	}

	if table, err := st.Breakers(); err != nil {
		s.Errors = append(s.Errors, err.Error())
	} else {
		for _, b := range table.Breakers {
			s.Breakers = append(s.Breakers, *b)
		}
		sort.Slice(s.Breakers, func(i, j int) bool {
			return s.Breakers[i].Category < s.Breakers[j].Category
		})
	}

	if doc, err := st.Pool(); err != nil {
		s.Errors = append(s.Errors, err.Error())
	} else {
		s.Pool = concurrency.StatsOf(doc)
	}
	return s
}

// OpenBreakers returns the categories whose breaker is not closed.
func (s *Status) OpenBreakers() []string {
	var out []string
	for _, b := range s.Breakers {
		if b.State != store.CircuitClosed {
			out = append(out, b.Category)
		}
	}
	return out
}
