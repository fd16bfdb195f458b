package concurrency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/store"
)

// Transition describes a breaker state change.
type Transition struct {
	Category string
	From     store.CircuitState
	To       store.CircuitState
	Failures int
}

// CircuitBreaker implements the circuit breaker pattern per error category.
// State lives in the breakers document so every process sees the same
// breaker.
type CircuitBreaker struct {
	store     *store.Store
	threshold int
	cooldown  time.Duration

	// OnTransition, when set, is called after a state change is persisted.
	OnTransition func(Transition)

	now func() time.Time
}

// NewCircuitBreaker creates a breaker backed by st.
func NewCircuitBreaker(st *store.Store, cfg config.BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		store:     st,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// CheckAllowed reports whether work for category may run. An open breaker
// whose cooldown has elapsed moves to half-open and hands out exactly one
// trial; further callers are refused until that trial is recorded, abandoned
// or has been outstanding for longer than the cooldown.
func (cb *CircuitBreaker) CheckAllowed(ctx context.Context, category string) (bool, error) {
	allowed, _, err := cb.CheckTrial(ctx, category)
	return allowed, err
}

// CheckTrial is CheckAllowed that also reports whether the caller was handed
// the half-open trial. A caller holding the trial must either record an
// outcome or call AbandonTrial.
func (cb *CircuitBreaker) CheckTrial(ctx context.Context, category string) (allowed, trial bool, err error) {
	// Lock-free fast path for the common case.
	table, err := cb.store.Breakers()
	if err == nil {
		b, ok := table.Breakers[category]
		if !ok || b.State == store.CircuitClosed {
			return true, false, nil
		}
	}

	var transition *Transition
	err = cb.store.UpdateBreakers(ctx, func(t *store.BreakerTable) error {
		allowed, trial = false, false
		transition = nil

		b, ok := t.Breakers[category]
		if !ok {
			allowed = true
			return store.ErrNoChange
		}
		now := cb.now().UTC()

		switch b.State {
		case store.CircuitClosed:
			allowed = true
			return store.ErrNoChange
		case store.CircuitOpen:
			if now.Sub(b.LastFailure) < cb.cooldown {
				return store.ErrNoChange
			}
			b.State = store.CircuitHalfOpen
			b.TrialStartedAt = now
			allowed, trial = true, true
			transition = &Transition{Category: category, From: store.CircuitOpen, To: store.CircuitHalfOpen, Failures: b.Failures}
		case store.CircuitHalfOpen:
			if !b.TrialStartedAt.IsZero() && now.Sub(b.TrialStartedAt) < cb.cooldown {
				return store.ErrNoChange
			}
			// The previous trial never reported back, or was abandoned.
			b.TrialStartedAt = now
			allowed, trial = true, true
		}
		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("checking breaker %s: %w", category, err)
	}

	if transition != nil {
		log.InfoLog.Printf("circuit breaker %s transitioned to half-open for a recovery trial", category)
		cb.notify(*transition)
	}
	return allowed, trial, nil
}

// AbandonTrial hands back a half-open trial that never produced an outcome,
// so the next caller can take it without waiting out another cooldown.
func (cb *CircuitBreaker) AbandonTrial(ctx context.Context, category string) error {
	var abandoned bool
	err := cb.store.UpdateBreakers(ctx, func(t *store.BreakerTable) error {
		b, ok := t.Breakers[category]
		abandoned = ok && b.State == store.CircuitHalfOpen && !b.TrialStartedAt.IsZero()
		if !abandoned {
			return store.ErrNoChange
		}
		b.TrialStartedAt = time.Time{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("abandoning trial for %s: %w", category, err)
	}
	if !abandoned {
		return nil
	}
	log.InfoLog.Printf("circuit breaker %s: recovery trial abandoned before the worker started", category)
	return nil
}

// Allow is CheckAllowed expressed as an error: ErrCircuitOpen when refused.
func (cb *CircuitBreaker) Allow(ctx context.Context, category string) error {
	ok, err := cb.CheckAllowed(ctx, category)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, category)
	}
	return nil
}

// RecordOutcome records the result of one execution for category.
func (cb *CircuitBreaker) RecordOutcome(ctx context.Context, category string, success bool) error {
	var transition *Transition
	err := cb.store.UpdateBreakers(ctx, func(t *store.BreakerTable) error {
		transition = nil
		b, ok := t.Breakers[category]

		if success {
			if !ok {
				return store.ErrNoChange
			}
			from := b.State
			if from == store.CircuitClosed && b.Failures == 0 {
				return store.ErrNoChange
			}
			b.State = store.CircuitClosed
			b.Failures = 0
			b.TrialStartedAt = time.Time{}
			if from != store.CircuitClosed {
				transition = &Transition{Category: category, From: from, To: store.CircuitClosed}
			}
			return nil
		}

		if !ok {
			b = &store.CircuitBreakerState{Category: category, State: store.CircuitClosed}
			t.Breakers[category] = b
		}
		from := b.State
		b.Failures++
		b.LastFailure = cb.now().UTC()

		switch from {
		case store.CircuitClosed:
			if b.Failures >= cb.threshold {
				b.State = store.CircuitOpen
			}
		case store.CircuitHalfOpen:
			b.State = store.CircuitOpen
			b.TrialStartedAt = time.Time{}
		case store.CircuitOpen:
			// Stays open; the cooldown restarts from this failure.
		}
		if b.State != from {
			transition = &Transition{Category: category, From: from, To: b.State, Failures: b.Failures}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording outcome for %s: %w", category, err)
	}

	if transition != nil {
		switch transition.To {
		case store.CircuitOpen:
			log.WarningLog.Printf("circuit breaker %s opened after %d failures", category, transition.Failures)
		case store.CircuitClosed:
			log.InfoLog.Printf("circuit breaker %s closed after successful recovery", category)
		}
		cb.notify(*transition)
	}
	return nil
}

// Reset forgets the breaker for category, closing it. It reports whether a
// breaker existed.
func (cb *CircuitBreaker) Reset(ctx context.Context, category string) (bool, error) {
	var existed bool
	var from store.CircuitState
	err := cb.store.UpdateBreakers(ctx, func(t *store.BreakerTable) error {
		b, ok := t.Breakers[category]
		if !ok {
			existed = false
			return store.ErrNoChange
		}
		existed = true
		from = b.State
		delete(t.Breakers, category)
		return nil
	})
	if err != nil {
		return false, err
	}
	if existed && from != store.CircuitClosed {
		cb.notify(Transition{Category: category, From: from, To: store.CircuitClosed})
	}
	return existed, nil
}

// State returns the current state for category. Unknown categories are closed.
func (cb *CircuitBreaker) State(category string) (store.CircuitBreakerState, error) {
	table, err := cb.store.Breakers()
	if err != nil {
		return store.CircuitBreakerState{}, err
	}
	if b, ok := table.Breakers[category]; ok {
		return *b, nil
	}
	return store.CircuitBreakerState{Category: category, State: store.CircuitClosed}, nil
}

// States returns every persisted breaker ordered by category.
func (cb *CircuitBreaker) States() ([]store.CircuitBreakerState, error) {
	table, err := cb.store.Breakers()
	if err != nil {
		return nil, err
	}
	out := make([]store.CircuitBreakerState, 0, len(table.Breakers))
	for _, b := range table.Breakers {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (cb *CircuitBreaker) notify(t Transition) {
	if cb.OnTransition != nil {
		cb.OnTransition(t)
	}
}
