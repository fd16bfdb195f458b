package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/google/uuid"
)

// WorkerPool hands out worker records for categories, reusing idle workers
// that last served the same category. The pool document is mutated under
// the pool lock and new records are registered under the registry lock,
// always in that order.
type WorkerPool struct {
	store   *store.Store
	limits  config.LimitsConfig
	pooling bool

	newID func() string
	now   func() time.Time
}

// NewWorkerPool creates a pool backed by st. With pooling disabled every
// Acquire creates a fresh worker and Release retires it.
func NewWorkerPool(st *store.Store, limits config.LimitsConfig, pooling bool) *WorkerPool {
	return &WorkerPool{
		store:   st,
		limits:  limits,
		pooling: pooling,
		newID:   func() string { return "worker-" + uuid.NewString()[:8] },
		now:     time.Now,
	}
}

// Pooling reports whether idle workers are reused.
func (p *WorkerPool) Pooling() bool {
	return p.pooling
}

func (p *WorkerPool) newRecord(category string, severity int) *store.WorkerRecord {
	now := p.now().UTC()
	return &store.WorkerRecord{
		ID:        p.newID(),
		Category:  category,
		Severity:  severity,
		Status:    store.StatusConfigured,
		Limits:    p.limits.For(severity),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Acquire returns a worker for category and marks it in use. reused is true
// when an idle worker of the same category was taken from the pool.
func (p *WorkerPool) Acquire(ctx context.Context, category string, severity int) (id string, reused bool, err error) {
	err = p.store.UpdatePool(ctx, func(doc *store.PoolDocument) error {
		id, reused = "", false

		for p.pooling {
			entry, ok := doc.Take(category)
			if !ok {
				break
			}
			err := p.store.UpdateWorker(ctx, entry.WorkerID, func(w *store.WorkerRecord) {
				w.Status = store.StatusConfigured
				w.Severity = severity
				w.Limits = p.limits.For(severity)
			})
			if errors.Is(err, store.ErrWorkerNotFound) {
				log.WarningLog.Printf("worker pool: dropping %s, not in registry", entry.WorkerID)
				continue
			}
			if err != nil {
				return err
			}
			id, reused = entry.WorkerID, true
			doc.InUse[id] = category
			return nil
		}

		rec := p.newRecord(category, severity)
		if err := p.store.UpdateRegistry(ctx, func(r *store.Registry) error {
			r.Workers[rec.ID] = rec
			return nil
		}); err != nil {
			return err
		}
		id = rec.ID
		doc.InUse[id] = category
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("acquiring worker for %s: %w", category, err)
	}
	if reused {
		log.DebugLog.Printf("worker pool: reusing %s for %s", id, category)
	} else {
		log.DebugLog.Printf("worker pool: created %s for %s", id, category)
	}
	return id, reused, nil
}

// Spawn registers n configured workers for category without running them.
// With pooling enabled they are parked as available so later runs reuse them.
func (p *WorkerPool) Spawn(ctx context.Context, category string, severity, n int) ([]string, error) {
	ids := make([]string, 0, n)
	err := p.store.UpdatePool(ctx, func(doc *store.PoolDocument) error {
		ids = ids[:0]
		recs := make([]*store.WorkerRecord, 0, n)
		for i := 0; i < n; i++ {
			recs = append(recs, p.newRecord(category, severity))
		}
		if err := p.store.UpdateRegistry(ctx, func(r *store.Registry) error {
			for _, rec := range recs {
				r.Workers[rec.ID] = rec
			}
			return nil
		}); err != nil {
			return err
		}
		for _, rec := range recs {
			ids = append(ids, rec.ID)
			if p.pooling {
				doc.Available = append(doc.Available, store.PoolEntry{WorkerID: rec.ID, Category: category})
			}
		}
		if !p.pooling {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spawning workers for %s: %w", category, err)
	}
	return ids, nil
}

// Claim marks a known worker in use, taking it out of the available set.
func (p *WorkerPool) Claim(ctx context.Context, id string) (*store.WorkerRecord, error) {
	var rec *store.WorkerRecord
	err := p.store.UpdatePool(ctx, func(doc *store.PoolDocument) error {
		w, err := p.store.Worker(id)
		if err != nil {
			return err
		}
		if cat, busy := doc.InUse[id]; busy {
			return fmt.Errorf("worker %s already in use for %s", id, cat)
		}
		doc.Remove(id)
		doc.InUse[id] = w.Category
		rec = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Release returns a worker to the pool tagged with the category it served.
func (p *WorkerPool) Release(ctx context.Context, id, category string) error {
	if !p.pooling {
		return p.Retire(ctx, id)
	}
	err := p.store.UpdatePool(ctx, func(doc *store.PoolDocument) error {
		doc.Remove(id)
		doc.Available = append(doc.Available, store.PoolEntry{WorkerID: id, Category: category})
		return nil
	})
	if err != nil {
		return fmt.Errorf("releasing worker %s: %w", id, err)
	}
	return nil
}

// Retire removes a worker from the pool for good. Its registry record stays.
func (p *WorkerPool) Retire(ctx context.Context, id string) error {
	err := p.store.UpdatePool(ctx, func(doc *store.PoolDocument) error {
		doc.Remove(id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retiring worker %s: %w", id, err)
	}
	return nil
}

// Stats summarises the pool document.
type PoolStats struct {
	Available  int            `json:"available"`
	InUse      int            `json:"in_use"`
	ByCategory map[string]int `json:"by_category"`
}

// Stats returns a lock-free snapshot of the pool.
func (p *WorkerPool) Stats() (PoolStats, error) {
	doc, err := p.store.Pool()
	if err != nil {
		return PoolStats{}, err
	}
	return StatsOf(doc), nil
}

// StatsOf summarises doc. ByCategory counts available workers.
func StatsOf(doc *store.PoolDocument) PoolStats {
	stats := PoolStats{
		Available:  len(doc.Available),
		InUse:      len(doc.InUse),
		ByCategory: make(map[string]int),
	}
	for _, e := range doc.Available {
		stats.ByCategory[e.Category]++
	}
	return stats
}
