// Package store persists the shared orchestration state as JSON documents in
// the state directory. Reads are lock-free snapshots; every mutation runs
// under the document's named lock and is written atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/lock"
)

// Document file names inside the state directory.
const (
	RegistryFile = "registry.json"
	BreakersFile = "circuit_breakers.json"
	PoolFile     = "pool.json"
	HealthFile   = "health.json"
)

// Lock names guarding the documents. Code that needs both the pool and the
// registry takes the pool lock first.
const (
	LockRegistry = "registry"
	LockBreakers = "breakers"
	LockPool     = "pool"
	LockHealth   = "health"
)

var (
	// ErrLockTimeout is returned when a document lock stayed busy for the
	// whole lock timeout.
	ErrLockTimeout = errors.New("timed out waiting for state lock")
	// ErrWorkerNotFound is returned when a worker id is not in the registry.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrNoChange can be returned from an update function to skip the write.
	ErrNoChange = errors.New("no change")
)

// Store gives access to the state documents under one directory.
type Store struct {
	dir         string
	locker      *lock.Locker
	lockTimeout time.Duration
}

// New creates a Store rooted at dir. Locks live in dir/locks.
func New(dir string, lockTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{
		dir:         dir,
		locker:      lock.NewLocker(filepath.Join(dir, "locks")),
		lockTimeout: lockTimeout,
	}, nil
}

// Open creates a Store from the configuration.
func Open(cfg *config.Config) (*Store, error) {
	return New(cfg.StateDir, cfg.LockTimeout)
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path of a file in the state directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Locker returns the locker used for the documents.
func (s *Store) Locker() *lock.Locker {
	return s.locker
}

func readDoc[T any](path string, empty func() *T) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty(), nil
		}
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return empty(), nil
	}
	doc := empty()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

func writeDoc(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return config.AtomicWriteFile(path, data, 0644)
}

// updateDoc loads a document under its lock, applies fn and writes it back.
func updateDoc[T any](ctx context.Context, s *Store, lockName, file string, empty func() *T, fn func(*T) error) error {
	ok, err := s.locker.Acquire(ctx, lockName, s.lockTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, lockName)
	}
	defer s.locker.Release(lockName)

	path := s.Path(file)
	doc, err := readDoc(path, empty)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	return writeDoc(path, doc)
}

// Registry returns a snapshot of the agent registry.
func (s *Store) Registry() (*Registry, error) {
	r, err := readDoc(s.Path(RegistryFile), newRegistry)
	if err != nil {
		return nil, err
	}
	if r.Workers == nil {
		r.Workers = make(map[string]*WorkerRecord)
	}
	return r, nil
}

// UpdateRegistry mutates the registry under the registry lock.
func (s *Store) UpdateRegistry(ctx context.Context, fn func(*Registry) error) error {
	return updateDoc(ctx, s, LockRegistry, RegistryFile, newRegistry, func(r *Registry) error {
		if r.Workers == nil {
			r.Workers = make(map[string]*WorkerRecord)
		}
		return fn(r)
	})
}

// Worker returns a copy of one record from a registry snapshot.
func (s *Store) Worker(id string) (*WorkerRecord, error) {
	r, err := s.Registry()
	if err != nil {
		return nil, err
	}
	w, ok := r.Workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return w, nil
}

// UpdateWorker mutates a single record and stamps UpdatedAt.
func (s *Store) UpdateWorker(ctx context.Context, id string, fn func(*WorkerRecord)) error {
	return s.UpdateRegistry(ctx, func(r *Registry) error {
		w, ok := r.Workers[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		fn(w)
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// SetStatus moves a worker to status.
func (s *Store) SetStatus(ctx context.Context, id string, status WorkerStatus) error {
	return s.UpdateWorker(ctx, id, func(w *WorkerRecord) {
		w.Status = status
	})
}

// StopRunning marks every running or starting record stopped and returns
// how many were changed.
func (s *Store) StopRunning(ctx context.Context) (int, error) {
	n := 0
	err := s.UpdateRegistry(ctx, func(r *Registry) error {
		now := time.Now().UTC()
		for _, w := range r.Workers {
			if w.Status == StatusRunning || w.Status == StatusStarting {
				w.Status = StatusStopped
				w.UpdatedAt = now
				n++
			}
		}
		if n == 0 {
			return ErrNoChange
		}
		return nil
	})
	return n, err
}

// Breakers returns a snapshot of the circuit breaker table.
func (s *Store) Breakers() (*BreakerTable, error) {
	t, err := readDoc(s.Path(BreakersFile), newBreakerTable)
	if err != nil {
		return nil, err
	}
	if t.Breakers == nil {
		t.Breakers = make(map[string]*CircuitBreakerState)
	}
	return t, nil
}

// UpdateBreakers mutates the breaker table under the breakers lock.
func (s *Store) UpdateBreakers(ctx context.Context, fn func(*BreakerTable) error) error {
	return updateDoc(ctx, s, LockBreakers, BreakersFile, newBreakerTable, func(t *BreakerTable) error {
		if t.Breakers == nil {
			t.Breakers = make(map[string]*CircuitBreakerState)
		}
		return fn(t)
	})
}

// Pool returns a snapshot of the worker pool.
func (s *Store) Pool() (*PoolDocument, error) {
	p, err := readDoc(s.Path(PoolFile), newPoolDocument)
	if err != nil {
		return nil, err
	}
	if p.InUse == nil {
		p.InUse = make(map[string]string)
	}
	return p, nil
}

// UpdatePool mutates the pool under the pool lock. fn may call
// UpdateRegistry.
func (s *Store) UpdatePool(ctx context.Context, fn func(*PoolDocument) error) error {
	return updateDoc(ctx, s, LockPool, PoolFile, newPoolDocument, func(p *PoolDocument) error {
		if p.InUse == nil {
			p.InUse = make(map[string]string)
		}
		return fn(p)
	})
}

// Health returns the last written health status. A missing document reads
// as unknown.
func (s *Store) Health() (*HealthStatus, error) {
	return readDoc(s.Path(HealthFile), func() *HealthStatus {
		return &HealthStatus{Status: HealthUnknown}
	})
}

// WriteHealth replaces the health document.
func (s *Store) WriteHealth(ctx context.Context, h HealthStatus) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	ok, err := s.locker.WithLock(ctx, LockHealth, s.lockTimeout, func() error {
		return writeDoc(s.Path(HealthFile), h)
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, LockHealth)
	}
	return nil
}
