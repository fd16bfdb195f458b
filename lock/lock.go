// Package lock implements named, cross-process mutual exclusion on top of
// exclusive directory creation.
//
// A lock called "registry" is the directory <dir>/registry.lock. Creating the
// directory is the atomic create-if-absent step; the owner.json file inside
// records who holds it so a lock left behind by a dead process can be broken.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ByteMirror/agentfactory/log"
	"github.com/google/uuid"
)

const ownerFile = "owner.json"

var (
	// ErrNotHeld is returned by Release when the caller does not own the lock.
	ErrNotHeld = errors.New("lock not held by caller")
	// ErrInvalidName is returned for names that would escape the lock directory.
	ErrInvalidName = errors.New("invalid lock name")
)

// Owner is the content of a lock's owner file.
type Owner struct {
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Locker acquires and releases named locks under one directory. A Locker
// identifies itself with a random token, so two Lockers in the same process
// exclude each other just like two processes do.
type Locker struct {
	dir   string
	token string
	pid   int

	// PollInterval is the wait between acquisition attempts.
	PollInterval time.Duration
	// StaleGrace is how old an ownerless lock directory must be before it is
	// considered abandoned. It covers the window between mkdir and writing
	// the owner file.
	StaleGrace time.Duration

	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocker creates a Locker whose lock directories live in dir.
func NewLocker(dir string) *Locker {
	return &Locker{
		dir:          dir,
		token:        uuid.NewString(),
		pid:          os.Getpid(),
		PollInterval: 100 * time.Millisecond,
		StaleGrace:   5 * time.Second,
		held:         make(map[string]time.Time),
	}
}

// Dir returns the directory holding the lock directories.
func (l *Locker) Dir() string {
	return l.dir
}

func (l *Locker) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.dir, name+".lock"), nil
}

// Acquire tries to take the named lock, polling until timeout elapses.
// It returns false with a nil error when the lock stayed busy for the whole
// timeout; callers should treat that as "retry later". A cancelled context
// returns ctx.Err().
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	path, err := l.path(name)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.tryAcquire(name, path)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		if l.breakIfStale(name, path) {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.DebugLog.Printf("lock %s: timed out after %s", name, timeout)
			return false, nil
		}

		wait := l.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryAcquire makes a single attempt.
func (l *Locker) TryAcquire(name string) (bool, error) {
	path, err := l.path(name)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if ok, err := l.tryAcquire(name, path); ok || err != nil {
		return ok, err
	}
	if l.breakIfStale(name, path) {
		return l.tryAcquire(name, path)
	}
	return false, nil
}

func (l *Locker) tryAcquire(name, path string) (bool, error) {
	if err := os.Mkdir(path, 0755); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock %s: %w", name, err)
	}

	host, _ := os.Hostname()
	owner := Owner{PID: l.pid, Token: l.token, Host: host, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(owner)
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("failed to encode lock owner: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, ownerFile), data, 0644); err != nil {
		os.RemoveAll(path)
		return false, fmt.Errorf("failed to write lock owner for %s: %w", name, err)
	}

	l.mu.Lock()
	l.held[name] = owner.AcquiredAt
	l.mu.Unlock()
	return true, nil
}

// breakIfStale removes the lock when its owner process is gone, or when it
// has had no owner file for longer than StaleGrace. It reports whether the
// lock was removed or had already disappeared.
func (l *Locker) breakIfStale(name, path string) bool {
	fp, reason, gone := l.judge(path)
	if gone {
		return true
	}
	if reason == "" {
		return false
	}
	log.WarningLog.Printf("lock %s: %s, breaking stale lock", name, reason)
	return l.breakJudged(name, path, fp)
}

// judge inspects the lock at path. fp identifies the lock instance that was
// judged: the owner token, or the directory's mtime when it has no owner.
// reason is empty unless the lock is stale.
func (l *Locker) judge(path string) (fp, reason string, gone bool) {
	owner, err := readOwner(path)
	if err == nil {
		if processAlive(owner.PID) {
			return owner.Token, "", false
		}
		return owner.Token, fmt.Sprintf("owner pid %d is gone", owner.PID), false
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		// Released between our attempts.
		return "", "", os.IsNotExist(statErr)
	}
	fp = "mtime:" + info.ModTime().UTC().Format(time.RFC3339Nano)
	age := time.Since(info.ModTime())
	if age < l.StaleGrace {
		return fp, "", false
	}
	if os.IsNotExist(err) {
		return fp, fmt.Sprintf("no owner recorded for %s", age.Round(time.Second)), false
	}
	return fp, fmt.Sprintf("unreadable owner (%v)", err), false
}

// breakJudged removes the lock judged stale as fp. Breakers are serialised
// by the <name>.lock.break directory, and the lock is judged again under it:
// if another breaker already removed the judged instance and somebody took
// the lock since, the fingerprint no longer matches and nothing is removed.
func (l *Locker) breakJudged(name, path, fp string) bool {
	guard := path + ".break"
	if err := os.Mkdir(guard, 0755); err != nil {
		if os.IsExist(err) {
			// A breaker that died mid-break leaves its guard behind.
			if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) >= l.StaleGrace {
				log.WarningLog.Printf("lock %s: removing abandoned break guard", name)
				os.Remove(guard)
			}
		}
		return false
	}
	defer os.Remove(guard)

	current, reason, gone := l.judge(path)
	if gone {
		return true
	}
	if reason == "" || current != fp {
		return false
	}

	graveyard := fmt.Sprintf("%s.stale-%s", path, uuid.NewString()[:8])
	if err := os.Rename(path, graveyard); err != nil {
		return os.IsNotExist(err)
	}
	os.RemoveAll(graveyard)
	return true
}

// Release gives up the named lock. Releasing a lock the caller does not own
// leaves it in place, logs a warning and returns ErrNotHeld.
func (l *Locker) Release(name string) error {
	path, err := l.path(name)
	if err != nil {
		return err
	}

	l.mu.Lock()
	_, mine := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()

	owner, err := readOwner(path)
	if err != nil || !mine || owner.Token != l.token {
		log.WarningLog.Printf("lock %s: release by non-owner ignored", name)
		return ErrNotHeld
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// Held lists the locks this Locker currently owns.
func (l *Locker) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.held))
	for name := range l.held {
		names = append(names, name)
	}
	return names
}

// ReleaseAll releases every lock this Locker owns. Used during shutdown.
func (l *Locker) ReleaseAll() {
	for _, name := range l.Held() {
		if err := l.Release(name); err != nil {
			log.WarningLog.Printf("lock %s: release during shutdown failed: %v", name, err)
		}
	}
}

// Inspect returns the recorded owner of a lock, if any.
func (l *Locker) Inspect(name string) (*Owner, error) {
	path, err := l.path(name)
	if err != nil {
		return nil, err
	}
	return readOwner(path)
}

func readOwner(path string) (*Owner, error) {
	data, err := os.ReadFile(filepath.Join(path, ownerFile))
	if err != nil {
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("corrupt owner file: %w", err)
	}
	return &owner, nil
}

// WithLock runs fn while holding the named lock. ok is false when the lock
// could not be taken within timeout, in which case fn is not called.
func (l *Locker) WithLock(ctx context.Context, name string, timeout time.Duration, fn func() error) (ok bool, err error) {
	acquired, err := l.Acquire(ctx, name, timeout)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		if relErr := l.Release(name); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return true, fn()
}
