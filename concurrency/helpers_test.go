package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	st.Locker().PollInterval = 5 * time.Millisecond
	return st
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSampler returns fixed host readings.
type fakeSampler struct {
	cpu, mem       float64
	cpuErr, memErr error
	calls          int
}

func (f *fakeSampler) CPUPercent(context.Context) (float64, error) {
	f.calls++
	return f.cpu, f.cpuErr
}

func (f *fakeSampler) MemoryPercent(context.Context) (float64, error) {
	f.calls++
	return f.mem, f.memErr
}

var errSample = errors.New("sample failed")

func testLimits() config.LimitsConfig {
	return config.DefaultConfig().Limits
}
