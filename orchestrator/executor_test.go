package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, st *store.Store, timeout int) *store.WorkerRecord {
	t.Helper()
	rec := &store.WorkerRecord{
		ID:       "worker-test",
		Category: "CS0103",
		Severity: 2,
		Status:   store.StatusConfigured,
		Limits:   config.ResourceLimits{MemoryMB: 256, CPUShare: 50, TimeoutSeconds: timeout},
	}
	require.NoError(t, st.UpdateRegistry(context.Background(), func(r *store.Registry) error {
		r.Workers[rec.ID] = rec
		return nil
	}))
	return rec
}

func newExecutorStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	st.Locker().PollInterval = 5 * time.Millisecond
	return st
}

func TestExecutorPassesWorkerEnvironment(t *testing.T) {
	st := newExecutorStore(t)
	rec := newTestWorker(t, st, 10)

	e := NewExecutor(st, config.WorkerConfig{
		Command:   []string{"/bin/sh", "-c", `echo "$AGENTFACTORY_WORKER_ID $AGENTFACTORY_CATEGORY $AGENTFACTORY_SEVERITY $AGENTFACTORY_MEMORY_MB $AGENTFACTORY_BACKLOG"`},
		KillGrace: 100 * time.Millisecond,
	}, "build.log")

	out, err := e.Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.True(t, out.Success())
	assert.Equal(t, "worker-test CS0103 2 256 build.log", strings.TrimSpace(out.Output))

	got, err := st.Worker(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Runs)
	assert.NotZero(t, got.PID)
}

func TestExecutorRecordsFailure(t *testing.T) {
	st := newExecutorStore(t)
	rec := newTestWorker(t, st, 10)

	e := NewExecutor(st, config.WorkerConfig{Command: []string{"/bin/sh", "-c", "exit 7"}}, "")
	out, err := e.Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, 7, out.ExitCode)
	assert.True(t, out.CountsAgainstBreaker())
	assert.ErrorIs(t, out.Err, ErrWorkerFailed)
}

func TestExecutorStartFailure(t *testing.T) {
	st := newExecutorStore(t)
	rec := newTestWorker(t, st, 10)

	e := NewExecutor(st, config.WorkerConfig{Command: []string{"/nonexistent/worker"}}, "")
	out, err := e.Run(context.Background(), rec)
	assert.ErrorIs(t, err, ErrWorkerFailed)
	assert.Equal(t, store.StatusFailed, out.Status)

	got, err := st.Worker(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, -1, got.ExitCode)
}

func TestExecutorKillsProcessGroupOnTimeout(t *testing.T) {
	st := newExecutorStore(t)
	rec := newTestWorker(t, st, 1)

	// The shell ignores SIGTERM so only the SIGKILL after the grace ends it.
	e := NewExecutor(st, config.WorkerConfig{
		Command:   []string{"/bin/sh", "-c", "trap '' TERM; sleep 10 & wait"},
		KillGrace: 200 * time.Millisecond,
	}, "")

	start := time.Now()
	out, err := e.Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, store.StatusTimeout, out.Status)
	assert.ErrorIs(t, out.Err, ErrWorkerTimeout)
	assert.True(t, out.CountsAgainstBreaker())
}

func TestExecutorStopsOnCancel(t *testing.T) {
	st := newExecutorStore(t)
	rec := newTestWorker(t, st, 60)

	e := NewExecutor(st, config.WorkerConfig{
		Command:   []string{"/bin/sh", "-c", "sleep 30"},
		KillGrace: 200 * time.Millisecond,
	}, "")

	ctx, cancel := context.WithCancel(context.Background())
	p, err := e.Start(ctx, rec)
	require.NoError(t, err)
	cancel()

	out := p.Wait(ctx)
	assert.Equal(t, store.StatusStopped, out.Status)
	assert.False(t, out.CountsAgainstBreaker())

	got, err := st.Worker(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status)
}

func TestExecutorMemoryLimitWrapsCommand(t *testing.T) {
	e := NewExecutor(nil, config.WorkerConfig{
		Command:            []string{"fixer", "--fast"},
		EnforceMemoryLimit: true,
	}, "")
	rec := &store.WorkerRecord{Limits: config.ResourceLimits{MemoryMB: 512}}

	argv := e.command(rec)
	require.Len(t, argv, 5)
	assert.Equal(t, []string{"/bin/sh", "-c"}, argv[:2])
	assert.Contains(t, argv[2], "ulimit -v 524288")
	assert.Equal(t, []string{"fixer", "--fast"}, argv[3:])
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}
