package concurrency

import (
	"context"
	"sync"
	"testing"

	"github.com/ByteMirror/agentfactory/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireCreatesThenReuses(t *testing.T) {
	st := newTestStore(t)
	pool := NewWorkerPool(st, testLimits(), true)
	ctx := context.Background()

	id, reused, err := pool.Acquire(ctx, "CS0246", 3)
	require.NoError(t, err)
	assert.False(t, reused)

	rec, err := st.Worker(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfigured, rec.Status)
	assert.Equal(t, 2048, rec.Limits.MemoryMB)

	doc, err := st.Pool()
	require.NoError(t, err)
	assert.Equal(t, "CS0246", doc.InUse[id])

	require.NoError(t, st.SetStatus(ctx, id, store.StatusCompleted))
	require.NoError(t, pool.Release(ctx, id, "CS0246"))

	// A different category never reuses it.
	other, reused, err := pool.Acquire(ctx, "CS0103", 1)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, id, other)

	again, reused, err := pool.Acquire(ctx, "CS0246", 1)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, id, again)

	rec, err = st.Worker(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfigured, rec.Status)
	assert.Equal(t, 512, rec.Limits.MemoryMB, "limits follow the new severity")
}

func TestPoolNeverHandsOutTheSameWorkerTwice(t *testing.T) {
	st := newTestStore(t)
	pool := NewWorkerPool(st, testLimits(), true)
	ctx := context.Background()

	_, err := pool.Spawn(ctx, "E1", 2, 3)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		ids  = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, 6)
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := pool.Acquire(ctx, "E1", 2)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, ids, 6)
	for id, n := range ids {
		assert.Equal(t, 1, n, "worker %s handed out twice", id)
	}

	doc, err := st.Pool()
	require.NoError(t, err)
	assert.Empty(t, doc.Available)
	assert.Len(t, doc.InUse, 6)
}

func TestPoolRetireDropsWorker(t *testing.T) {
	st := newTestStore(t)
	pool := NewWorkerPool(st, testLimits(), true)
	ctx := context.Background()

	id, _, err := pool.Acquire(ctx, "E1", 2)
	require.NoError(t, err)
	require.NoError(t, pool.Retire(ctx, id))

	doc, err := st.Pool()
	require.NoError(t, err)
	assert.Empty(t, doc.Available)
	assert.Empty(t, doc.InUse)

	_, err = st.Worker(id)
	assert.NoError(t, err, "the registry record survives retirement")
}

func TestPoolDisabled(t *testing.T) {
	st := newTestStore(t)
	pool := NewWorkerPool(st, testLimits(), false)
	ctx := context.Background()

	id, _, err := pool.Acquire(ctx, "E1", 1)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, id, "E1"))

	next, reused, err := pool.Acquire(ctx, "E1", 1)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, id, next)

	stats, err := pool.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 1, stats.InUse)
}

func TestPoolSpawnAndClaim(t *testing.T) {
	st := newTestStore(t)
	pool := NewWorkerPool(st, testLimits(), true)
	ctx := context.Background()

	ids, err := pool.Spawn(ctx, "E1", 1, 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	reg, err := st.Registry()
	require.NoError(t, err)
	assert.Equal(t, 3, reg.CountByStatus()[store.StatusConfigured])
	for _, id := range ids {
		assert.Equal(t, 120, reg.Workers[id].Limits.TimeoutSeconds)
	}

	rec, err := pool.Claim(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "E1", rec.Category)

	_, err = pool.Claim(ctx, ids[1])
	assert.Error(t, err)

	_, err = pool.Claim(ctx, "worker-missing")
	assert.ErrorIs(t, err, store.ErrWorkerNotFound)

	stats, err := pool.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 2, stats.ByCategory["E1"])
}
