package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cb := NewCircuitBreaker(newTestStore(t), config.BreakerConfig{Threshold: 3, Cooldown: time.Minute})
	cb.now = clock.Now
	return cb, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.RecordOutcome(ctx, "CS0246", false))
		ok, err := cb.CheckAllowed(ctx, "CS0246")
		require.NoError(t, err)
		assert.True(t, ok, "closed breaker must allow after %d failures", i+1)
	}

	require.NoError(t, cb.RecordOutcome(ctx, "CS0246", false))
	state, err := cb.State("CS0246")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, state.State)
	assert.Equal(t, 3, state.Failures)

	ok, err := cb.CheckAllowed(ctx, "CS0246")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, cb.Allow(ctx, "CS0246"), ErrCircuitOpen)

	// Other categories are unaffected.
	ok, err = cb.CheckAllowed(ctx, "CS0103")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	}

	clock.Advance(59 * time.Second)
	ok, err := cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, ok, "cooldown not elapsed")

	clock.Advance(2 * time.Second)
	ok, err = cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, ok, "first caller after cooldown gets the trial")

	state, err := cb.State("E1")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitHalfOpen, state.State)

	ok, err = cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, ok, "only one trial while half-open")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	}
	clock.Advance(time.Minute)
	ok, err := cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cb.RecordOutcome(ctx, "E1", true))
	state, err := cb.State("E1")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, state.State)
	assert.Equal(t, 0, state.Failures)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	}
	clock.Advance(time.Minute)
	ok, err := cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	state, err := cb.State("E1")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, state.State)
	assert.Equal(t, 4, state.Failures)
	assert.True(t, clock.Now().Equal(state.LastFailure))

	ok, err = cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, ok, "cooldown restarts from the failed trial")
}

func TestBreakerAbandonedTrialIsReclaimed(t *testing.T) {
	cb, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	}
	clock.Advance(time.Minute)
	ok, err := cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Minute)
	ok, err = cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBreakerAbandonTrialFreesIt(t *testing.T) {
	cb, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	}
	clock.Advance(time.Minute)
	ok, trial, err := cb.CheckTrial(ctx, "E1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, trial)

	ok, trial, err = cb.CheckTrial(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, trial)

	require.NoError(t, cb.AbandonTrial(ctx, "E1"))
	state, err := cb.State("E1")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitHalfOpen, state.State)
	assert.True(t, state.TrialStartedAt.IsZero())

	ok, trial, err = cb.CheckTrial(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned trial is handed out again without another cooldown")
	assert.True(t, trial)
}

func TestBreakerAbandonTrialWhenClosedIsNoop(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()

	ok, trial, err := cb.CheckTrial(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, trial, "closed breakers hand out no trial")

	require.NoError(t, cb.AbandonTrial(ctx, "E1"))
	states, err := cb.States()
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	require.NoError(t, cb.RecordOutcome(ctx, "E1", true))
	require.NoError(t, cb.RecordOutcome(ctx, "E1", false))

	state, err := cb.State("E1")
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, state.State)
	assert.Equal(t, 1, state.Failures)
}

func TestBreakerSuccessOnUnknownCategoryCreatesNothing(t *testing.T) {
	cb, _ := newTestBreaker(t)

	require.NoError(t, cb.RecordOutcome(context.Background(), "never-failed", true))
	states, err := cb.States()
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestBreakerTransitionsAndReset(t *testing.T) {
	cb, clock := newTestBreaker(t)
	ctx := context.Background()

	var seen []Transition
	cb.OnTransition = func(tr Transition) { seen = append(seen, tr) }

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.RecordOutcome(ctx, "E1", false))
	}
	clock.Advance(time.Minute)
	_, err := cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	require.NoError(t, cb.RecordOutcome(ctx, "E1", false))

	existed, err := cb.Reset(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, existed)

	require.Len(t, seen, 4)
	assert.Equal(t, store.CircuitOpen, seen[0].To)
	assert.Equal(t, store.CircuitHalfOpen, seen[1].To)
	assert.Equal(t, store.CircuitOpen, seen[2].To)
	assert.Equal(t, store.CircuitClosed, seen[3].To)

	ok, err := cb.CheckAllowed(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, ok)

	existed, err = cb.Reset(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, existed)
}
