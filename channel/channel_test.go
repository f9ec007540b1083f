package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/expkit/experimenter/experiment"
	"github.com/expkit/experimenter/pkg/logger"
)

func newPendingExperiment(id string) experiment.Experiment {
	ps := experiment.NewParameters()
	ps.Set("x", experiment.Parameter{Kind: experiment.KindNumber, Value: 1.0})

	return experiment.Experiment{ID: id, Parameters: ps, Status: experiment.StatusPending}
}

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "event queue closed unexpectedly")

		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a change event")

		return Event{}
	}
}

func TestChannel_SubscribeReceivesSnapshot(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	_, err := store.Apply(experiment.NewPatch(0, experiment.AddOp(newPendingExperiment("a"))))
	require.NoError(t, err)

	c := New(store, logger.Test(t))
	t.Cleanup(c.Close)

	sub, err := c.Subscribe(t.Context())
	require.NoError(t, err)
	t.Cleanup(sub.Detach)

	assert.Equal(t, uint64(1), sub.Revision())
	assert.Equal(t, []string{"a"}, sub.Snapshot().IDs())
}

func TestChannel_MutateBroadcastsToAllObservers(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	c := New(store, logger.Test(t))
	t.Cleanup(c.Close)

	originator, err := c.Subscribe(t.Context())
	require.NoError(t, err)
	bystander, err := c.Subscribe(t.Context())
	require.NoError(t, err)

	rev, err := c.Mutate(t.Context(), experiment.NewPatch(0, experiment.AddOp(newPendingExperiment("a"))))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	// The broadcast reaches the originator too, so its optimistic local copy
	// is corrected by the authoritative state.
	for _, sub := range []*Subscription{originator, bystander} {
		ev := waitEvent(t, sub)
		assert.Equal(t, uint64(1), ev.Revision)
		assert.Equal(t, []string{"a"}, ev.Snapshot.IDs())
	}
}

func TestChannel_ConflictRepliesToOriginatorOnly(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	_, err := store.Apply(experiment.NewPatch(0, experiment.AddOp(newPendingExperiment("a"))))
	require.NoError(t, err)

	c := New(store, logger.Test(t))
	t.Cleanup(c.Close)

	bystander, err := c.Subscribe(t.Context())
	require.NoError(t, err)

	_, err = c.Mutate(t.Context(), experiment.NewPatch(0, experiment.AddOp(newPendingExperiment("b"))))
	var conflict *experiment.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(1), conflict.CurrentRevision)

	// No broadcast happened.
	select {
	case ev := <-bystander.Events():
		t.Fatalf("unexpected broadcast after a rejected mutation: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_BroadcastOrdering(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	c := New(store, logger.Test(t))
	t.Cleanup(c.Close)

	sub, err := c.Subscribe(t.Context())
	require.NoError(t, err)

	rev := uint64(0)
	for _, id := range []string{"a", "b", "c", "d"} {
		rev, err = c.Mutate(t.Context(), experiment.NewPatch(rev, experiment.AddOp(newPendingExperiment(id))))
		require.NoError(t, err)
	}

	for want := uint64(1); want <= 4; want++ {
		ev := waitEvent(t, sub)
		assert.Equal(t, want, ev.Revision, "events arrive in mutation order")
	}
}

func TestChannel_SlowObserverIsDetached(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	lggr, observed := logger.TestObserved(t, zapcore.WarnLevel)
	c := New(store, lggr, WithQueueSize(1))
	t.Cleanup(c.Close)

	sub, err := c.Subscribe(t.Context())
	require.NoError(t, err)

	// Never drained: the first event fills the queue, the second overflows it.
	rev, err := c.Mutate(t.Context(), experiment.NewPatch(0, experiment.AddOp(newPendingExperiment("a"))))
	require.NoError(t, err)
	_, err = c.Mutate(t.Context(), experiment.NewPatch(rev, experiment.AddOp(newPendingExperiment("b"))))
	require.NoError(t, err)

	// The queue holds the first event, then closes.
	ev := waitEvent(t, sub)
	assert.Equal(t, uint64(1), ev.Revision)
	_, ok := <-sub.Events()
	assert.False(t, ok, "the queue is closed after the observer is detached")
	assert.Equal(t, 1, observed.FilterMessageSnippet("fell behind").Len())
}

func TestChannel_DetachStopsDelivery(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	c := New(store, logger.Test(t))
	t.Cleanup(c.Close)

	sub, err := c.Subscribe(t.Context())
	require.NoError(t, err)
	sub.Detach()
	sub.Detach() // second detach is harmless

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = c.Mutate(t.Context(), experiment.NewPatch(0, experiment.AddOp(newPendingExperiment("a"))))
	require.NoError(t, err, "detaching an observer has no effect on store state")
}

func TestChannel_Close(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	c := New(store, logger.Test(t))

	sub, err := c.Subscribe(t.Context())
	require.NoError(t, err)

	c.Close()
	c.Close() // idempotent

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = c.Subscribe(t.Context())
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Mutate(t.Context(), experiment.NewPatch(0))
	require.ErrorIs(t, err, ErrClosed)
}

func TestReplyEnvelope(t *testing.T) {
	t.Parallel()

	store := experiment.NewMemoryStore()
	_, err := store.Apply(experiment.NewPatch(0, experiment.AddOp(newPendingExperiment("a"))))
	require.NoError(t, err)
	_, err = store.Apply(experiment.NewPatch(0))
	require.Error(t, err)

	env, encErr := ReplyEnvelope(err)
	require.NoError(t, encErr)
	assert.Equal(t, MessageConflict, env.Type)
	assert.Equal(t, uint64(1), env.Revision)

	set, err := env.Set()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, set.IDs())

	env, encErr = ReplyEnvelope(context.Canceled)
	require.NoError(t, encErr)
	assert.Equal(t, MessageError, env.Type)
	assert.NotEmpty(t, env.Error)
}
