package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/expkit/experimenter/channel"
	"github.com/expkit/experimenter/experiment"
	"github.com/expkit/experimenter/pkg/logger"
)

type harness struct {
	store *experiment.MemoryStore
	ch    *channel.Channel
	coord *Coordinator
}

// newHarness builds a store, channel, and started coordinator around proc.
func newHarness(t *testing.T, proc Procedure, opts ...Option) *harness {
	t.Helper()

	store := experiment.NewMemoryStore()
	ch := channel.New(store, logger.Test(t))
	t.Cleanup(ch.Close)

	coord := New(ch, proc, logger.Test(t), opts...)
	require.NoError(t, coord.Start(t.Context()))
	t.Cleanup(coord.Stop)

	return &harness{store: store, ch: ch, coord: coord}
}

func (h *harness) addExperiments(t *testing.T, ids ...string) {
	t.Helper()

	ops := make([]experiment.Op, 0, len(ids))
	for _, id := range ids {
		ps := experiment.NewParameters()
		ps.Set("x", experiment.Parameter{Kind: experiment.KindNumber, Value: 1.0})
		ops = append(ops, experiment.AddOp(experiment.Experiment{ID: id, Parameters: ps, Status: experiment.StatusPending}))
	}
	_, err := h.ch.Mutate(t.Context(), experiment.NewPatch(h.store.Revision(), ops...))
	require.NoError(t, err)
}

// waitStatus polls the store until the experiment reaches want, or fails
// the test after a timeout.
func (h *harness) waitStatus(t *testing.T, id string, want experiment.Status) experiment.Experiment {
	t.Helper()

	var got experiment.Experiment
	require.Eventually(t, func() bool {
		e, err := h.store.Get().Get(id)
		if err != nil {
			return false
		}
		got = e

		return e.Status == want
	}, 10*time.Second, 10*time.Millisecond, "experiment %s never reached %s", id, want)

	return got
}

func TestCoordinator_RunsInInsertionOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []float64
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		p, _ := params.Get("x")
		mu.Lock()
		order = append(order, p.Value.(float64))
		mu.Unlock()

		return "ok", nil
	}

	h := newHarness(t, proc)

	ops := []experiment.Op{}
	for i, id := range []string{"a", "b"} {
		ps := experiment.NewParameters()
		ps.Set("x", experiment.Parameter{Kind: experiment.KindNumber, Value: float64(i + 1)})
		ops = append(ops, experiment.AddOp(experiment.Experiment{ID: id, Parameters: ps}))
	}
	_, err := h.ch.Mutate(t.Context(), experiment.NewPatch(0, ops...))
	require.NoError(t, err)

	require.NoError(t, h.coord.Schedule(t.Context(), "a", "b"))

	a := h.waitStatus(t, "a", experiment.StatusSucceeded)
	b := h.waitStatus(t, "b", experiment.StatusSucceeded)
	assert.Equal(t, "ok", a.Result)
	assert.Equal(t, "ok", b.Result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1, 2}, order, "insertion order breaks the tie: first in, first run")
}

func TestCoordinator_FailureIsRecordedNotPropagated(t *testing.T) {
	t.Parallel()

	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		return nil, errors.New("divergence detected")
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a", "b")

	require.NoError(t, h.coord.Schedule(t.Context(), "a", "b"))

	got := h.waitStatus(t, "a", experiment.StatusFailed)
	assert.Equal(t, "divergence detected", got.Error)
	assert.Nil(t, got.Result)

	// The coordinator survived and ran the next experiment.
	h.waitStatus(t, "b", experiment.StatusFailed)
}

func TestCoordinator_PanicIsCaught(t *testing.T) {
	t.Parallel()

	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		panic("boom")
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a")

	require.NoError(t, h.coord.Schedule(t.Context(), "a"))

	got := h.waitStatus(t, "a", experiment.StatusFailed)
	assert.Contains(t, got.Error, "panicked")
}

func TestCoordinator_ScheduleSkipsNonPending(t *testing.T) {
	t.Parallel()

	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		return "ok", nil
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a", "b")

	// Cancel b first; scheduling it afterwards must be a no-op.
	require.NoError(t, h.coord.Cancel(t.Context(), "b"))
	h.waitStatus(t, "b", experiment.StatusCancelled)

	require.NoError(t, h.coord.Schedule(t.Context(), "a", "b", "ghost"))
	h.waitStatus(t, "a", experiment.StatusSucceeded)

	got, err := h.store.Get().Get("b")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusCancelled, got.Status)
}

func TestCoordinator_CancelPending(t *testing.T) {
	t.Parallel()

	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		return "ok", nil
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a")

	require.NoError(t, h.coord.Cancel(t.Context(), "a"))
	got := h.waitStatus(t, "a", experiment.StatusCancelled)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)

	require.ErrorIs(t, h.coord.Cancel(t.Context(), "ghost"), experiment.ErrExperimentNotFound)
}

func TestCoordinator_CancelRunningCooperatively(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a")

	require.NoError(t, h.coord.Schedule(t.Context(), "a"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}

	require.NoError(t, h.coord.Cancel(t.Context(), "a"))
	got := h.waitStatus(t, "a", experiment.StatusCancelled)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)
}

func TestCoordinator_CancelStalledUnitIsForceCancelled(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	block := make(chan struct{})
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		close(started)
		// Ignores ctx entirely: never acknowledges cancellation.
		<-block

		return "late", nil
	}

	store := experiment.NewMemoryStore()
	ch := channel.New(store, logger.Test(t))
	t.Cleanup(ch.Close)

	lggr, observed := logger.TestObserved(t, zapcore.WarnLevel)
	coord := New(ch, proc, lggr, WithCancelTimeout(50*time.Millisecond))
	require.NoError(t, coord.Start(t.Context()))
	t.Cleanup(coord.Stop)
	t.Cleanup(func() { close(block) })

	h := &harness{store: store, ch: ch, coord: coord}
	h.addExperiments(t, "a")
	require.NoError(t, coord.Schedule(t.Context(), "a"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}

	require.NoError(t, coord.Cancel(t.Context(), "a"))
	got := h.waitStatus(t, "a", experiment.StatusCancelled)
	assert.Nil(t, got.Result)

	assert.Eventually(t, func() bool {
		return observed.FilterMessageSnippet("abandoned").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinator_RunTimeoutForceFails(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		<-block

		return "late", nil
	}
	h := newHarness(t, proc, WithRunTimeout(50*time.Millisecond))
	t.Cleanup(func() { close(block) })
	h.addExperiments(t, "a")

	require.NoError(t, h.coord.Schedule(t.Context(), "a"))

	got := h.waitStatus(t, "a", experiment.StatusFailed)
	assert.Contains(t, got.Error, "stalled")
}

func TestCoordinator_RunningParametersRejected(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a")

	require.NoError(t, h.coord.Schedule(t.Context(), "a"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}
	h.waitStatus(t, "a", experiment.StatusRunning)

	ps := experiment.NewParameters()
	ps.Set("x", experiment.Parameter{Kind: experiment.KindNumber, Value: 99.0})
	_, err := h.ch.Mutate(t.Context(), experiment.NewPatch(h.store.Revision(), experiment.UpdateParametersOp("a", ps)))

	var verr *experiment.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, h.coord.Cancel(t.Context(), "a"))
	h.waitStatus(t, "a", experiment.StatusCancelled)
}

func TestCoordinator_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		<-release

		mu.Lock()
		active--
		mu.Unlock()

		return "ok", nil
	}
	h := newHarness(t, proc, WithMaxConcurrent(2))
	h.addExperiments(t, "a", "b", "c", "d")

	require.NoError(t, h.coord.Schedule(t.Context(), "a", "b", "c", "d"))

	h.waitStatus(t, "a", experiment.StatusRunning)
	h.waitStatus(t, "b", experiment.StatusRunning)
	close(release)

	for _, id := range []string{"a", "b", "c", "d"} {
		h.waitStatus(t, id, experiment.StatusSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak, "no more than two experiments run at once")
}

func TestCoordinator_RetryPolicy(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := 0
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("flaky")
		}

		return "ok", nil
	}
	h := newHarness(t, proc, WithRetryPolicy(RetryPolicy{Enabled: true, MaxAttempts: 5}))
	h.addExperiments(t, "a")

	require.NoError(t, h.coord.Schedule(t.Context(), "a"))

	got := h.waitStatus(t, "a", experiment.StatusSucceeded)
	assert.Equal(t, "ok", got.Result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestCoordinator_ScheduleSelected(t *testing.T) {
	t.Parallel()

	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		return "ok", nil
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a", "b", "c")

	_, err := h.ch.Mutate(t.Context(), experiment.NewPatch(h.store.Revision(), experiment.SelectOp("a", "c")))
	require.NoError(t, err)

	require.NoError(t, h.coord.ScheduleSelected(t.Context()))

	h.waitStatus(t, "a", experiment.StatusSucceeded)
	h.waitStatus(t, "c", experiment.StatusSucceeded)

	got, err := h.store.Get().Get("b")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusPending, got.Status, "only the selection is scheduled")
}

func TestCoordinator_RemovalOfRunningCancelsUnit(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)

		return nil, ctx.Err()
	}
	h := newHarness(t, proc)
	h.addExperiments(t, "a")

	require.NoError(t, h.coord.Schedule(t.Context(), "a"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}
	h.waitStatus(t, "a", experiment.StatusRunning)

	_, err := h.ch.Mutate(t.Context(), experiment.NewPatch(h.store.Revision(), experiment.RemoveOp("a")))
	require.NoError(t, err)

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("removing a running experiment must cancel its execution unit")
	}
	assert.False(t, h.store.Get().Contains("a"))
}

func TestCoordinator_Reports(t *testing.T) {
	t.Parallel()

	proc := func(ctx context.Context, params experiment.Parameters) (any, error) {
		p, _ := params.Get("x")
		if p.Value.(float64) > 1 {
			return nil, errors.New("too big")
		}

		return "ok", nil
	}
	h := newHarness(t, proc)

	ops := []experiment.Op{}
	for i, id := range []string{"a", "b"} {
		ps := experiment.NewParameters()
		ps.Set("x", experiment.Parameter{Kind: experiment.KindNumber, Value: float64(i + 1)})
		ops = append(ops, experiment.AddOp(experiment.Experiment{ID: id, Parameters: ps}))
	}
	_, err := h.ch.Mutate(t.Context(), experiment.NewPatch(0, ops...))
	require.NoError(t, err)

	require.NoError(t, h.coord.Schedule(t.Context(), "a", "b"))
	h.waitStatus(t, "a", experiment.StatusSucceeded)
	h.waitStatus(t, "b", experiment.StatusFailed)

	reports, err := h.coord.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, "a", reports[0].ExperimentID)
	assert.Equal(t, experiment.StatusSucceeded, reports[0].Status)
	assert.Equal(t, "ok", reports[0].Result)
	assert.NotEmpty(t, reports[0].ID)
	assert.NotEmpty(t, reports[0].UnitID)
	assert.False(t, reports[0].FinishedAt.Before(reports[0].StartedAt))

	assert.Equal(t, "b", reports[1].ExperimentID)
	assert.Equal(t, experiment.StatusFailed, reports[1].Status)
	assert.Equal(t, "too big", reports[1].Error)

	_, err = h.coord.Reports()
	require.NoError(t, err)
	_, err = NewMemoryReporter().GetReport("missing")
	require.ErrorIs(t, err, ErrReportNotFound)
}
