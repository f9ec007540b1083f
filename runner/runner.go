// Package runner drives experiments from pending to a terminal status. The
// coordinator is, functionally, just another observer of the experiment
// store: every status transition it makes goes through the synchronization
// channel as a revision-checked patch, so views and coordinator share a
// single source of truth and a single conflict-resolution mechanism.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/ksuid"

	"github.com/expkit/experimenter/channel"
	"github.com/expkit/experimenter/experiment"
	"github.com/expkit/experimenter/pkg/logger"
)

// Procedure is the execution procedure supplied by the embedding
// application: it maps an experiment's parameters to either a result value
// or an error, and must honor ctx for cooperative cancellation.
type Procedure func(ctx context.Context, params experiment.Parameters) (any, error)

const (
	// DefaultCancelTimeout is how long a cancelled execution unit is given
	// to acknowledge before it is considered abandoned.
	DefaultCancelTimeout = 10 * time.Second

	// DefaultMaxConcurrent is the default run policy: one experiment at a
	// time.
	DefaultMaxConcurrent = 1

	// rebaseAttempts bounds how often a coordinator patch is rebased onto a
	// newer revision after losing a race with a view edit.
	rebaseAttempts = 5
)

// ErrStopped is returned for requests issued after the coordinator stopped.
var ErrStopped = errors.New("run coordinator is stopped")

// errNothingToDo aborts a rebased patch whose precondition no longer holds,
// e.g. the experiment was removed while the patch was being rebased.
var errNothingToDo = errors.New("nothing to do")

// RetryPolicy controls optional retrying of the execution procedure.
type RetryPolicy struct {
	// Enabled determines if the retry is enabled for the run.
	Enabled bool

	// MaxAttempts bounds the number of attempts per run.
	MaxAttempts uint
}

// NewUnrecoverableError creates an error that stops any further retry of the
// execution procedure. This allows a run to fail fast on an error that
// retrying cannot fix.
func NewUnrecoverableError(err error) error {
	return retry.Unrecoverable(err)
}

// Option is a functional option for configuring a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrent sets the bounded concurrency of the run policy.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithCancelTimeout sets how long a cancelled execution unit may take to
// acknowledge before being abandoned.
func WithCancelTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cancelTimeout = d
		}
	}
}

// WithRunTimeout bounds the wall-clock duration of a single run. Zero means
// unbounded. A run exceeding the bound is force-failed and its execution
// unit abandoned.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.runTimeout = d
	}
}

// WithRetryPolicy enables retrying of the execution procedure.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = p
	}
}

// WithReporter sets the reporter that collects run reports.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) {
		c.reporter = r
	}
}

// Coordinator executes scheduled experiments against the store, with
// bounded concurrency, updating status and results through the channel.
type Coordinator struct {
	ch       *channel.Channel
	proc     Procedure
	lggr     logger.Logger
	reporter Reporter

	maxConcurrent int
	cancelTimeout time.Duration
	runTimeout    time.Duration
	retry         RetryPolicy

	requests chan coordRequest
	internal chan internalMsg
	done     chan struct{}
	stopped  chan struct{}

	// loop-owned state, never touched outside run()
	state     experiment.Set
	sub       *channel.Subscription
	eligible  map[string]struct{}
	units     map[string]*unit
	abandoned map[string]struct{}
}

type coordRequest struct {
	schedule []string
	selected bool
	cancel   string
	reply    chan error
}

type internalMsg struct {
	experimentID string
	unitID       string
	result       any
	err          error
	stallReason  string // empty for a normal completion
}

// unit is one active execution of an experiment.
type unit struct {
	id              string
	experimentID    string
	params          experiment.Parameters
	cancel          context.CancelFunc
	cancelRequested bool
	startedAt       time.Time
	cancelTimer     *time.Timer
	runTimer        *time.Timer
}

func (u *unit) stopTimers() {
	if u.cancelTimer != nil {
		u.cancelTimer.Stop()
	}
	if u.runTimer != nil {
		u.runTimer.Stop()
	}
}

// New creates a Coordinator. Start must be called before scheduling.
func New(ch *channel.Channel, proc Procedure, lggr logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:            ch,
		proc:          proc,
		lggr:          lggr.Named("runner"),
		reporter:      NewMemoryReporter(),
		maxConcurrent: DefaultMaxConcurrent,
		cancelTimeout: DefaultCancelTimeout,
		requests:      make(chan coordRequest),
		internal:      make(chan internalMsg),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		eligible:      make(map[string]struct{}),
		units:         make(map[string]*unit),
		abandoned:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start attaches the coordinator to the channel and starts its loop. The
// context is the parent of every execution unit's context.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.ch.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to attach the run coordinator: %w", err)
	}
	c.sub = sub
	c.state = sub.Snapshot()

	go c.run(ctx)

	return nil
}

// Stop shuts the coordinator down, cancelling any active execution units.
// It does not wait for the units' procedures to return.
func (c *Coordinator) Stop() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	<-c.stopped
}

// Schedule marks the given pending experiments eligible for execution. Ids
// that are not pending are skipped.
func (c *Coordinator) Schedule(ctx context.Context, ids ...string) error {
	return c.request(ctx, coordRequest{schedule: ids})
}

// ScheduleSelected schedules every experiment in the set's current
// selection.
func (c *Coordinator) ScheduleSelected(ctx context.Context) error {
	return c.request(ctx, coordRequest{selected: true})
}

// Cancel cancels the experiment with the given id: a pending experiment
// transitions directly to cancelled, a running one has its execution unit
// signalled and is cancelled once the unit acknowledges, or force-cancelled
// after the cancel timeout.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	return c.request(ctx, coordRequest{cancel: id})
}

// Reports returns the run reports collected so far.
func (c *Coordinator) Reports() ([]Report, error) {
	return c.reporter.GetReports()
}

func (c *Coordinator) request(ctx context.Context, req coordRequest) error {
	req.reply = make(chan error, 1)
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// run is the coordinator loop. All mutable coordinator state is owned here.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.stopped)
	defer c.sub.Detach()
	defer func() {
		for _, u := range c.units {
			u.stopTimers()
			u.cancel()
		}
	}()

	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-c.sub.Events():
			if !ok {
				// Detached for falling behind; reattach to the authoritative
				// state and carry on.
				sub, err := c.ch.Subscribe(ctx)
				if err != nil {
					c.lggr.Errorw("Coordinator lost its subscription and could not reattach", "error", err)

					return
				}
				c.sub = sub
				c.state = sub.Snapshot()
			} else {
				c.state = ev.Snapshot
			}
			c.reconcile()
			c.dispatch(ctx)

		case req := <-c.requests:
			// Refresh against the authoritative state so a request issued
			// right after a view edit is not judged on a stale snapshot.
			c.state = c.ch.Snapshot()
			c.reconcile()
			req.reply <- c.handleRequest(ctx, req)
			c.dispatch(ctx)

		case msg := <-c.internal:
			c.state = c.ch.Snapshot()
			c.reconcile()
			if msg.stallReason != "" {
				c.handleStall(ctx, msg)
			} else {
				c.handleCompletion(ctx, msg)
			}
			c.dispatch(ctx)
		}
	}
}

func (c *Coordinator) handleRequest(ctx context.Context, req coordRequest) error {
	switch {
	case req.selected:
		return c.handleSchedule(c.state.Selection.List())
	case req.schedule != nil:
		return c.handleSchedule(req.schedule)
	case req.cancel != "":
		return c.handleCancel(ctx, req.cancel)
	default:
		return nil
	}
}

func (c *Coordinator) handleSchedule(ids []string) error {
	for _, id := range ids {
		e, err := c.state.Get(id)
		if err != nil || e.Status != experiment.StatusPending {
			continue
		}
		c.eligible[id] = struct{}{}
	}

	return nil
}

func (c *Coordinator) handleCancel(ctx context.Context, id string) error {
	if u, ok := c.units[id]; ok {
		if u.cancelRequested {
			return nil
		}
		u.cancelRequested = true
		u.cancel()
		u.cancelTimer = time.AfterFunc(c.cancelTimeout, func() {
			c.push(internalMsg{experimentID: u.experimentID, unitID: u.id, stallReason: "cancellation was not acknowledged in time"})
		})
		c.lggr.Infow("Cancellation signalled", "experiment", id, "unit", u.id)

		return nil
	}

	e, err := c.state.Get(id)
	if err != nil {
		return err
	}
	delete(c.eligible, id)
	if e.Status != experiment.StatusPending {
		return nil
	}

	_, err = c.mutate(ctx, func(cur experiment.Set) ([]experiment.Op, error) {
		got, gerr := cur.Get(id)
		if gerr != nil || got.Status != experiment.StatusPending {
			return nil, errNothingToDo
		}

		return []experiment.Op{experiment.TransitionOp(id, experiment.StatusCancelled)}, nil
	})
	if errors.Is(err, errNothingToDo) {
		return nil
	}

	return err
}

// reconcile drops coordinator bookkeeping that external mutations have
// invalidated: eligibility of removed experiments, and execution units whose
// experiment was removed or moved to a terminal status behind the
// coordinator's back. Removal of a running experiment implies cancellation.
func (c *Coordinator) reconcile() {
	for id := range c.eligible {
		e, err := c.state.Get(id)
		if err != nil || e.Status != experiment.StatusPending {
			delete(c.eligible, id)
		}
	}

	for id, u := range c.units {
		e, err := c.state.Get(id)
		if err == nil && (e.Status == experiment.StatusRunning || e.Status == experiment.StatusPending) {
			continue
		}
		c.lggr.Infow("Experiment left the running state externally, cancelling its execution unit",
			"experiment", id, "unit", u.id)
		u.stopTimers()
		u.cancel()
		c.abandoned[u.id] = struct{}{}
		delete(c.units, id)
	}
}

// dispatch launches eligible pending experiments in set iteration order
// until the concurrency bound is reached. First in, first run.
func (c *Coordinator) dispatch(ctx context.Context) {
	for _, e := range c.state.Experiments {
		if len(c.units) >= c.maxConcurrent {
			return
		}
		if _, ok := c.eligible[e.ID]; !ok {
			continue
		}
		if _, ok := c.units[e.ID]; ok {
			continue
		}
		if e.Status != experiment.StatusPending {
			continue
		}
		c.launch(ctx, e.ID)
	}
}

func (c *Coordinator) launch(ctx context.Context, id string) {
	var launched experiment.Experiment
	_, err := c.mutate(ctx, func(cur experiment.Set) ([]experiment.Op, error) {
		got, gerr := cur.Get(id)
		if gerr != nil || got.Status != experiment.StatusPending {
			return nil, errNothingToDo
		}
		launched = got

		return []experiment.Op{experiment.TransitionOp(id, experiment.StatusRunning)}, nil
	})
	delete(c.eligible, id)
	if err != nil {
		if !errors.Is(err, errNothingToDo) {
			c.lggr.Errorw("Failed to launch experiment", "experiment", id, "error", err)
		}

		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	u := &unit{
		id:           ksuid.New().String(),
		experimentID: id,
		params:       launched.Parameters,
		cancel:       cancel,
		startedAt:    time.Now(),
	}
	if c.runTimeout > 0 {
		u.runTimer = time.AfterFunc(c.runTimeout, func() {
			c.push(internalMsg{experimentID: u.experimentID, unitID: u.id, stallReason: "run exceeded its timeout"})
		})
	}
	c.units[id] = u
	c.lggr.Infow("Executing experiment", "experiment", id, "unit", u.id)

	go func() {
		result, procErr := c.invoke(runCtx, u.params)
		c.push(internalMsg{experimentID: u.experimentID, unitID: u.id, result: result, err: procErr})
	}()
}

// invoke runs the execution procedure, converting panics to errors and
// applying the optional retry policy. A fault here must never crash the
// coordinator.
func (c *Coordinator) invoke(ctx context.Context, params experiment.Parameters) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("execution procedure panicked: %v", r)
		}
	}()

	if !c.retry.Enabled {
		return c.proc(ctx, params)
	}

	return retry.DoWithData(
		func() (any, error) {
			return c.proc(ctx, params)
		},
		retry.Attempts(c.retry.MaxAttempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, retryErr error) {
			c.lggr.Infow("Run failed. Retrying...", "attempt", attempt, "error", retryErr)
		}),
	)
}

func (c *Coordinator) handleCompletion(ctx context.Context, msg internalMsg) {
	if _, ok := c.abandoned[msg.unitID]; ok {
		delete(c.abandoned, msg.unitID)
		c.lggr.Debugw("Ignoring completion of an abandoned execution unit", "unit", msg.unitID)

		return
	}
	u, ok := c.units[msg.experimentID]
	if !ok || u.id != msg.unitID {
		return
	}
	u.stopTimers()
	delete(c.units, msg.experimentID)

	status := experiment.StatusSucceeded
	result := msg.result
	errDesc := ""
	switch {
	case u.cancelRequested:
		// Acknowledged cancellation wins over whatever the unit returned.
		status = experiment.StatusCancelled
		result = nil
	case msg.err != nil:
		execErr := &ExecutionError{ExperimentID: msg.experimentID, Err: msg.err}
		c.lggr.Infow("Experiment failed", "experiment", msg.experimentID, "unit", u.id, "error", execErr)
		status = experiment.StatusFailed
		result = nil
		errDesc = msg.err.Error()
	default:
		c.lggr.Infow("Experiment succeeded", "experiment", msg.experimentID, "unit", u.id)
	}

	c.complete(ctx, u, status, result, errDesc)
}

func (c *Coordinator) handleStall(ctx context.Context, msg internalMsg) {
	u, ok := c.units[msg.experimentID]
	if !ok || u.id != msg.unitID {
		return
	}
	u.stopTimers()
	u.cancel()
	delete(c.units, msg.experimentID)
	c.abandoned[u.id] = struct{}{}

	stallErr := &StalledExecutionError{ExperimentID: msg.experimentID, UnitID: u.id, Reason: msg.stallReason}
	c.lggr.Warnw("Execution unit abandoned", "experiment", msg.experimentID, "unit", u.id, "error", stallErr)

	// A stalled cancellation force-cancels; a stalled run force-fails.
	if u.cancelRequested {
		c.complete(ctx, u, experiment.StatusCancelled, nil, "")

		return
	}
	c.complete(ctx, u, experiment.StatusFailed, nil, stallErr.Error())
}

// complete writes the terminal status through the channel and records the
// run report.
func (c *Coordinator) complete(ctx context.Context, u *unit, status experiment.Status, result any, errDesc string) {
	_, err := c.mutate(ctx, func(cur experiment.Set) ([]experiment.Op, error) {
		got, gerr := cur.Get(u.experimentID)
		if gerr != nil || got.Status != experiment.StatusRunning {
			return nil, errNothingToDo
		}

		return []experiment.Op{experiment.CompleteOp(u.experimentID, status, result, errDesc)}, nil
	})
	if err != nil && !errors.Is(err, errNothingToDo) {
		var inv *experiment.InvariantViolation
		if errors.As(err, &inv) {
			// Only reachable through a coordinator bug: the precondition was
			// rechecked against the authoritative state.
			c.lggr.Panicw("Illegal status transition attempted by the coordinator", "error", inv)
		}
		c.lggr.Errorw("Failed to record terminal status", "experiment", u.experimentID, "error", err)
	}

	if rerr := c.reporter.AddReport(newReport(u.experimentID, u.id, status, result, errDesc, u.startedAt)); rerr != nil {
		c.lggr.Errorw("Failed to record run report", "experiment", u.experimentID, "error", rerr)
	}
}

// mutate submits a patch built against the latest known state, rebasing onto
// the authoritative state on revision conflicts.
func (c *Coordinator) mutate(ctx context.Context, build func(experiment.Set) ([]experiment.Op, error)) (uint64, error) {
	cur := c.state

	return retry.DoWithData(
		func() (uint64, error) {
			ops, err := build(cur)
			if err != nil {
				return 0, retry.Unrecoverable(err)
			}
			rev, err := c.ch.Mutate(ctx, experiment.NewPatch(cur.Revision, ops...))
			if err != nil {
				var conflict *experiment.ConflictError
				if errors.As(err, &conflict) {
					cur = conflict.Current

					return 0, err
				}

				return 0, retry.Unrecoverable(err)
			}

			return rev, nil
		},
		retry.Attempts(rebaseAttempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

// push hands a message to the loop without blocking shutdown.
func (c *Coordinator) push(msg internalMsg) {
	select {
	case c.internal <- msg:
	case <-c.done:
	}
}
