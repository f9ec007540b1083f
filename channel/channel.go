// Package channel implements the state synchronization channel that
// reconciles the authoritative experiment store with any number of attached
// observers. All mutation requests funnel through a single processing loop,
// so their arrival order is the total order that makes the revision-based
// optimistic check well-defined.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/expkit/experimenter/experiment"
	"github.com/expkit/experimenter/pkg/logger"
)

// ErrClosed is returned for any request issued after the channel was closed.
var ErrClosed = errors.New("synchronization channel is closed")

// DefaultQueueSize is the default per-observer event queue capacity.
const DefaultQueueSize = 64

// Event is a change notification delivered to observers after a successful
// mutation. The snapshot is a deep copy; observers may retain or mutate it
// freely.
type Event struct {
	Snapshot experiment.Set
	Revision uint64
}

// Subscription is one attached observer. Events are delivered on a buffered
// queue in the order the mutations were applied; the queue is closed when
// the observer detaches, falls too far behind, or the channel shuts down.
type Subscription struct {
	id       string
	snapshot experiment.Set
	events   chan Event
	channel  *Channel
}

// ID returns the observer's unique id.
func (s *Subscription) ID() string {
	return s.id
}

// Snapshot returns the full state the observer received on attach.
func (s *Subscription) Snapshot() experiment.Set {
	return s.snapshot
}

// Revision returns the revision of the attach-time snapshot.
func (s *Subscription) Revision() uint64 {
	return s.snapshot.Revision
}

// Events returns the observer's ordered change notification queue.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Detach removes the observer. It has no effect on store state. Detaching
// twice is harmless.
func (s *Subscription) Detach() {
	s.channel.detach(s)
}

// Channel is the single point of serialization for all store writers.
type Channel struct {
	store     experiment.Store
	lggr      logger.Logger
	queueSize int

	requests chan request
	done     chan struct{}
	stopped  chan struct{}
}

type request interface{ isRequest() }

type subscribeReq struct {
	reply chan *Subscription
}

type mutateReq struct {
	patch experiment.Patch
	reply chan mutateResp
}

type mutateResp struct {
	revision uint64
	err      error
}

type detachReq struct {
	sub   *Subscription
	reply chan struct{}
}

func (subscribeReq) isRequest() {}
func (mutateReq) isRequest()    {}
func (detachReq) isRequest()    {}

// Option is a functional option for configuring a Channel.
type Option func(*Channel)

// WithQueueSize sets the per-observer event queue capacity. An observer
// whose queue is full when a change is broadcast is detached.
func WithQueueSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// New creates a Channel over the given store and starts its processing
// loop. Call Close to stop it.
func New(store experiment.Store, lggr logger.Logger, opts ...Option) *Channel {
	c := &Channel{
		store:     store,
		lggr:      lggr.Named("channel"),
		queueSize: DefaultQueueSize,
		requests:  make(chan request),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.run()

	return c
}

// Subscribe attaches a new observer and returns its subscription carrying
// the full current snapshot and revision.
func (c *Channel) Subscribe(ctx context.Context) (*Subscription, error) {
	req := subscribeReq{reply: make(chan *Subscription, 1)}
	if err := c.submit(ctx, req); err != nil {
		return nil, err
	}
	select {
	case sub := <-req.reply:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Mutate proposes a patch. On success the new revision is returned and a
// change event is broadcast to every attached observer, including the
// originator. A stale base revision fails with experiment.ConflictError
// carrying the authoritative state, replied to the originator only.
func (c *Channel) Mutate(ctx context.Context, p experiment.Patch) (uint64, error) {
	req := mutateReq{patch: p, reply: make(chan mutateResp, 1)}
	if err := c.submit(ctx, req); err != nil {
		return 0, err
	}
	select {
	case resp := <-req.reply:
		return resp.revision, resp.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrClosed
	}
}

// Snapshot returns a deep copy of the authoritative state without
// attaching. Reads do not go through the serialization loop.
func (c *Channel) Snapshot() experiment.Set {
	return c.store.Get()
}

// Close stops the processing loop and closes every observer's event queue.
func (c *Channel) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	<-c.stopped
}

func (c *Channel) submit(ctx context.Context, req request) error {
	select {
	case c.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Channel) detach(sub *Subscription) {
	req := detachReq{sub: sub, reply: make(chan struct{}, 1)}
	select {
	case c.requests <- req:
		<-req.reply
	case <-c.done:
	}
}

// run processes requests strictly in arrival order. It is the only
// goroutine that touches the observer table.
func (c *Channel) run() {
	defer close(c.stopped)

	observers := make(map[string]*Subscription)
	defer func() {
		for _, sub := range observers {
			close(sub.events)
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case req := <-c.requests:
			switch r := req.(type) {
			case subscribeReq:
				sub := &Subscription{
					id:       uuid.New().String(),
					snapshot: c.store.Get(),
					events:   make(chan Event, c.queueSize),
					channel:  c,
				}
				observers[sub.id] = sub
				c.lggr.Debugw("Observer attached", "observer", sub.id, "revision", sub.snapshot.Revision)
				r.reply <- sub

			case mutateReq:
				rev, err := c.store.Apply(r.patch)
				if err != nil {
					c.lggr.Debugw("Mutation rejected", "baseRevision", r.patch.BaseRevision, "error", err)
					r.reply <- mutateResp{err: err}

					continue
				}
				r.reply <- mutateResp{revision: rev}
				c.broadcast(observers, Event{Snapshot: c.store.Get(), Revision: rev})

			case detachReq:
				if sub, ok := observers[r.sub.id]; ok {
					delete(observers, sub.id)
					close(sub.events)
					c.lggr.Debugw("Observer detached", "observer", sub.id)
				}
				r.reply <- struct{}{}
			}
		}
	}
}

// broadcast delivers the event to every observer in generation order. An
// observer whose queue is full cannot keep ordering guarantees anymore and
// is detached instead of blocking the loop.
func (c *Channel) broadcast(observers map[string]*Subscription, ev Event) {
	for id, sub := range observers {
		// Each observer gets its own copy so retained snapshots never alias.
		select {
		case sub.events <- Event{Snapshot: ev.Snapshot.Clone(), Revision: ev.Revision}:
		default:
			delete(observers, id)
			close(sub.events)
			c.lggr.Warnw("Observer fell behind and was detached", "observer", id, "revision", ev.Revision)
		}
	}
}
