package listener

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"go.pgrelay.tech/internal/message"
)

// ReleaseFunc returns a concurrency permit. Safe to call exactly once.
type ReleaseFunc func()

// Controller governs how the replication listener interleaves messages.
// Acquire blocks until the message may be processed and returns the release
// callback; acquisition order follows call order (WAL order). Cancel drains
// every pending acquire with ErrListenerStopped and rejects new ones.
type Controller interface {
	Acquire(ctx context.Context, msg *message.Message) (ReleaseFunc, error)
	Cancel()
}

// semController is the common weighted-semaphore implementation behind the
// sequential and bounded-parallel controllers.
type semController struct {
	sem      *semaphore.Weighted
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSequentialController serialises all messages: one in flight at a time,
// completion order matches acquisition order.
func NewSequentialController() Controller {
	return newSemController(1)
}

// NewBoundedController allows up to parallelism messages in flight.
func NewBoundedController(parallelism int64) Controller {
	if parallelism < 1 {
		parallelism = 1
	}
	return newSemController(parallelism)
}

func newSemController(weight int64) *semController {
	return &semController{
		sem:  semaphore.NewWeighted(weight),
		stop: make(chan struct{}),
	}
}

func (c *semController) Acquire(ctx context.Context, msg *message.Message) (ReleaseFunc, error) {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-acquireCtx.Done():
		}
	}()

	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		select {
		case <-c.stop:
			return nil, message.NewError(message.ErrListenerStopped, msg, err)
		default:
			return nil, err
		}
	}
	return func() { c.sem.Release(1) }, nil
}

func (c *semController) Cancel() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// parallelController imposes no interleaving constraint.
type parallelController struct {
	stop     chan struct{}
	stopOnce sync.Once
}

// NewParallelController processes every message fully in parallel.
func NewParallelController() Controller {
	return &parallelController{stop: make(chan struct{})}
}

func (c *parallelController) Acquire(_ context.Context, msg *message.Message) (ReleaseFunc, error) {
	select {
	case <-c.stop:
		return nil, message.Errorf(message.ErrListenerStopped, msg, "listener: controller cancelled")
	default:
		return func() {}, nil
	}
}

func (c *parallelController) Cancel() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// segmentController serialises messages within a segment and runs segments
// in parallel. Mutexes are created lazily per segment and kept for the
// listener's lifetime; segment cardinality bounds the map.
type segmentController struct {
	mu       sync.Mutex
	segments map[string]*semController
	stopped  bool
}

// NewSegmentController creates the per-segment mutex controller.
func NewSegmentController() Controller {
	return &segmentController{segments: make(map[string]*semController)}
}

func (c *segmentController) Acquire(ctx context.Context, msg *message.Message) (ReleaseFunc, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, message.Errorf(message.ErrListenerStopped, msg, "listener: controller cancelled")
	}
	seg := msg.EffectiveSegment()
	sc, ok := c.segments[seg]
	if !ok {
		sc = newSemController(1)
		c.segments[seg] = sc
	}
	c.mu.Unlock()

	return sc.Acquire(ctx, msg)
}

func (c *segmentController) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, sc := range c.segments {
		sc.Cancel()
	}
}

// SelectorFunc chooses a member controller for a message, typically by
// (aggregateType, messageType) or the message's concurrency attribute.
type SelectorFunc func(msg *message.Message) Controller

// compositeController delegates each message to the controller picked by
// the selector.
type compositeController struct {
	selector SelectorFunc
	members  []Controller
}

// NewCompositeController builds a controller that routes each message to
// one of members via selector. Cancel fans out to all members.
func NewCompositeController(selector SelectorFunc, members ...Controller) Controller {
	return &compositeController{selector: selector, members: members}
}

func (c *compositeController) Acquire(ctx context.Context, msg *message.Message) (ReleaseFunc, error) {
	return c.selector(msg).Acquire(ctx, msg)
}

func (c *compositeController) Cancel() {
	for _, m := range c.members {
		m.Cancel()
	}
}

// NewConcurrencyAttributeController honours each message's concurrency
// attribute: parallel messages run freely, everything else is serialised
// through the shared sequential member.
func NewConcurrencyAttributeController() Controller {
	sequential := NewSequentialController()
	parallel := NewParallelController()
	return NewCompositeController(func(msg *message.Message) Controller {
		if msg.Concurrency == message.ConcurrencyParallel {
			return parallel
		}
		return sequential
	}, sequential, parallel)
}
