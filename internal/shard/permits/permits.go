// Package permits implements the operation permit gate guarding a single
// shard copy.
//
// Ordinary operations hold a shared permit for as long as they execute
// against the shard copy. Administrative operations that need a quiescent
// copy acquire all permits at once: they wait until every shared holder has
// released and, while waiting or holding, prevent new shared permits from
// being granted. Exclusive requests are served in arrival order.
package permits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Mode is the kind of permit held on a shard copy.
type Mode int

const (
	// ModeShared is a single operation permit. Any number of shared permits
	// can be held concurrently.
	ModeShared Mode = iota
	// ModeExclusive is the permit covering all operations of the shard copy.
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	// ErrClosed is returned when acquiring permits on a closed gate.
	ErrClosed = errors.New("operation permits closed")
	// ErrTimeout is matched by errors returned when all permits could not
	// be acquired in time.
	ErrTimeout = errors.New("timed out acquiring all operation permits")
)

// TimeoutError is returned by AcquireAll when the exclusive permit was not
// granted within the requested timeout.
type TimeoutError struct {
	Timeout time.Duration
	// Active is the number of shared permits that were still held when the
	// timeout expired.
	Active int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s acquiring all operation permits, %d operations still active", e.Timeout, e.Active)
}

// Is makes errors.Is(err, ErrTimeout) succeed.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// GRPCStatus maps the timeout to a gRPC status.
func (e *TimeoutError) GRPCStatus() *status.Status {
	return status.New(codes.DeadlineExceeded, e.Error())
}

// Permit is a handle for a granted permit. It must be released on every exit
// path of the operation that acquired it.
type Permit struct {
	permits  *Permits
	mode     Mode
	ctx      context.Context
	released int32
}

// Mode returns whether the permit is shared or exclusive.
func (p *Permit) Mode() Mode { return p.mode }

// Release returns the permit to its gate. Only the first call has an effect;
// it returns false for every later call.
func (p *Permit) Release() bool {
	if !atomic.CompareAndSwapInt32(&p.released, 0, 1) {
		return false
	}

	p.permits.release(p.ctx, p.mode)
	return true
}

// exclusiveWaiter is a queued exclusive request. The ticket gives every
// waiter its own identity in the queue.
type exclusiveWaiter struct {
	ticket uint64
}

// Permits is the permit gate of one shard copy. The zero value is not usable,
// create instances with New.
type Permits struct {
	monitor Monitor

	mu        sync.Mutex
	active    int
	exclusive bool
	waiters   []*exclusiveWaiter
	tickets   uint64
	closed    bool
	// changed is closed and replaced whenever the gate state changes in a
	// way that may allow a waiter to proceed.
	changed chan struct{}
}

// Option configures a Permits gate.
type Option func(*Permits)

// WithMonitor sets the monitor notified about permit activity.
func WithMonitor(monitor Monitor) Option {
	return func(p *Permits) {
		p.monitor = monitor
	}
}

// New creates a new open permit gate.
func New(opts ...Option) *Permits {
	p := &Permits{
		monitor: nullMonitor{},
		changed: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Acquire acquires a shared operation permit. It returns immediately unless
// all permits are held or an exclusive request is queued, in which case it
// blocks until the exclusive holder has released. Acquire has no timeout of
// its own and only gives up when ctx is done or the gate is closed.
func (p *Permits) Acquire(ctx context.Context) (*Permit, error) {
	start := time.Now()
	queued := false

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.dequeue(ctx, ModeShared, queued)
			return nil, ErrClosed
		}

		if !p.exclusive && len(p.waiters) == 0 {
			p.active++
			p.mu.Unlock()

			p.dequeue(ctx, ModeShared, queued)
			p.monitor.Enter(ctx, ModeShared, time.Since(start))
			return &Permit{permits: p, mode: ModeShared, ctx: ctx}, nil
		}

		changed := p.changed
		p.mu.Unlock()

		if !queued {
			queued = true
			p.monitor.Queued(ctx, ModeShared)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			p.dequeue(ctx, ModeShared, queued)
			return nil, ctx.Err()
		}
	}
}

// AcquireAll acquires the exclusive permit. It queues behind earlier
// exclusive requests, stops new shared permits from being granted and waits
// for all active shared permits to be released. A timeout of zero or less
// waits until ctx is done.
func (p *Permits) AcquireAll(ctx context.Context, timeout time.Duration) (*Permit, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.tickets++
	w := &exclusiveWaiter{ticket: p.tickets}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.monitor.Queued(ctx, ModeExclusive)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.removeWaiterLocked(w)
			p.mu.Unlock()
			p.dequeue(ctx, ModeExclusive, true)
			return nil, ErrClosed
		}

		if !p.exclusive && p.active == 0 && p.waiters[0].ticket == w.ticket {
			p.waiters = p.waiters[1:]
			p.exclusive = true
			p.mu.Unlock()

			p.dequeue(ctx, ModeExclusive, true)
			p.monitor.Enter(ctx, ModeExclusive, time.Since(start))
			return &Permit{permits: p, mode: ModeExclusive, ctx: ctx}, nil
		}

		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-expired:
			p.mu.Lock()
			active := p.active
			p.removeWaiterLocked(w)
			p.mu.Unlock()

			p.dequeue(ctx, ModeExclusive, true)
			return nil, &TimeoutError{Timeout: timeout, Active: active}
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiterLocked(w)
			p.mu.Unlock()

			p.dequeue(ctx, ModeExclusive, true)
			return nil, ctx.Err()
		}
	}
}

// RunExclusive runs fn while holding all permits.
func (p *Permits) RunExclusive(ctx context.Context, timeout time.Duration, fn func() error) error {
	permit, err := p.AcquireAll(ctx, timeout)
	if err != nil {
		return err
	}
	defer permit.Release()

	return fn()
}

// ActiveOperationsCount returns the number of shared permits currently held.
// It is zero while the exclusive permit is held.
func (p *Permits) ActiveOperationsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueuedExclusive returns the number of exclusive requests waiting to be
// granted.
func (p *Permits) QueuedExclusive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// IsBlocked reports whether shared permits are currently withheld, either
// because the exclusive permit is held or because it has been requested.
func (p *Permits) IsBlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exclusive || len(p.waiters) > 0
}

// Close closes the gate. Pending and future acquisitions fail with
// ErrClosed. Permits that are already held can still be released.
func (p *Permits) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.broadcastLocked()
}

func (p *Permits) release(ctx context.Context, mode Mode) {
	p.mu.Lock()
	switch mode {
	case ModeShared:
		if p.active <= 0 {
			p.mu.Unlock()
			panic(fmt.Sprintf("permits: releasing shared permit with %d active operations", p.active))
		}
		p.active--
		if p.active == 0 {
			p.broadcastLocked()
		}
	case ModeExclusive:
		if !p.exclusive {
			p.mu.Unlock()
			panic("permits: releasing exclusive permit that is not held")
		}
		p.exclusive = false
		p.broadcastLocked()
	}
	p.mu.Unlock()

	p.monitor.Exit(ctx, mode)
}

func (p *Permits) removeWaiterLocked(w *exclusiveWaiter) {
	for i, waiter := range p.waiters {
		if waiter.ticket == w.ticket {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}

	// Removing a waiter may unblock shared requests or hand the head of the
	// queue over to the next exclusive request.
	p.broadcastLocked()
}

func (p *Permits) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Permits) dequeue(ctx context.Context, mode Mode, queued bool) {
	if queued {
		p.monitor.Dequeued(ctx, mode)
	}
}
