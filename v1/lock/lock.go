package lock

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

// DefaultPollInterval is the fixed pause between attempts in Block.
const DefaultPollInterval = 250 * time.Millisecond

var (
	// ErrTimeout is returned by Block when the timeout elapsed before the
	// lock could be acquired.
	ErrTimeout = latcherrors.ErrLockTimeout
	// ErrInvalidName is returned when a lock is created with an empty name.
	ErrInvalidName = errors.New("latch: lock name must not be empty")
	// ErrInvalidHold is returned when a non-positive hold duration is provided.
	ErrInvalidHold = errors.New("latch: lock hold duration must be positive")
	// ErrInvalidOwner is returned when the owner token, explicit or
	// generated, is empty.
	ErrInvalidOwner = errors.New("latch: lock owner must not be empty")
	// ErrRefreshUnsupported is returned by Refresh when the store cannot
	// extend leases.
	ErrRefreshUnsupported = errors.New("latch: store does not support refresh")
)

// Lock is a named lock held in a shared Store under a lease.
//
// A Lock keeps no state of its own besides its identity: whether it is held
// is always answered by the store. Dropping a Lock does not release it.
type Lock struct {
	store Store
	name  string
	owner string
	hold  time.Duration

	clock   Clock
	poll    time.Duration
	bus     syncbus.Bus
	tracing bool
}

type options struct {
	owner    string
	ownerSet bool
	tokens   TokenFunc
	clock    Clock
	poll     time.Duration
	bus      syncbus.Bus
	tracing  bool
}

// Option configures a Lock.
type Option func(*options)

// WithOwner binds the lock to an existing owner token instead of generating
// one, e.g. to release a lock acquired by another process.
func WithOwner(owner string) Option {
	return func(o *options) {
		o.owner = owner
		o.ownerSet = true
	}
}

// WithTokens sets the generator used for owner tokens.
func WithTokens(fn TokenFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.tokens = fn
		}
	}
}

// WithClock sets the time source used for Block deadlines.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPollInterval sets the pause between attempts in Block. Non-positive
// values keep DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithBus announces releases on bus and lets Block wake up as soon as a
// release of the same lock is announced.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithTracing enables OpenTelemetry spans for lock operations.
func WithTracing() Option {
	return func(o *options) {
		o.tracing = true
	}
}

// New returns a Lock for name on store with the given hold duration.
func New(store Store, name string, hold time.Duration, opts ...Option) (*Lock, error) {
	o := options{
		tokens: UUIDToken,
		clock:  SystemClock{},
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	if hold <= 0 {
		return nil, ErrInvalidHold
	}
	owner := o.owner
	if o.ownerSet {
		if owner == "" {
			return nil, ErrInvalidOwner
		}
	} else {
		var err error
		if owner, err = o.tokens(); err != nil {
			return nil, err
		}
		if owner == "" {
			return nil, ErrInvalidOwner
		}
	}
	return &Lock{
		store:   store,
		name:    name,
		owner:   owner,
		hold:    hold,
		clock:   o.clock,
		poll:    o.poll,
		bus:     o.bus,
		tracing: o.tracing,
	}, nil
}

// Name returns the name of the locked resource.
func (l *Lock) Name() string { return l.name }

// Owner returns the token identifying this lock's acquisitions.
func (l *Lock) Owner() string { return l.owner }

// Hold returns the lease requested on every acquisition.
func (l *Lock) Hold() time.Duration { return l.hold }

func (l *Lock) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if !l.tracing {
		return ctx, nil
	}
	return tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("latch.lock.name", l.name),
		attribute.Int64("latch.lock.hold_ms", l.hold.Milliseconds()),
	))
}

func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (l *Lock) acquire(ctx context.Context) (bool, error) {
	ok, err := l.store.Acquire(ctx, l.name, l.owner, l.hold)
	switch {
	case err != nil:
		metrics.AcquireCounter.WithLabelValues(metrics.ResultError).Inc()
	case ok:
		metrics.AcquireCounter.WithLabelValues(metrics.ResultAcquired).Inc()
	default:
		metrics.AcquireCounter.WithLabelValues(metrics.ResultContended).Inc()
	}
	return ok, err
}

// TryLock makes a single attempt to acquire the lock and never waits.
// Calling it while already holding the lock reports true and leaves the
// stored lease untouched.
func (l *Lock) TryLock(ctx context.Context) (ok bool, err error) {
	ctx, span := l.startSpan(ctx, "Lock.TryLock")
	defer func() { endSpan(span, err, attribute.Bool("latch.lock.acquired", ok)) }()
	return l.acquire(ctx)
}

// Release frees the lock if the store still records it for this owner.
// It is a no-op when the lock is not held or is held by someone else.
//
// With a bus configured, every accepted release is announced, including
// no-op ones, since stores do not report whether they deleted anything.
// Waiters woken for nothing simply retry. Failing to announce is not an
// error of Release; it is counted in metrics.BusPublishErrorCounter.
func (l *Lock) Release(ctx context.Context) (err error) {
	ctx, span := l.startSpan(ctx, "Lock.Release")
	defer func() { endSpan(span, err) }()
	if err := l.store.Release(ctx, l.name, l.owner); err != nil {
		return err
	}
	metrics.ReleaseCounter.Inc()
	if l.bus != nil {
		if perr := l.bus.Publish(ctx, syncbus.UnlockTopic(l.name)); perr != nil {
			metrics.BusPublishErrorCounter.Inc()
			if span != nil {
				span.RecordError(perr)
			}
		}
	}
	return nil
}

// IsOwned reports whether the store currently records this lock's owner.
func (l *Lock) IsOwned(ctx context.Context) (bool, error) {
	current, err := l.store.CurrentOwner(ctx, l.name)
	if err != nil {
		return false, err
	}
	return current == l.owner, nil
}

// Refresh re-arms the lease to the lock's hold duration. It reports false
// when the lock is no longer held by this owner.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	r, ok := l.store.(Refresher)
	if !ok {
		return false, ErrRefreshUnsupported
	}
	return r.Refresh(ctx, l.name, l.owner, l.hold)
}

// Get makes a single attempt to acquire the lock. When work is nil the lock
// stays held on success and the caller must Release it. Otherwise work runs
// under the lock, which is released on every exit path of work. Work is not
// invoked when the lock could not be acquired.
func (l *Lock) Get(ctx context.Context, work func(context.Context) error) (bool, error) {
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}
	if work == nil {
		return true, nil
	}
	return true, l.run(ctx, work)
}

// Block retries acquiring the lock every poll interval until it succeeds or
// timeout elapses, in which case ErrTimeout is returned. A zero timeout
// makes exactly one attempt. Store errors are returned immediately.
//
// When work is nil the lock stays held on success. Otherwise work runs under
// the lock and the lock is released afterwards, as in Get.
func (l *Lock) Block(ctx context.Context, timeout time.Duration, work func(context.Context) error) (err error) {
	ctx, span := l.startSpan(ctx, "Lock.Block")
	defer func() { endSpan(span, err, attribute.Int64("latch.lock.timeout_ms", timeout.Milliseconds())) }()
	if err := l.wait(ctx, timeout); err != nil {
		return err
	}
	if work == nil {
		return nil
	}
	return l.run(ctx, work)
}

func (l *Lock) wait(ctx context.Context, timeout time.Duration) error {
	start := l.clock.Now()
	var notify chan struct{}
	subscribed := false
	// Cancelling subCtx ends the bus subscription once we stop waiting.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		ok, err := l.acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			metrics.WaitHistogram.Observe(l.clock.Now().Sub(start).Seconds())
			return nil
		}
		elapsed := l.clock.Now().Sub(start)
		if elapsed >= timeout {
			metrics.TimeoutCounter.Inc()
			return ErrTimeout
		}
		if l.bus != nil && !subscribed {
			subscribed = true
			// Without a subscription the loop still polls.
			if ch, err := l.bus.Subscribe(subCtx, syncbus.UnlockTopic(l.name)); err == nil {
				notify = ch
			}
		}

		d := min(l.poll, timeout-elapsed)
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case _, open := <-notify:
			if !open {
				notify = nil
			}
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// run executes work and releases the lock afterwards, also when work panics.
// A failing work's error wins over a failing release.
func (l *Lock) run(ctx context.Context, work func(context.Context) error) (err error) {
	metrics.ScopedGauge.Inc()
	defer metrics.ScopedGauge.Dec()
	defer func() {
		rerr := l.Release(context.WithoutCancel(ctx))
		if err == nil {
			err = rerr
		}
	}()
	return work(ctx)
}

// Do runs fn under l like Get and returns its result. The boolean reports
// whether the lock was acquired; fn is not called when it was not.
func Do[T any](ctx context.Context, l *Lock, fn func(context.Context) (T, error)) (T, bool, error) {
	var out T
	ok, err := l.Get(ctx, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, ok, err
}

// DoWithin runs fn under l like Block and returns its result.
func DoWithin[T any](ctx context.Context, l *Lock, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Block(ctx, timeout, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}
