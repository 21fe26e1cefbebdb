package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	*InMemoryBus
	publishErr error
	calls      int
}

func (f *flakyBus) Publish(ctx context.Context, topic string) error {
	f.calls++
	if f.publishErr != nil {
		return f.publishErr
	}
	return f.InMemoryBus.Publish(ctx, topic)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(fb, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	failErr := errors.New("redis down")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	fb.publishErr = failErr
	if err := cb.Publish(ctx, "key"); !errors.Is(err, failErr) {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "key"); !errors.Is(err, failErr) {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "key"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fb.calls != 2 {
		t.Fatalf("open circuit reached the bus: %d calls", fb.calls)
	}

	now = now.Add(time.Minute + time.Second)
	if !cb.IsHealthy() {
		t.Fatal("expected healthy once the timeout passed")
	}
	fb.publishErr = nil
	if err := cb.Publish(ctx, "key"); err != nil {
		t.Fatalf("trial publish: %v", err)
	}
	if cb.failures != 0 || cb.state != stateClosed {
		t.Fatalf("expected closed circuit, state %v failures %d", cb.state, cb.failures)
	}

	fb.publishErr = failErr
	_ = cb.Publish(ctx, "key")
	_ = cb.Publish(ctx, "key")
	now = now.Add(time.Minute + time.Second)
	if err := cb.Publish(ctx, "key"); !errors.Is(err, failErr) {
		t.Fatalf("expected failing trial, got %v", err)
	}
	if err := cb.Publish(ctx, "key"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after failed trial, got %v", err)
	}
}

func TestCircuitBreakerPassthrough(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(fb, 5, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := cb.Subscribe(ctx, UnlockTopic("foo"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, UnlockTopic("foo")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on underlying bus")
	}
	if err := cb.Unsubscribe(ctx, UnlockTopic("foo"), ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
}
