package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

func newNATSBucket(t *testing.T) (nats.KeyValue, *nats.Conn) {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
	})
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: "latch_locks"})
	if err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return kv, nc
}

func newNATSHarness(t *testing.T) storeHarness {
	kv, _ := newNATSBucket(t)
	clock := newFakeClock()
	return storeHarness{store: NewNATS(kv, WithNATSClock(clock.Now)), advance: clock.Advance}
}

func TestNATSAcceptsAnyLockName(t *testing.T) {
	kv, _ := newNATSBucket(t)
	s := NewNATS(kv)
	ctx := context.Background()

	for _, name := range []string{"orders:42", "a.b.>", "spaces and * stars", "ünïcode"} {
		if ok, err := s.Acquire(ctx, name, "a", time.Minute); err != nil || !ok {
			t.Fatalf("acquire %q: ok %v err %v", name, ok, err)
		}
		if owner, err := s.CurrentOwner(ctx, name); err != nil || owner != "a" {
			t.Fatalf("owner of %q: %q err %v", name, owner, err)
		}
	}
}

func TestNATSReleaseDeletesEntry(t *testing.T) {
	kv, _ := newNATSBucket(t)
	s := NewNATS(kv)
	ctx := context.Background()

	if ok, err := s.Acquire(ctx, "k", "a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if err := s.Release(ctx, "k", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := kv.Get(natsKey("k")); !errors.Is(err, nats.ErrKeyNotFound) {
		t.Fatalf("expected entry to be deleted, got %v", err)
	}
	// Create must work on top of the delete marker.
	if ok, err := s.Acquire(ctx, "k", "b", time.Minute); err != nil || !ok {
		t.Fatalf("acquire after release: ok %v err %v", ok, err)
	}
}

func TestNATSClosedConnectionIsUnavailable(t *testing.T) {
	kv, nc := newNATSBucket(t)
	s := NewNATS(kv)
	nc.Close()

	_, err := s.Acquire(context.Background(), "k", "a", time.Minute)
	if !errors.Is(err, latcherrors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
