package lock

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// natsRecord is the value stored for a held lock. JetStream key-value
// buckets only expire whole buckets, so the lease is kept in the record.
type natsRecord struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"` // UnixMilli
}

// NATS implements Store on a JetStream key-value bucket. Writes are guarded
// by the revision of the entry they replace, which makes acquiring an
// expired lock and releasing an owned one atomic.
//
// Lease expiry compares wall clocks of the participating hosts, so they
// should be kept in sync.
type NATS struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NATSOption configures a NATS store.
type NATSOption func(*NATS)

// WithNATSClock sets the wall clock used to stamp and check leases.
func WithNATSClock(now func() time.Time) NATSOption {
	return func(n *NATS) {
		if now != nil {
			n.now = now
		}
	}
}

// NewNATS returns a new store on the provided bucket.
func NewNATS(kv nats.KeyValue, opts ...NATSOption) *NATS {
	n := &NATS{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// natsKey encodes name into the restricted key alphabet of the bucket.
func natsKey(name string) string {
	return hex.EncodeToString([]byte(name))
}

func natsErr(op string, err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = fmt.Errorf("%w: %w", latcherrors.ErrConnectionClosed, err)
	}
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", latcherrors.ErrTimeout, err)
	}
	return latcherrors.Backend("nats", op, err)
}

// natsConflict reports whether a write lost against a concurrent one.
func natsConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (n *NATS) read(key string) (natsRecord, uint64, bool, error) {
	entry, err := n.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return natsRecord{}, 0, false, nil
	}
	if err != nil {
		return natsRecord{}, 0, false, err
	}
	var rec natsRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return natsRecord{}, 0, false, fmt.Errorf("decode lock record: %w", err)
	}
	return rec, entry.Revision(), true, nil
}

func (n *NATS) expired(rec natsRecord) bool {
	return n.now().UnixMilli() >= rec.ExpiresAt
}

func (n *NATS) record(owner string, hold time.Duration) ([]byte, error) {
	return json.Marshal(natsRecord{Owner: owner, ExpiresAt: n.now().Add(hold).UnixMilli()})
}

// Acquire implements Store.Acquire.
func (n *NATS) Acquire(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := natsKey(name)
	data, err := n.record(owner, hold)
	if err != nil {
		return false, err
	}
	_, err = n.kv.Create(key, data)
	if err == nil {
		return true, nil
	}
	if !natsConflict(err) {
		return false, natsErr("acquire", err)
	}

	rec, rev, ok, err := n.read(key)
	if err != nil {
		return false, natsErr("acquire", err)
	}
	if !ok {
		// Released between our create and read; the caller may retry.
		return false, nil
	}
	if !n.expired(rec) {
		return rec.Owner == owner, nil
	}
	if _, err := n.kv.Update(key, data, rev); err != nil {
		if natsConflict(err) {
			return false, nil
		}
		return false, natsErr("acquire", err)
	}
	return true, nil
}

// CurrentOwner implements Store.CurrentOwner.
func (n *NATS) CurrentOwner(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec, _, ok, err := n.read(natsKey(name))
	if err != nil {
		return "", natsErr("current owner", err)
	}
	if !ok || n.expired(rec) {
		return "", nil
	}
	return rec.Owner, nil
}

// Release implements Store.Release.
func (n *NATS) Release(ctx context.Context, name, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := natsKey(name)
	rec, rev, ok, err := n.read(key)
	if err != nil {
		return natsErr("release", err)
	}
	if !ok || rec.Owner != owner {
		return nil
	}
	if err := n.kv.Delete(key, nats.LastRevision(rev)); err != nil {
		if natsConflict(err) {
			return nil
		}
		return natsErr("release", err)
	}
	return nil
}

// Refresh implements Refresher.
func (n *NATS) Refresh(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := natsKey(name)
	rec, rev, ok, err := n.read(key)
	if err != nil {
		return false, natsErr("refresh", err)
	}
	if !ok || rec.Owner != owner || n.expired(rec) {
		return false, nil
	}
	data, err := n.record(owner, hold)
	if err != nil {
		return false, err
	}
	if _, err := n.kv.Update(key, data, rev); err != nil {
		if natsConflict(err) {
			return false, nil
		}
		return false, natsErr("refresh", err)
	}
	return true, nil
}
