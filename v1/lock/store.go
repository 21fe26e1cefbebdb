package lock

import (
	"context"
	"time"
)

// Store is the contract a shared backend has to satisfy to hold locks.
//
// Acquire and Release must be atomic on the backend: correctness of the
// lock rests entirely on them.
type Store interface {
	// Acquire records owner as the holder of name with a lease of hold,
	// provided the entry is absent or expired. It reports whether owner
	// holds the lock afterwards, which is also true when owner already held it.
	Acquire(ctx context.Context, name, owner string, hold time.Duration) (bool, error)
	// CurrentOwner returns the owner recorded for name, or "" when there is
	// no live entry.
	CurrentOwner(ctx context.Context, name string) (string, error)
	// Release deletes the entry for name only if it is recorded for owner.
	Release(ctx context.Context, name, owner string) error
}

// Refresher is implemented by stores that can extend a lease in place.
type Refresher interface {
	// Refresh re-arms the lease of name to hold if owner still holds it.
	Refresh(ctx context.Context, name, owner string, hold time.Duration) (bool, error)
}
