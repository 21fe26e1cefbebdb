package lock

import (
	"context"
	"sync"
	"time"
)

// Lease keeps a held lock alive by refreshing it at half its hold duration
// until stopped or until the lock is lost.
type Lease struct {
	lock *Lock
	stop chan struct{}
	lost chan struct{}
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// KeepAlive starts refreshing l in the background. The store must implement
// Refresher. The lease ends when ctx is done, Stop is called, or a refresh
// finds the lock no longer owned or fails, which closes Lost. Ending through
// ctx never closes Lost.
func KeepAlive(ctx context.Context, l *Lock) (*Lease, error) {
	if _, ok := l.store.(Refresher); !ok {
		return nil, ErrRefreshUnsupported
	}
	ls := &Lease{
		lock: l,
		stop: make(chan struct{}),
		lost: make(chan struct{}),
		done: make(chan struct{}),
	}
	interval := l.hold / 2
	if interval <= 0 {
		interval = l.hold
	}
	go ls.loop(ctx, interval)
	return ls, nil
}

func (ls *Lease) loop(ctx context.Context, interval time.Duration) {
	defer close(ls.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ok, err := ls.lock.Refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				ls.mu.Lock()
				ls.err = err
				ls.mu.Unlock()
				close(ls.lost)
				return
			}
		case <-ls.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Lost is closed when a refresh could not extend the lease.
func (ls *Lease) Lost() <-chan struct{} { return ls.lost }

// Err returns the store error that ended the lease, if any. It is nil when
// the lease ended because the lock was taken over or expired.
func (ls *Lease) Err() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.err
}

// Stop ends the refreshing and waits for it to return. The lock itself is
// left held.
func (ls *Lease) Stop() {
	ls.once.Do(func() { close(ls.stop) })
	<-ls.done
}
