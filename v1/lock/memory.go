package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	owner     string
	expiresAt time.Time
}

// InMemory implements Store in local memory. It only coordinates goroutines
// of a single process and is mostly useful for tests and local development.
type InMemory struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]memoryEntry
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithInMemoryClock sets the clock used to expire leases.
func WithInMemoryClock(c Clock) InMemoryOption {
	return func(m *InMemory) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewInMemory returns a new in-memory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{
		clock:   SystemClock{},
		entries: make(map[string]memoryEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// live returns the unexpired entry for name, dropping it when expired.
// The caller must hold m.mu.
func (m *InMemory) live(name string) (memoryEntry, bool) {
	e, ok := m.entries[name]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, name)
		return memoryEntry{}, false
	}
	return e, true
}

// Acquire implements Store.Acquire.
func (m *InMemory) Acquire(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(name); ok {
		return e.owner == owner, nil
	}
	m.entries[name] = memoryEntry{owner: owner, expiresAt: m.clock.Now().Add(hold)}
	return true, nil
}

// CurrentOwner implements Store.CurrentOwner.
func (m *InMemory) CurrentOwner(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.live(name)
	return e.owner, nil
}

// Release implements Store.Release.
func (m *InMemory) Release(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok && e.owner == owner {
		delete(m.entries, name)
	}
	return nil
}

// Refresh implements Refresher.
func (m *InMemory) Refresh(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(name)
	if !ok || e.owner != owner {
		return false, nil
	}
	e.expiresAt = m.clock.Now().Add(hold)
	m.entries[name] = e
	return true, nil
}
