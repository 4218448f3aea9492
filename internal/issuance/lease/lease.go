// Package lease provides per-key mutual exclusion with expiry, so at most one
// worker executes a given deposit at a time and a crashed worker's claim lapses.
package lease

import (
	"context"
	"sync"
	"time"

	"tokenfund/pkg/platform/sentinel"
)

// Lease is a keyed, owner-checked lock with a TTL.
//
// Acquire succeeds iff the key is free, expired, or already owned by owner.
// Extend succeeds iff owner holds an unexpired lease. Release is a no-op for
// non-owners.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error
	Extend(ctx context.Context, key, owner string, ttl time.Duration) error
	Release(ctx context.Context, key, owner string) error
}

type entry struct {
	owner   string
	expires time.Time
}

// Memory is a process-local Lease.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{entries: make(map[string]entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && e.owner != owner && now.Before(e.expires) {
		return sentinel.ErrLeaseHeld
	}
	m.entries[key] = entry{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) Extend(_ context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || e.owner != owner || !now.Before(e.expires) {
		return sentinel.ErrLeaseLost
	}
	m.entries[key] = entry{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.owner == owner {
		delete(m.entries, key)
	}
	return nil
}
