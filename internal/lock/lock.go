// Package lock implements the per-message processing lock: a named marker
// created with an atomic set-if-absent and a TTL, so a crashed holder never
// blocks a message forever.
package lock

import (
	"context"
	"fmt"
	"time"

	"echoattime/internal/store"
)

const (
	DefaultTTL = 10 * time.Second
	lockValue  = "locked"
)

// Manager acquires and releases processing locks. It never waits: failing to
// acquire means another processor owns the message for now.
type Manager struct {
	store store.Store
	ttl   time.Duration
}

func NewManager(s store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: s, ttl: ttl}
}

// TTL returns the expiry applied to new locks.
func (m *Manager) TTL() time.Duration { return m.ttl }

// TryAcquire reports whether this call created the lock for id.
func (m *Manager) TryAcquire(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.SetNX(ctx, store.LockKey(id), lockValue, m.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", id, err)
	}
	return ok, nil
}

// Release deletes the lock unconditionally. Releasing an expired lock is a
// no-op.
func (m *Manager) Release(ctx context.Context, id string) error {
	if err := m.store.Del(ctx, store.LockKey(id)); err != nil {
		return fmt.Errorf("release lock %s: %w", id, err)
	}
	return nil
}
