// Package inmem implements the lock port in process memory for tests and
// single-node development. Semantics match the Redis implementation: leases
// expire, release is ownership-checked, acquisition retries with bounded
// backoff.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/lock"
)

type (
	// Locker implements lock.Locker in memory.
	Locker struct {
		mu     sync.Mutex
		leases map[string]lease
		lease  time.Duration
	}

	lease struct {
		token   string
		expires time.Time
	}

	handle struct {
		locker *Locker
		key    string
		token  string
	}
)

// New constructs an in-memory locker. A non-positive leaseTTL uses
// lock.DefaultLease.
func New(leaseTTL time.Duration) *Locker {
	if leaseTTL <= 0 {
		leaseTTL = lock.DefaultLease
	}
	return &Locker{leases: make(map[string]lease), lease: leaseTTL}
}

func (l *Locker) tryAcquire(key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && time.Now().Before(cur.expires) {
		return false
	}
	l.leases[key] = lease{token: token, expires: time.Now().Add(l.lease)}
	return true
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, waitTimeout time.Duration) (lock.Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(waitTimeout)
	for attempt := 0; ; attempt++ {
		if l.tryAcquire(key, token) {
			return &handle{locker: l, key: key, token: token}, nil
		}
		backoff := lock.NextBackoff(attempt)
		if remaining := time.Until(deadline); remaining <= 0 {
			return nil, lock.ErrNotAcquired
		} else if backoff > remaining {
			backoff = remaining
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// IsLocked implements lock.Locker.
func (l *Locker) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	return ok && time.Now().Before(cur.expires), nil
}

// Key implements lock.Handle.
func (h *handle) Key() string { return h.key }

// Release implements lock.Handle.
func (h *handle) Release(context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if cur, ok := h.locker.leases[h.key]; ok && cur.token == h.token {
		delete(h.locker.leases, h.key)
	}
	return nil
}
