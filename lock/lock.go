// Package lock defines the distributed lock port: per-key advisory leases
// with expiry and ownership-checked release. The engine serializes all
// writes to a workflow instance by holding the instance's lock while
// advancing it.
//
// Callers must treat lease expiry as possible: a critical section longer
// than the lease is not protected, so long-running work should bound its
// duration below the lease or yield.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired indicates the lock was held by another owner for the whole
// acquisition wait.
var ErrNotAcquired = errors.New("lock not acquired")

const (
	// DefaultLease is the lease TTL applied when none is configured.
	DefaultLease = 5 * time.Minute

	// Acquisition backoff bounds: start at BackoffStart, multiply by
	// BackoffFactor per failed attempt, cap at BackoffMax.
	BackoffStart  = 50 * time.Millisecond
	BackoffFactor = 1.5
	BackoffMax    = 500 * time.Millisecond
)

type (
	// Locker acquires per-key leases.
	Locker interface {
		// Acquire attempts to take the lease on key, retrying with bounded
		// backoff until waitTimeout elapses or ctx is cancelled. Returns
		// ErrNotAcquired on timeout.
		Acquire(ctx context.Context, key string, waitTimeout time.Duration) (Handle, error)

		// IsLocked reports whether key currently has an unexpired lease.
		IsLocked(ctx context.Context, key string) (bool, error)
	}

	// Handle is an acquired lease. Release is ownership-checked: it only
	// removes the lease this handle acquired. Releasing after lease expiry
	// (possibly after another owner re-acquired) is a logged no-op, never
	// an error.
	Handle interface {
		// Key returns the locked key.
		Key() string
		// Release frees the lease if still owned by this handle.
		Release(ctx context.Context) error
	}
)

// NextBackoff returns the sleep after the given 0-based failed attempt.
func NextBackoff(attempt int) time.Duration {
	d := float64(BackoffStart)
	for i := 0; i < attempt; i++ {
		d *= BackoffFactor
		if time.Duration(d) >= BackoffMax {
			return BackoffMax
		}
	}
	return time.Duration(d)
}
