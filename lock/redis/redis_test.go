package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/lock"
)

func testLocker(t *testing.T, lease time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := New(Options{Redis: client, Lease: lease})
	require.NoError(t, err)
	return l, srv
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestAcquireRelease(t *testing.T) {
	l, _ := testLocker(t, time.Minute)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "instance:abc", time.Second)
	require.NoError(t, err)
	require.Equal(t, "instance:abc", h.Key())

	locked, err := l.IsLocked(ctx, "instance:abc")
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, h.Release(ctx))
	locked, err = l.IsLocked(ctx, "instance:abc")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestAcquireMutualExclusion(t *testing.T) {
	l, _ := testLocker(t, time.Minute)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", 120*time.Millisecond)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	require.NoError(t, h.Release(ctx))
	h2, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestReleaseAfterExpiryIsNoop(t *testing.T) {
	l, srv := testLocker(t, 50*time.Millisecond)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	srv.FastForward(100 * time.Millisecond)

	// Another owner takes the lease after expiry.
	h2, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// The stale handle must not free the new owner's lease.
	require.NoError(t, h.Release(ctx))
	locked, err := l.IsLocked(ctx, "k")
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, h2.Release(ctx))
}

func TestAcquireHonorsContext(t *testing.T) {
	l, _ := testLocker(t, time.Minute)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	defer func() { _ = h.Release(ctx) }()

	cctx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(cctx, "k", 10*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
