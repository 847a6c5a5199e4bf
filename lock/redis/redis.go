// Package redis implements the lock port on Redis. Acquisition is a single
// SET NX PX; release is an atomic Lua compare-and-delete keyed on the
// handle's owner token, so a handle can never free a lease it lost to
// expiry and re-acquisition.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/flowforge/lock"
	"github.com/flowforge/flowforge/telemetry"
)

// DefaultPrefix namespaces all FlowForge keys in Redis.
const DefaultPrefix = "flowforge:"

// releaseScript deletes the lease only when still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type (
	// Locker implements lock.Locker on Redis.
	Locker struct {
		rdb    *redis.Client
		prefix string
		lease  time.Duration
		logger telemetry.Logger
	}

	// Options configures the locker.
	Options struct {
		// Redis is the client to use. Required.
		Redis *redis.Client
		// Prefix namespaces lock keys; DefaultPrefix when empty. Lock keys
		// are stored as "<prefix>lock:<key>".
		Prefix string
		// Lease is the TTL applied to acquired leases. Defaults to
		// lock.DefaultLease.
		Lease time.Duration
		// Logger receives expired-release diagnostics. Noop when nil.
		Logger telemetry.Logger
	}

	handle struct {
		locker *Locker
		key    string
		token  string
	}
)

// New constructs a Redis-backed locker.
func New(opts Options) (*Locker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	l := &Locker{
		rdb:    opts.Redis,
		prefix: opts.Prefix,
		lease:  opts.Lease,
		logger: opts.Logger,
	}
	if l.prefix == "" {
		l.prefix = DefaultPrefix
	}
	if l.lease <= 0 {
		l.lease = lock.DefaultLease
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	return l, nil
}

func (l *Locker) redisKey(key string) string {
	return l.prefix + "lock:" + key
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, waitTimeout time.Duration) (lock.Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(waitTimeout)
	for attempt := 0; ; attempt++ {
		ok, err := l.rdb.SetNX(ctx, l.redisKey(key), token, l.lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
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
func (l *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Key implements lock.Handle.
func (h *handle) Key() string { return h.key }

// Release implements lock.Handle.
func (h *handle) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, h.locker.rdb, []string{h.locker.redisKey(h.key)}, h.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if deleted == 0 {
		h.locker.logger.Warn(ctx, "lock release after lease expiry", "key", h.key)
	}
	return nil
}
