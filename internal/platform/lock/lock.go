// Package lock provides per-key mutual exclusion for state transitions.
//
// Two implementations share the Locker contract: Sharded serializes within a
// single process, Redis serializes across replicas with redsync. Critical
// sections must be short and must not nest: a holder never acquires a second
// key, so sharing a shard between unrelated keys cannot deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	dErrors "fiscalbridge/pkg/domain-errors"
	"fiscalbridge/pkg/platform/sentinel"
)

// Locker runs fn while holding exclusivity over key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// numShards spreads keys over independent mutexes to keep contention low.
const numShards = 128

// defaultTimeout bounds how long a caller waits for and holds a shard.
const defaultTimeout = 5 * time.Second

// Sharded is an in-process Locker using FNV-1a hashed sharded mutexes.
type Sharded struct {
	shards  [numShards]sync.Mutex
	timeout time.Duration
}

// NewSharded builds an in-process locker. A zero timeout uses the default.
func NewSharded(timeout time.Duration) *Sharded {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sharded{timeout: timeout}
}

func (s *Sharded) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "lock aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	shard := &s.shards[hashKey(key)%numShards]
	shard.Lock()
	defer shard.Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "lock aborted: context cancelled")
	}
	return fn(ctx)
}

// hashKey uses FNV-1a for better distribution than simple multiply-add.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}

// RedisOptions tunes the distributed lock.
type RedisOptions struct {
	// Expiry auto-releases a lock whose holder crashed.
	Expiry time.Duration
	// Tries and RetryDelay bound how long a caller waits for a held key.
	Tries      int
	RetryDelay time.Duration
	Prefix     string
}

// DefaultRedisOptions suits short transition critical sections.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:     30 * time.Second,
		Tries:      40,
		RetryDelay: 50 * time.Millisecond,
		Prefix:     "fiscalbridge:lock:",
	}
}

// Redis is a distributed Locker built on redsync.
type Redis struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

func NewRedis(client goredislib.UniversalClient, opts RedisOptions) *Redis {
	def := DefaultRedisOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	return &Redis{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

// WithLock returns sentinel.ErrLocked when the key stays held past all retries.
func (r *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	mutex := r.rs.NewMutex(r.opts.Prefix+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return dErrors.Wrap(ctxErr, dErrors.CodeTimeout, "lock aborted: context cancelled")
		}
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return fmt.Errorf("acquire %s: %w", key, sentinel.ErrLocked)
		}
		return fmt.Errorf("acquire %s: %w", key, errors.Join(sentinel.ErrUnavailable, err))
	}
	defer func() {
		// Release with a fresh context so a cancelled caller does not strand the key until expiry.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(unlockCtx)
	}()
	return fn(ctx)
}
