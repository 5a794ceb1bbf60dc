// Package redlock implements a single-instance Redis lease. Replicas of an
// extension serving the same domain use it to elect the one that talks to
// the external data provider.
package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// defaultTTL is the default lease expiry time if not set via WithTTL.
	defaultTTL = 30 * time.Second
	// defaultRetryDelay is the default time to wait between retries in Lock.
	defaultRetryDelay = 100 * time.Millisecond
	// defaultMaxRetries is the default maximum number of retries in Lock.
	// Set to 0 via WithMaxRetries for infinite retries (context permitting).
	defaultMaxRetries = 30
)

var (
	// ErrLockNotAcquired is returned when TryLock fails to acquire the lock immediately.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrNotHeld is returned by Unlock and Extend when this locker does not hold the lock
	// (never acquired, expired, or taken over by another instance).
	ErrNotHeld = errors.New("redlock: lock not held")
	// ErrLockWaitTimeout is returned when Lock fails to acquire the lock within the context deadline.
	ErrLockWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrLockMaxRetriesExceeded is returned when Lock fails after exceeding the maximum retry attempts.
	ErrLockMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
)

// unlockScript deletes the key only if it still holds our value.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript resets the expiry only if the key still holds our value.
// ARGV[2]: ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Locker is a lease on one resource key.
type Locker struct {
	client     redis.Cmdable
	key        string        // The resource key to lock in Redis.
	ttl        time.Duration // Time-to-live for the lock.
	retryDelay time.Duration // Delay between retries for the Lock method.
	maxRetries int           // Max number of retries for Lock (0 means infinite, subject to context).

	mu    sync.Mutex
	value string // unique value of the held lease, "" when not held
}

// Option defines a function type for configuring a Locker.
type Option func(*Locker)

// WithTTL sets the time-to-live for the lock.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the delay between lock acquisition attempts for the Lock method.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *Locker) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

// WithMaxRetries sets the maximum number of retries for the Lock method.
// Set to 0 for infinite retries (limited only by context deadline/cancellation).
func WithMaxRetries(retries int) Option {
	return func(l *Locker) {
		if retries >= 0 {
			l.maxRetries = retries
		}
	}
}

// NewLocker creates a new Locker instance for key.
func NewLocker(client redis.Cmdable, key string, options ...Option) *Locker {
	l := &Locker{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range options {
		opt(l)
	}

	log.Debug().Str("key", key).Dur("ttl", l.ttl).Dur("retry_delay", l.retryDelay).Int("max_retries", l.maxRetries).Msg("new locker created")
	return l
}

// tryLockInternal attempts the core SETNX operation.
// Returns the unique lock value on success, or an error.
func (l *Locker) tryLockInternal(ctx context.Context) (string, error) {
	lockValue := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, lockValue, l.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrLockWaitTimeout
		}
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx command")
		return "", err
	}
	if !ok {
		log.Trace().Str("key", l.key).Msg("trylock attempt failed: lock already held")
		return "", ErrLockNotAcquired
	}
	return lockValue, nil
}

// TryLock attempts to acquire the lock immediately without waiting.
// Returns nil if successful, ErrLockNotAcquired if locked, or other errors.
func (l *Locker) TryLock(ctx context.Context) error {
	lockValue, err := l.tryLockInternal(ctx)
	if err != nil {
		if !errors.Is(err, ErrLockNotAcquired) {
			log.Warn().Err(err).Str("key", l.key).Msg("trylock failed")
		}
		return err
	}

	l.mu.Lock()
	l.value = lockValue
	l.mu.Unlock()
	log.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("trylock acquired successfully")
	return nil
}

// Lock attempts to acquire the lock, waiting and retrying according to configuration.
// It respects the deadline/cancellation of the context AND the maxRetries limit.
func (l *Locker) Lock(ctx context.Context) error {
	err := l.TryLock(ctx)
	if err == nil || !errors.Is(err, ErrLockNotAcquired) {
		return err
	}

	retryCount := 0
	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Str("key", l.key).Int("retries_attempted", retryCount).Msg("context cancelled or deadline exceeded while waiting for lock")
			return ErrLockWaitTimeout

		case <-ticker.C:
			retryCount++
			err := l.TryLock(ctx)
			if err == nil {
				log.Debug().Str("key", l.key).Int("retries_needed", retryCount).Msg("lock acquired after waiting")
				return nil
			}
			if !errors.Is(err, ErrLockNotAcquired) {
				return err
			}
			// maxRetries == 0 means infinite retries (only limited by context)
			if l.maxRetries > 0 && retryCount >= l.maxRetries {
				log.Warn().Str("key", l.key).Int("retries_attempted", retryCount).Msg("maximum lock retries exceeded")
				return ErrLockMaxRetriesExceeded
			}
		}
	}
}

// Extend resets the TTL of a held lock. It fails with ErrNotHeld when the
// lease was lost in the meantime.
func (l *Locker) Extend(ctx context.Context) error {
	l.mu.Lock()
	heldValue := l.value
	l.mu.Unlock()
	if heldValue == "" {
		return ErrNotHeld
	}

	res, err := extendScript.Run(ctx, l.client, []string{l.key}, heldValue, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		l.mu.Lock()
		if l.value == heldValue {
			l.value = ""
		}
		l.mu.Unlock()
		log.Warn().Str("key", l.key).Msg("lease lost before it could be extended")
		return ErrNotHeld
	}
	return nil
}

// Unlock releases the lock if it is still held by this locker.
func (l *Locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	heldValue := l.value
	l.value = ""
	l.mu.Unlock()

	if heldValue == "" {
		return ErrNotHeld
	}

	res, err := unlockScript.Run(ctx, l.client, []string{l.key}, heldValue).Int64()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute unlock script")
		return err
	}
	if res != 1 {
		log.Warn().Str("key", l.key).Msg("unlock failed: lock expired or held by another instance")
		return ErrNotHeld
	}
	log.Debug().Str("key", l.key).Msg("lock unlocked successfully")
	return nil
}

// Held reports whether this locker believes it holds the lock. The lease
// may still have expired on the server; Extend checks for that.
func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value != ""
}

// Key returns the resource key associated with this locker.
func (l *Locker) Key() string {
	return l.key
}

// TTL returns the lease duration.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}
