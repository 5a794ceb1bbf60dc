package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store defines the interface for storing and checking rate limit states.
type Store interface {
	// Allow checks if a command identified by key is allowed based on the rate and period duration (token bucket).
	// It must update the internal state atomically.
	// rate: max tokens (burst)
	// period: time in seconds to regenerate 'rate' tokens (determines refill rate)
	// Returns true if allowed, false otherwise.
	Allow(ctx context.Context, key string, rate float64, period float64) (bool, error)
}

// limiterState holds the state for a specific key in the memory store.
type limiterState struct {
	Allowance float64   // current number of tokens
	LastCheck time.Time // timestamp of the last check
}

// NewStore creates the store selected by cfg. client is required for the
// redis storage type.
func NewStore(cfg *Config, client redis.Cmdable) (Store, error) {
	switch cfg.StorageType {
	case StorageMemory, "":
		return NewMemoryStore(), nil
	case StorageRedis:
		if client == nil {
			return nil, fmt.Errorf("storage_type %s requires a redis client", StorageRedis)
		}
		return NewRedisStore(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("invalid storage_type: %s", cfg.StorageType)
	}
}
