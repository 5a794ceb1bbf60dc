package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var redisLimiterScript string

var redisScript = redis.NewScript(redisLimiterScript)

// redisStore implements the Store interface using Redis, so every extension
// process sharing the Redis instance draws from the same buckets.
type redisStore struct {
	client redis.Cmdable // Cmdable for compatibility with ClusterClient, SentinelClient, etc.
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis rate limit store.
func NewRedisStore(client redis.Cmdable, prefix string) Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &redisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow implements the Store interface using a Lua script for atomicity.
func (s *redisStore) Allow(ctx context.Context, key string, rate float64, period float64) (bool, error) {
	nowFloat := float64(s.now().UnixNano()) / 1e9

	keys := []string{s.prefix + key}
	args := []any{
		rate,          // ARGV[1]: capacity (burst)
		rate / period, // ARGV[2]: tokens per second
		nowFloat,      // ARGV[3]: current timestamp (float seconds)
		1.0,           // ARGV[4]: tokens to consume
	}

	result, err := redisScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return false, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}

	allowedInt, ok := result.(int64)
	if !ok {
		log.Error().Str("key", key).Interface("result", result).Msg("redis lua script returned unexpected type")
		return false, fmt.Errorf("unexpected result type from redis script for key %s: %T", key, result)
	}

	allowed := allowedInt == 1
	log.Debug().Str("key", key).Bool("allowed", allowed).Msg("redis request checked")
	return allowed, nil
}
