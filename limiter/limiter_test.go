package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/exthost/meta"
)

func userCtx(user string) context.Context {
	md := meta.FromMap(map[string]any{meta.KeyUser: user, meta.KeyDomain: "Plant1"})
	return md.WithContext(context.Background())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "defaults storage",
			cfg:  Config{Rules: []Rule{{Symbol: "RandomValue", Rate: 1, Period: 1}}},
		},
		{
			name:    "bad storage",
			cfg:     Config{StorageType: "disk"},
			wantErr: "invalid storage_type",
		},
		{
			name:    "duplicate symbol",
			cfg:     Config{Rules: []Rule{{Symbol: "a", Rate: 1, Period: 1}, {Symbol: "a", Rate: 1, Period: 1}}},
			wantErr: "duplicate symbol",
		},
		{
			name:    "zero rate",
			cfg:     Config{Rules: []Rule{{Symbol: "a", Period: 1}}},
			wantErr: "invalid rate",
		},
		{
			name:    "bad regex",
			cfg:     Config{Rules: []Rule{{Symbol: "(", IsRegex: true, Rate: 1, Period: 1}}},
			wantErr: "failed to compile regex",
		},
		{
			name:    "bad limit_by",
			cfg:     Config{Rules: []Rule{{Symbol: "a", Rate: 1, Period: 1, LimitBy: []string{"device"}}}},
			wantErr: "invalid limit_by",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateAndPrepare()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, StorageMemory, tt.cfg.StorageType)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMemoryStoreRefills(t *testing.T) {
	now := time.Unix(1000, 0)
	s := &memoryStore{now: func() time.Time { return now }, state: map[string]limiterState{}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "k", 2, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := s.Allow(ctx, "k", 2, 1)
	assert.False(t, ok, "burst exhausted")

	now = now.Add(500 * time.Millisecond)
	ok, _ = s.Allow(ctx, "k", 2, 1)
	assert.True(t, ok, "one token refilled")
}

func TestLimitPerUser(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Symbol: "Random.*", IsRegex: true, Rate: 1, Period: 60, LimitBy: []string{LimitByUser}}}}
	require.NoError(t, cfg.ValidateAndPrepare())
	rl := NewRateLimiter(cfg, NewMemoryStore())

	assert.False(t, rl.Limit(userCtx("alice"), "RandomValue"))
	assert.True(t, rl.Limit(userCtx("alice"), "RandomValue"))
	assert.False(t, rl.Limit(userCtx("bob"), "RandomValue"), "buckets are per user")
	assert.False(t, rl.Limit(userCtx("alice"), "MaxRandomFromConfig"), "no matching rule")
	// no user in the request, nothing to key the bucket by
	assert.False(t, rl.Limit(context.Background(), "RandomValue"))
	assert.False(t, rl.Limit(context.Background(), "RandomValue"))
}

func TestLimitWithoutLimitByIsGlobal(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Symbol: "LastRefresh", Rate: 1, Period: 60}}}
	require.NoError(t, cfg.ValidateAndPrepare())
	rl := NewRateLimiter(cfg, NewMemoryStore())

	assert.False(t, rl.Limit(userCtx("alice"), "LastRefresh"))
	assert.True(t, rl.Limit(userCtx("bob"), "LastRefresh"))
}

func TestNilLimiterAllows(t *testing.T) {
	var rl *RateLimiter
	assert.False(t, rl.Limit(context.Background(), "anything"))
}

func TestCustomExtractor(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Symbol: "RandomValue", Rate: 1, Period: 60, LimitBy: []string{LimitByUser}}}}
	require.NoError(t, cfg.ValidateAndPrepare())
	rl := NewRateLimiter(cfg, NewMemoryStore())
	rl.SetExtractor(func(context.Context, string) string { return "shared" })

	assert.False(t, rl.Limit(userCtx("alice"), "RandomValue"))
	assert.True(t, rl.Limit(userCtx("bob"), "RandomValue"), "one bucket for every caller")

	rl.SetExtractor(nil)
	assert.False(t, rl.Limit(userCtx("alice"), "RandomValue"))
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, float64, float64) (bool, error) {
	return false, assert.AnError
}

func TestStoreFailureLetsCommandsThrough(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Symbol: "RandomValue", Rate: 1, Period: 1}}}
	require.NoError(t, cfg.ValidateAndPrepare())
	rl := NewRateLimiter(cfg, failingStore{})
	assert.False(t, rl.Limit(context.Background(), "RandomValue"))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := &Config{StorageType: StorageRedis, KeyPrefix: "test:rl:"}
	require.NoError(t, cfg.ValidateAndPrepare())
	store, err := NewStore(cfg, client)
	require.NoError(t, err)

	now := time.Unix(2000, 0)
	store.(*redisStore).now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.Allow(ctx, "k", 3, 3)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := store.Allow(ctx, "k", 3, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Second)
	ok, err = store.Allow(ctx, "k", 3, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("test:rl:k"))
}

func TestNewStoreRequiresClientForRedis(t *testing.T) {
	_, err := NewStore(&Config{StorageType: StorageRedis}, nil)
	assert.Error(t, err)
}
