package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/exthost/limiter"
)

const sample = `
listen: ":7001"
advertise: "10.0.0.5:7001"
host:
  address: "redlb:///host"
  execute_timeout: 2s
redis:
  addr: "localhost:6379"
  db: 2
log:
  level: debug
  format: json
metrics_addr: ":9100"
registry:
  enabled: true
  ttl: 20s
refresh:
  tries: 5
  initial_delay: 500ms
  max_delay: 10s
  shared: true
limiter:
  storage_type: redis
  rules:
    - symbol: RandomValue
      rate: 10
      period: 1
      limit_by: [user]
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvListen, EnvHostAddr, EnvRedisAddr, EnvRedisDB, EnvMetrics} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exthost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Listen)
	assert.Equal(t, "10.0.0.5:7001", cfg.AdvertiseAddr())
	assert.Equal(t, "redlb:///host", cfg.Host.Address)
	assert.Equal(t, 2*time.Second, cfg.Host.ExecuteTimeout)
	assert.Equal(t, 10*time.Second, cfg.Host.InitTimeout, "default kept")
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 20*time.Second, cfg.Registry.TTL)
	assert.Equal(t, "redlb:svc", cfg.Registry.KeyPrefix)
	assert.Equal(t, 5, cfg.Refresh.Tries)
	assert.Equal(t, 500*time.Millisecond, cfg.Refresh.InitialDelay)
	assert.True(t, cfg.Refresh.Shared)

	require.NotNil(t, cfg.Limiter)
	assert.Equal(t, limiter.StorageRedis, cfg.Limiter.StorageType)
	require.Len(t, cfg.Limiter.Rules, 1)
	assert.Equal(t, []string{"user"}, cfg.Limiter.Rules[0].LimitBy)
}

func TestDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":50051", cfg.Listen)
	assert.Equal(t, ":50051", cfg.AdvertiseAddr())
	assert.Equal(t, "localhost:50050", cfg.Host.Address)
	assert.False(t, cfg.Redis.Enabled())
	assert.Nil(t, cfg.Limiter)
	assert.Equal(t, 3, cfg.Refresh.Tries)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvListen, ":8000")
	t.Setenv(EnvHostAddr, "engine:50050")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvRedisDB, "4")
	t.Setenv(EnvMetrics, ":9200")

	cfg, err := Load(writeFile(t, "listen: \":7001\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, "engine:50050", cfg.Host.Address)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Equal(t, ":9200", cfg.MetricsAddr)

	t.Setenv(EnvRedisDB, "four")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidation(t *testing.T) {
	tests := map[string]string{
		"unknown field":     "listn: \":1\"\n",
		"registry no redis": "registry:\n  enabled: true\n",
		"shared no redis":   "refresh:\n  shared: true\n",
		"redlb no redis":    "host:\n  address: redlb:///host\n",
		"limiter no redis":  "limiter:\n  storage_type: redis\n  rules:\n    - {symbol: a, rate: 1, period: 1}\n",
		"bad limiter rule":  "limiter:\n  rules:\n    - {symbol: a, rate: 0, period: 1}\n",
		"bad log level":     "log:\n  level: loud\n",
		"zero tries":        "refresh:\n  tries: 0\n",
		"delays":            "refresh:\n  initial_delay: 10s\n  max_delay: 1s\n",
		"empty host":        "host:\n  address: \"\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			require.Error(t, err)
			if name != "unknown field" {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}
