// Package config loads the process configuration of an extension binary
// from YAML, with a few environment overrides for container deployments.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolink/exthost/limiter"
	"github.com/toolink/exthost/logging"
	"github.com/toolink/exthost/redlb"
)

// Environment overrides.
const (
	EnvListen    = "EXTHOST_LISTEN"
	EnvHostAddr  = "EXTHOST_HOST_ADDR"
	EnvRedisAddr = "EXTHOST_REDIS_ADDR"
	EnvRedisDB   = "EXTHOST_REDIS_DB"
	EnvMetrics   = "EXTHOST_METRICS_ADDR"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the process configuration.
type Config struct {
	// Listen is the address of the extension's gRPC server.
	Listen string `yaml:"listen"`
	// Advertise is the address announced in the registry, Listen if empty.
	Advertise string `yaml:"advertise"`

	Host        HostConfig      `yaml:"host"`
	Redis       RedisConfig     `yaml:"redis"`
	Log         logging.Config  `yaml:"log"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Registry    RegistryConfig  `yaml:"registry"`
	Refresh     RefreshConfig   `yaml:"refresh"`
	Limiter     *limiter.Config `yaml:"limiter"`
}

// HostConfig describes the connection to the host engine.
type HostConfig struct {
	// Address is a host:port or a gRPC target such as "redlb:///host".
	Address        string        `yaml:"address"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
}

// RedisConfig enables the Redis backed components when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// RegistryConfig controls the redlb announcement of the extension.
type RegistryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RefreshConfig is the retry policy of one refresh cycle.
type RefreshConfig struct {
	Tries        int           `yaml:"tries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// Shared lets replicas of one domain share a single fetch per interval
	// through Redis.
	Shared bool `yaml:"shared"`
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Listen: ":50051",
		Host: HostConfig{
			Address:        "localhost:50050",
			InitTimeout:    10 * time.Second,
			ExecuteTimeout: 5 * time.Second,
		},
		Log: logging.DefaultConfig(),
		Registry: RegistryConfig{
			KeyPrefix: redlb.DefaultKeyPrefix,
			TTL:       redlb.DefaultTTL,
		},
		Refresh: RefreshConfig{
			Tries:        3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load for in-memory YAML without environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvHostAddr); v != "" {
		c.Host.Address = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, EnvRedisDB, v)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv(EnvMetrics); v != "" {
		c.MetricsAddr = v
	}
	return nil
}

// Validate checks the configuration and prepares the limiter rules.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if strings.TrimSpace(c.Host.Address) == "" {
		errs = append(errs, errors.New("host.address must not be empty"))
	}
	if c.Host.InitTimeout <= 0 || c.Host.ExecuteTimeout <= 0 {
		errs = append(errs, errors.New("host timeouts must be positive"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis.db must not be negative"))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.Refresh.Tries < 1 {
		errs = append(errs, errors.New("refresh.tries must be at least 1"))
	}
	if c.Refresh.InitialDelay < 0 || c.Refresh.MaxDelay < c.Refresh.InitialDelay {
		errs = append(errs, errors.New("refresh delays must satisfy 0 <= initial_delay <= max_delay"))
	}
	if c.Registry.Enabled && !c.Redis.Enabled() {
		errs = append(errs, errors.New("registry requires redis.addr"))
	}
	if c.Refresh.Shared && !c.Redis.Enabled() {
		errs = append(errs, errors.New("refresh.shared requires redis.addr"))
	}
	if strings.HasPrefix(c.Host.Address, redlb.Scheme+":") && !c.Redis.Enabled() {
		errs = append(errs, errors.New("a redlb host address requires redis.addr"))
	}
	if c.Limiter != nil {
		if err := c.Limiter.ValidateAndPrepare(); err != nil {
			errs = append(errs, fmt.Errorf("limiter: %w", err))
		} else if c.Limiter.StorageType == limiter.StorageRedis && !c.Redis.Enabled() {
			errs = append(errs, errors.New("limiter storage redis requires redis.addr"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// AdvertiseAddr returns the address announced to the registry.
func (c *Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}
