package redlb

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults
const (
	DefaultKeyPrefix        = "redlb:svc"
	DefaultTTL              = 30 * time.Second
	DefaultWatchInterval    = 15 * time.Second
	DefaultHeartbeatDivisor = 3
)

type options struct {
	keyPrefix         string
	ttl               time.Duration
	heartbeatInterval time.Duration
	watchInterval     time.Duration
}

// Option configures a RedisRegistry.
type Option func(*options)

func newOptions(opts ...Option) options {
	o := options{
		keyPrefix:     DefaultKeyPrefix,
		ttl:           DefaultTTL,
		watchInterval: DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.heartbeatInterval <= 0 || o.heartbeatInterval >= o.ttl {
		configured := o.heartbeatInterval
		o.heartbeatInterval = o.ttl / DefaultHeartbeatDivisor
		if o.heartbeatInterval <= 0 {
			o.heartbeatInterval = time.Second
		}
		if configured > 0 {
			log.Warn().
				Dur("configured_heartbeat", configured).
				Dur("ttl", o.ttl).
				Dur("adjusted_heartbeat", o.heartbeatInterval).
				Msg("heartbeat interval was >= ttl, adjusted")
		}
	}
	return o
}

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithTTL sets how long an instance survives without heartbeat.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		} else {
			log.Warn().Dur("invalid_ttl", ttl).Msg("ignoring non-positive ttl option")
		}
	}
}

// WithHeartbeatInterval sets how often registered instances renew their TTL.
// Defaults to a third of the TTL.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = interval
	}
}

// WithWatchInterval sets the polling interval of Watch.
func WithWatchInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.watchInterval = interval
		} else {
			log.Warn().Dur("invalid_watch_interval", interval).Msg("ignoring non-positive watch interval option")
		}
	}
}
