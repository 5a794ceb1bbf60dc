package extension

import (
	"time"

	"github.com/toolink/exthost/limiter"
	"github.com/toolink/exthost/metrics"
	"github.com/toolink/exthost/pubsub"
)

// Defaults applied by New.
const (
	DefaultInitTimeout     = 10 * time.Second
	DefaultExecuteTimeout  = 5 * time.Second
	DefaultRefreshInterval = 5 * time.Minute
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	broker  *pubsub.Broker
	limiter *limiter.RateLimiter
	metrics *metrics.Metrics

	initTimeout    time.Duration
	executeTimeout time.Duration

	refreshTries        int
	refreshInitialDelay time.Duration
	refreshMaxDelay     time.Duration
}

func defaultOptions() options {
	return options{
		initTimeout:         DefaultInitTimeout,
		executeTimeout:      DefaultExecuteTimeout,
		refreshTries:        3,
		refreshInitialDelay: time.Second,
		refreshMaxDelay:     30 * time.Second,
	}
}

// WithBroker publishes runtime events (refresh cycles, configuration
// changes) on b.
func WithBroker(b *pubsub.Broker) Option {
	return func(o *options) {
		o.broker = b
	}
}

// WithLimiter rate limits incoming commands.
func WithLimiter(l *limiter.RateLimiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithMetrics records dispatch, host and refresh metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithInitTimeout bounds the resolver's Init.
func WithInitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.initTimeout = d
		}
	}
}

// WithExecuteTimeout bounds every outbound Execute round trip.
func WithExecuteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.executeTimeout = d
		}
	}
}

// WithRefreshRetry configures the retries of one refresh cycle: at most
// tries attempts with exponential backoff between initialDelay and maxDelay.
func WithRefreshRetry(tries int, initialDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		if tries > 0 {
			o.refreshTries = tries
		}
		if initialDelay > 0 {
			o.refreshInitialDelay = initialDelay
		}
		if maxDelay > 0 {
			o.refreshMaxDelay = maxDelay
		}
	}
}
