package extension

import (
	"context"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/pubsub"
	"github.com/toolink/exthost/task"
)

// Topics and kinds of the events published by the runtime.
const (
	TopicRefresh = "extension.refresh"
	TopicConfig  = "extension.config"

	KindRefreshCompleted = "refresh.completed"
	KindRefreshFailed    = "refresh.failed"
	KindConfigChanged    = "config.changed"
)

// RefreshOutcome is the payload of refresh events.
type RefreshOutcome struct {
	Domain   string        `json:"domain"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ConfigChange is the payload of config.changed events.
type ConfigChange struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// startRefresh starts the refresh task. Requires r.mu.
func (r *Runtime) startRefresh(refresher Refresher) {
	interval := refresher.RefreshInterval()
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	name := r.resolver.Name() + ".refresh"
	r.refresh = task.Start(r.lifeCtx, name, func(ctx context.Context) error {
		return r.refreshLoop(ctx, refresher, interval)
	})
	log.Info().Str("extension", r.resolver.Name()).Dur("interval", interval).Msg("refresh task started")
}

// refreshLoop refreshes immediately, then waits interval after the end of
// each cycle. A failed cycle is reported and the loop carries on.
func (r *Runtime) refreshLoop(ctx context.Context, refresher Refresher, interval time.Duration) error {
	for {
		r.refreshOnce(ctx, refresher)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runtime) refreshOnce(ctx context.Context, refresher Refresher) {
	name := r.resolver.Name()
	startTime := time.Now()
	attempts := 0

	retrier := retry.NewRetrier(r.opts.refreshTries, r.opts.refreshInitialDelay, r.opts.refreshMaxDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		attempts++
		if err := refresher.Refresh(ctx); err != nil {
			if ctx.Err() == nil {
				log.Debug().Str("extension", name).Int("attempt", attempts).Err(err).Msg("refresh attempt failed")
			}
			return err
		}
		return nil
	})
	elapsed := time.Since(startTime)

	if ctx.Err() != nil {
		// shutting down, not a failed cycle
		return
	}
	r.opts.metrics.ObserveRefresh(elapsed, err)

	outcome := RefreshOutcome{Domain: r.Domain(), Duration: elapsed}
	if err != nil {
		outcome.Error = err.Error()
		log.Error().Str("extension", name).Int("attempts", attempts).Dur("duration", elapsed).Err(err).Msg("refresh failed, keeping previous snapshot")
		r.publish(ctx, TopicRefresh, KindRefreshFailed, outcome)
		return
	}
	log.Debug().Str("extension", name).Int("attempts", attempts).Dur("duration", elapsed).Msg("refresh completed")
	r.publish(ctx, TopicRefresh, KindRefreshCompleted, outcome)
}

// publish announces an event without waiting for slow observers.
func (r *Runtime) publish(ctx context.Context, topic, kind string, payload any) {
	if r.opts.broker == nil {
		return
	}
	msg := pubsub.NewMessage(kind, r.resolver.Name(), payload)
	if err := r.opts.broker.TryPublish(ctx, topic, msg); err != nil {
		log.Warn().Str("extension", r.resolver.Name()).Str("topic", topic).Str("kind", kind).Err(err).Msg("failed to publish event")
	}
}
