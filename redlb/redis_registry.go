package redlb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/task"
)

var (
	// ErrInvalidInstance is returned by Register for instances without
	// service name or address.
	ErrInvalidInstance = errors.New("redlb: instance service and address are required")
	// ErrRegistryClosed is returned by Register after Close.
	ErrRegistryClosed = errors.New("redlb: registry closed")
)

// RedisRegistry implements Registry on plain Redis keys.
type RedisRegistry struct {
	opts   options
	client redis.Cmdable

	mu         sync.Mutex
	heartbeats map[string]*task.Task // instance key -> heartbeat
	closed     bool
}

// NewRedisRegistry checks connectivity and returns a registry.
func NewRedisRegistry(ctx context.Context, client redis.Cmdable, opts ...Option) (*RedisRegistry, error) {
	if client == nil {
		return nil, errors.New("redlb: redis client is required")
	}
	o := newOptions(opts...)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Error().Err(err).Msg("failed to connect to redis")
		return nil, fmt.Errorf("redlb: connect to redis: %w", err)
	}

	log.Info().
		Str("prefix", o.keyPrefix).
		Dur("ttl", o.ttl).
		Dur("heartbeat", o.heartbeatInterval).
		Dur("watch_interval", o.watchInterval).
		Msg("redis registry initialized")

	return &RedisRegistry{
		opts:       o,
		client:     client,
		heartbeats: make(map[string]*task.Task),
	}, nil
}

// InstanceKey returns the Redis key of an instance.
func (r *RedisRegistry) InstanceKey(in *Instance) string {
	return fmt.Sprintf("%s:%s:%s", r.opts.keyPrefix, in.Service, in.ID)
}

func (r *RedisRegistry) servicePattern(service string) string {
	return fmt.Sprintf("%s:%s:*", r.opts.keyPrefix, service)
}

// Register stores the instance and starts its heartbeat. Registering the
// same instance again replaces the previous heartbeat.
func (r *RedisRegistry) Register(ctx context.Context, in *Instance) error {
	if in.Service == "" || in.Address == "" {
		return ErrInvalidInstance
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
		log.Debug().Str("service", in.Service).Str("generated_id", in.ID).Msg("generated instance id")
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("redlb: marshal instance: %w", err)
	}
	key := r.InstanceKey(in)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	if err := r.client.Set(ctx, key, payload, r.opts.ttl).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to set instance key in redis")
		return fmt.Errorf("redlb: register %s: %w", in, err)
	}

	if old, ok := r.heartbeats[key]; ok {
		log.Warn().Str("key", key).Msg("stopping existing heartbeat for re-registration")
		old.Cancel()
	}
	r.heartbeats[key] = task.Start(context.Background(), "redlb-heartbeat:"+key, func(ctx context.Context) error {
		r.keepAlive(ctx, key, payload)
		return ctx.Err()
	})

	log.Info().Stringer("instance", in).Dur("ttl", r.opts.ttl).Msg("instance registered")
	return nil
}

// keepAlive renews the TTL every heartbeat interval and recreates the key if
// it expired in the meantime, for example after a Redis restart.
func (r *RedisRegistry) keepAlive(ctx context.Context, key string, payload []byte) {
	ticker := time.NewTicker(r.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("key", key).Msg("heartbeat stopped")
			return
		case <-ticker.C:
			renewed, err := r.client.Expire(ctx, key, r.opts.ttl).Result()
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("key", key).Msg("heartbeat failed to renew ttl")
				}
				continue
			}
			if renewed {
				log.Trace().Str("key", key).Msg("heartbeat ttl renewed")
				continue
			}
			log.Warn().Str("key", key).Msg("instance key not found during heartbeat, re-registering")
			if err := r.client.Set(ctx, key, payload, r.opts.ttl).Err(); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("key", key).Msg("failed to re-register expired instance")
			}
		}
	}
}

// Deregister stops the heartbeat and deletes the key.
func (r *RedisRegistry) Deregister(ctx context.Context, in *Instance) error {
	key := r.InstanceKey(in)

	r.mu.Lock()
	hb, ok := r.heartbeats[key]
	delete(r.heartbeats, key)
	r.mu.Unlock()

	if ok {
		if err := hb.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("heartbeat did not stop cleanly")
		}
	}

	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redlb: deregister %s: %w", in, err)
	}
	if n > 0 {
		log.Info().Stringer("instance", in).Msg("instance deregistered")
	} else {
		log.Debug().Stringer("instance", in).Msg("instance already gone")
	}
	return nil
}

// Discover scans the service's keys and loads them with MGET. Entries that
// expire between the two calls or do not decode are skipped.
func (r *RedisRegistry) Discover(ctx context.Context, service string) ([]*Instance, error) {
	keys, err := r.scanKeys(ctx, r.servicePattern(service))
	if err != nil {
		return nil, fmt.Errorf("redlb: scan %s: %w", service, err)
	}
	if len(keys) == 0 {
		return []*Instance{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redlb: load %s: %w", service, err)
	}

	instances := make([]*Instance, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var in Instance
		if err := json.Unmarshal([]byte(s), &in); err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("failed to unmarshal instance data, skipping")
			continue
		}
		instances = append(instances, &in)
	}
	sortInstances(instances)
	return instances, nil
}

func (r *RedisRegistry) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Watch polls Discover every watch interval. The channel is closed once ctx
// is done.
func (r *RedisRegistry) Watch(ctx context.Context, service string) (<-chan []*Instance, error) {
	ch := make(chan []*Instance, 1)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.opts.watchInterval)
		defer ticker.Stop()

		current, err := r.Discover(ctx, service)
		if err != nil {
			log.Error().Err(err).Str("service", service).Msg("watcher failed initial discovery")
			current = []*Instance{}
		}
		last := fingerprint(current)
		select {
		case ch <- current:
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := r.Discover(ctx, service)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("service", service).Msg("watcher failed discovery during poll")
					}
					continue
				}
				fp := fingerprint(current)
				if fp == last {
					continue
				}
				last = fp
				// replace a pending update the consumer has not taken yet
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- current:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	log.Debug().Str("service", service).Dur("interval", r.opts.watchInterval).Msg("watcher started")
	return ch, nil
}

// Close stops all heartbeats and waits for them. Registered keys expire
// after their TTL.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	r.closed = true
	heartbeats := r.heartbeats
	r.heartbeats = make(map[string]*task.Task)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, hb := range heartbeats {
		if err := hb.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(heartbeats) > 0 {
		log.Info().Int("count", len(heartbeats)).Msg("stopped active heartbeats")
	}
	return errors.Join(errs...)
}

var _ Registry = (*RedisRegistry)(nil)
