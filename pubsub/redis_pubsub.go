package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	errRedisPubSubClosed = errors.New("pubsub: redis pubsub is closed")
)

// Default key prefix for Redis channels
const defaultChannelPrefix = "exthost:events:"

// redisSubscription holds information specific to a Redis subscription
type redisSubscription struct {
	*Subscription                // Embed common Subscription fields
	pubsub        *redis.PubSub  // Redis channel subscription
	listenerWg    sync.WaitGroup // Waits for the listener goroutine to finish
}

// RedisPubSub implements the PubSub interface on Redis PUBLISH/SUBSCRIBE, so
// events fan out to every process subscribed to a topic.
type RedisPubSub struct {
	redisClient redis.UniversalClient
	prefix      string
	mu          sync.RWMutex
	closed      bool
	subs        map[string]*redisSubscription // subID -> redisSubscription
}

// NewRedisPubSub creates a new Redis-based PubSub instance.
func NewRedisPubSub(client redis.UniversalClient, prefix string) *RedisPubSub {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisPubSub{
		redisClient: client,
		prefix:      prefix,
		subs:        make(map[string]*redisSubscription),
	}
}

// channel generates the Redis channel name for a topic.
func (r *RedisPubSub) channel(topic string) string {
	return r.prefix + topic
}

// Publish sends messages to the Redis channel of the topic.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errRedisPubSubClosed
	}

	stampTopic(topic, messages)
	channel := r.channel(topic)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		payloadBytes, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("failed to marshal message payload")
			return fmt.Errorf("pubsub: marshal message: %w", err)
		}
		if err := r.redisClient.Publish(ctx, channel, payloadBytes).Err(); err != nil {
			log.Error().Err(err).Str("topic", topic).Str("channel", channel).Msg("failed to PUBLISH message to redis")
			return fmt.Errorf("pubsub: publish to redis: %w", err)
		}
	}
	return nil
}

// TryPublish behaves like Publish but only logs failures. Redis never
// blocks a publisher on slow subscribers.
func (r *RedisPubSub) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	if err := r.Publish(ctx, topic, messages...); err != nil {
		if errors.Is(err, errRedisPubSubClosed) {
			return err
		}
		log.Warn().Err(err).Str("topic", topic).Msg("dropping messages (tryPublish)")
	}
	return nil
}

// Subscribe creates a Redis subscription. It returns once Redis confirmed
// the subscription, so messages published afterwards are not missed.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errRedisPubSubClosed
	}

	baseSub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	channel := r.channel(topic)
	ps := r.redisClient.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = baseSub.Close()
		return "", fmt.Errorf("pubsub: subscribe to %s: %w", channel, err)
	}

	redisSub := &redisSubscription{
		Subscription: baseSub,
		pubsub:       ps,
	}
	r.subs[redisSub.ID] = redisSub

	redisSub.listenerWg.Add(1)
	go redisSub.listenLoop()

	log.Debug().Str("subscription_id", redisSub.ID).Str("topic", topic).Str("channel", channel).Msg("new redis subscription created")
	return redisSub.ID, nil
}

// Unsubscribe removes a Redis subscription and stops its listener.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return nil // Already unsubscribed
	}
	delete(r.subs, id)
	r.mu.Unlock()

	sub.stop()
	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("redis subscription removed")
	return nil
}

// Close shuts down the RedisPubSub instance, stopping all listeners. The
// Redis client itself is owned by the caller and stays open.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil // Already closed
	}
	r.closed = true

	subsToClose := make([]*redisSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subsToClose = append(subsToClose, sub)
	}
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	log.Info().Msg("redis pubsub closing...")
	for _, sub := range subsToClose {
		sub.stop()
	}
	log.Info().Msg("redis pubsub closed")
	return nil
}

// stop closes the Redis subscription, which ends the listener, then the
// handler workers.
func (rs *redisSubscription) stop() {
	if err := rs.pubsub.Close(); err != nil {
		log.Error().Err(err).Str("subscription_id", rs.ID).Msg("error closing redis subscription")
	}
	rs.listenerWg.Wait()
	if err := rs.Subscription.Close(); err != nil {
		log.Error().Err(err).Str("subscription_id", rs.ID).Msg("error closing base subscription")
	}
}

// listenLoop forwards messages received from Redis to the handler queue.
func (rs *redisSubscription) listenLoop() {
	defer rs.listenerWg.Done()

	log.Debug().Str("subscription_id", rs.ID).Str("topic", rs.Topic).Msg("starting redis listener loop")
	for raw := range rs.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("channel", raw.Channel).Msg("failed to unmarshal message from redis")
			continue // Skip malformed message
		}
		if err := rs.Subscription.deliver(rs.ctx, []*Message{&msg}, false); err != nil && !errors.Is(err, errSubscriptionClosed) {
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("topic", rs.Topic).Msg("failed to deliver message from redis")
		}
	}
	log.Debug().Str("subscription_id", rs.ID).Str("topic", rs.Topic).Msg("redis listener loop stopped")
}

// Ensure RedisPubSub implements PubSub interface
var _ PubSub = (*RedisPubSub)(nil)
