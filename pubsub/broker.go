package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errBrokerClosed = errors.New("pubsub: broker not initialized")

// Broker acts as a wrapper around a PubSub implementation.
// It allows easy switching between different PubSub backends (memory, redis).
type Broker struct {
	impl PubSub
	mu   sync.RWMutex // Protects the impl field
}

// BrokerOption defines an option for configuring the Broker.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient   redis.UniversalClient // Optional Redis client for Redis backend
	channelPrefix string
}

// WithRedisClient provides a Redis client for the Redis PubSub backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// WithChannelPrefix sets the prefix of the Redis channels.
func WithChannelPrefix(prefix string) BrokerOption {
	return func(o *brokerOptions) {
		o.channelPrefix = prefix
	}
}

// New creates a new Broker instance.
// By default, it uses the MemoryPubSub.
// Use options like WithRedisClient to select the Redis backend.
func New(opts ...BrokerOption) *Broker {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var ps PubSub
	if options.redisClient != nil {
		log.Info().Msg("initializing broker with redis pubsub backend")
		ps = NewRedisPubSub(options.redisClient, options.channelPrefix)
	} else {
		log.Info().Msg("initializing broker with memory pubsub backend")
		ps = NewMemoryPubSub()
	}
	return &Broker{impl: ps}
}

// Publish delegates the call to the underlying PubSub implementation.
func (b *Broker) Publish(ctx context.Context, topic string, messages ...*Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Publish(ctx, topic, messages...)
}

// TryPublish delegates the call to the underlying PubSub implementation.
func (b *Broker) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.TryPublish(ctx, topic, messages...)
}

// Subscribe delegates the call to the underlying PubSub implementation.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return "", errBrokerClosed
	}
	return b.impl.Subscribe(ctx, topic, handler, opts...)
}

// Unsubscribe delegates the call to the underlying PubSub implementation.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Unsubscribe(ctx, id)
}

// Close closes the underlying PubSub implementation.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.impl == nil {
		return nil // Already closed
	}
	err := b.impl.Close()
	b.impl = nil
	return err
}
