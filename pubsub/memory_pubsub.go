package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	errMemoryPubSubClosed = errors.New("pubsub: memory pubsub is closed")
)

// MemoryPubSub implements the PubSub interface using in-memory data structures.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*Subscription // topic -> subID -> Subscription
	subs   map[string]*Subscription            // subID -> Subscription (for fast unsubscribe)
}

// NewMemoryPubSub creates a new in-memory PubSub instance.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[string]*Subscription),
		subs:   make(map[string]*Subscription),
	}
}

// Publish queues messages to every subscriber of topic, waiting for queue
// space when needed.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	return m.publish(ctx, topic, messages, false)
}

// TryPublish queues messages without waiting, dropping them for subscribers
// whose queue is full.
func (m *MemoryPubSub) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	return m.publish(ctx, topic, messages, true)
}

func (m *MemoryPubSub) publish(ctx context.Context, topic string, messages []*Message, try bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errMemoryPubSubClosed
	}
	subsToDeliver := m.getSubscriptionsForTopicLocked(topic)
	m.mu.RUnlock() // Release read lock before potentially long delivery

	stampTopic(topic, messages)

	var errs []error
	for _, sub := range subsToDeliver {
		err := sub.deliver(ctx, messages, try)
		if err == nil || errors.Is(err, errSubscriptionClosed) {
			continue
		}
		log.Error().Err(err).Str("subscription_id", sub.ID).Str("topic", topic).Msg("failed to deliver message")
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Subscribe creates a new subscription.
func (m *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", errMemoryPubSubClosed
	}

	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[string]*Subscription)
	}
	m.topics[topic][sub.ID] = sub
	m.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("new subscription created")
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil // Subscription already gone
	}

	delete(m.subs, id)
	if topicSubs, ok := m.topics[sub.Topic]; ok {
		delete(topicSubs, id)
		if len(topicSubs) == 0 {
			delete(m.topics, sub.Topic) // Clean up empty topic map
		}
	}
	m.mu.Unlock() // Unlock before closing subscription

	if err := sub.Close(); err != nil {
		log.Error().Err(err).Str("subscription_id", id).Msg("error closing subscription during unsubscribe")
	}

	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("subscription removed")
	return nil
}

// Close shuts down the MemoryPubSub instance.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil // Already closed
	}
	m.closed = true

	subsToClose := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subsToClose = append(subsToClose, sub)
	}
	m.topics = make(map[string]map[string]*Subscription)
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	log.Info().Msg("memory pubsub closing...")

	var closeWg sync.WaitGroup
	closeWg.Add(len(subsToClose))
	for _, sub := range subsToClose {
		go func(s *Subscription) {
			defer closeWg.Done()
			if err := s.Close(); err != nil {
				log.Error().Err(err).Str("subscription_id", s.ID).Msg("error closing subscription during pubsub close")
			}
		}(sub)
	}
	closeWg.Wait()

	log.Info().Msg("memory pubsub closed")
	return nil
}

// getSubscriptionsForTopicLocked returns a slice of subscriptions for a topic.
// Requires RLock to be held.
func (m *MemoryPubSub) getSubscriptionsForTopicLocked(topic string) []*Subscription {
	topicSubs, ok := m.topics[topic]
	if !ok {
		return nil
	}
	subs := make([]*Subscription, 0, len(topicSubs))
	for _, sub := range topicSubs {
		subs = append(subs, sub)
	}
	return subs
}

// stampTopic fills in the topic of messages published without one.
func stampTopic(topic string, messages []*Message) {
	for _, msg := range messages {
		if msg != nil && msg.Topic == "" {
			msg.Topic = topic
		}
	}
}

// Ensure MemoryPubSub implements PubSub interface
var _ PubSub = (*MemoryPubSub)(nil)
