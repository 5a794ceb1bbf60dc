package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errNilHandler         = errors.New("pubsub: handler must not be nil")
	errSubscriptionClosed = errors.New("pubsub: subscription is closed")
)

// Subscription represents a single subscription to a topic. Messages are
// queued to a buffer and handed to the handler by worker goroutines.
type Subscription struct {
	ID      string
	Topic   string
	options *SubscriptionOptions
	handler Handler

	mu     sync.RWMutex
	closed bool

	queue  chan *Message
	ctx    context.Context // cancelled on Close
	cancel context.CancelFunc
	wg     sync.WaitGroup // waits for worker goroutines
}

// newSubscription creates a subscription and starts its workers.
func newSubscription(topic string, handler Handler, opts ...Option) (*Subscription, error) {
	if handler == nil {
		return nil, errNilHandler
	}
	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		options: options,
		handler: handler,
		queue:   make(chan *Message, options.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(options.Concurrency)
	for i := 0; i < options.Concurrency; i++ {
		go s.runWorker()
	}
	return s, nil
}

// runWorker processes messages from the queue until the subscription closes.
func (s *Subscription) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			log.Debug().Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("worker shutting down")
			return
		case msg := <-s.queue:
			s.invoke(msg)
		}
	}
}

// invoke calls the handler, recovering from panics so a faulty observer
// cannot take the worker down.
func (s *Subscription) invoke(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("subscription_id", s.ID).
				Str("topic", s.Topic).
				Str("panic", fmt.Sprint(r)).
				Msg("subscription handler panicked")
		}
	}()
	s.handler(s.ctx, msg)
}

// deliver queues messages for the handler. With try set, messages that do
// not fit into the queue are dropped instead of waiting.
func (s *Subscription) deliver(ctx context.Context, messages []*Message, try bool) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errSubscriptionClosed
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if try {
			select {
			case s.queue <- msg:
			default:
				log.Warn().Str("subscription_id", s.ID).Str("topic", s.Topic).Str("kind", msg.Kind).Msg("subscription queue full, dropping message (tryPublish)")
			}
			continue
		}
		select {
		case s.queue <- msg:
		case <-s.ctx.Done():
			return errSubscriptionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops the workers. Messages still queued are discarded.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil // Already closed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	log.Debug().Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("subscription closed")
	return nil
}
