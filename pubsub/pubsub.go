// Package pubsub is the event bus of the extension host. The runtime
// announces lifecycle events on it (refresh cycles, configuration changes)
// and any number of observers subscribe to them, in process or through
// Redis.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is a single event.
type Message struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Kind    string    `json:"kind"`
	Source  string    `json:"source,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// NewMessage creates a message with a fresh ID and the current time.
func NewMessage(kind, source string, payload any) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Kind:    kind,
		Source:  source,
		Payload: payload,
		Time:    time.Now(),
	}
}

// DecodePayload converts the payload into out. Messages that crossed Redis
// carry their payload as generic JSON values, so this goes through JSON.
func (m *Message) DecodePayload(out any) error {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Handler receives the messages of a subscription.
type Handler func(ctx context.Context, msg *Message)

// PubSub defines the interface for a publish/subscribe system.
type PubSub interface {
	// Publish sends messages to the given topic.
	// It blocks until all messages are queued to all subscribers
	// or the context is canceled.
	Publish(ctx context.Context, topic string, messages ...*Message) error

	// TryPublish attempts to send messages to the given topic.
	// It does not block and drops messages for subscribers that are not
	// ready to receive immediately (full queue).
	TryPublish(ctx context.Context, topic string, messages ...*Message) error

	// Subscribe creates a subscription to the given topic and returns its
	// unique ID.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID.
	Unsubscribe(ctx context.Context, id string) error

	// Close shuts down the pub/sub system, cleaning up resources.
	Close() error
}
