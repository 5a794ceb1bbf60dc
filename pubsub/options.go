package pubsub

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// Concurrency specifies the maximum number of concurrent handler executions.
	// Defaults to 1, which keeps delivery in publish order.
	Concurrency int
	// QueueSize is the number of messages buffered per subscription before
	// Publish blocks and TryPublish starts dropping.
	// Defaults to 64.
	QueueSize int
}

// Option is a function type used to configure subscriptions.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		Concurrency: 1,
		QueueSize:   64,
	}
}

// WithConcurrency sets the number of handler goroutines.
func WithConcurrency(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithQueueSize sets the per-subscription buffer.
func WithQueueSize(size int) Option {
	return func(o *SubscriptionOptions) {
		if size >= 0 { // 0 means unbuffered
			o.QueueSize = size
		}
	}
}

// Apply applies the options to the SubscriptionOptions struct.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
