package extension

import "go.uber.org/atomic"

// Cached holds an immutable snapshot that is replaced as a whole. Readers
// always see either the previous or the next value, never a mix of both.
// Values stored must not be mutated afterwards.
type Cached[T any] struct {
	p atomic.Pointer[T]
}

// Load returns the current snapshot, or the zero value before the first Store.
func (c *Cached[T]) Load() T {
	if v := c.p.Load(); v != nil {
		return *v
	}
	var zero T
	return zero
}

// Store publishes v as the new snapshot.
func (c *Cached[T]) Store(v T) {
	c.p.Store(&v)
}

// Loaded reports whether a snapshot has been stored.
func (c *Cached[T]) Loaded() bool {
	return c.p.Load() != nil
}
