// Package meta carries request-scoped metadata (who is asking, from where)
// inside a context.Context. The extension runtime fills it from the request
// context of every batch; rate limiting and logging read it back.
package meta

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog/log"
)

// Well-known keys.
const (
	KeyDomain   = "domain"
	KeyUser     = "user"
	KeySession  = "session"
	KeyClientIP = "client_ip"
)

// metadataKey is the private context key.
type metadataKey struct{}

// Metadata is a concurrency-safe key/value bag.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty Metadata.
func New() *Metadata {
	return &Metadata{data: make(map[string]any)}
}

// FromMap creates a Metadata holding a copy of m. Empty string values are
// skipped so that a missing identity never looks like a real one.
func FromMap(m map[string]any) *Metadata {
	md := New()
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		md.data[k] = v
	}
	return md
}

// Set adds or replaces key.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		log.Error().Str("key", key).Msg("attempted to set metadata on nil *metadata instance")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Get returns the value of key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// String returns the value of key if it is a non-empty string.
func (m *Metadata) String(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Snapshot returns a copy of all entries.
func (m *Metadata) Snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}

// WithContext returns a child of ctx carrying m.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext returns the metadata attached to ctx, or an empty instance
// when there is none, so callers never have to nil-check.
func FromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return New()
	}
	if md, ok := ctx.Value(metadataKey{}).(*Metadata); ok {
		return md
	}
	return New()
}

// Get looks key up in the metadata of ctx and asserts it to T.
func Get[T any](ctx context.Context, key string) (t T, err error) {
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return t, fmt.Errorf("meta: key '%s' not found in context metadata", key)
	}
	typed, ok := raw.(T)
	if !ok {
		return t, fmt.Errorf("meta: value for key '%s' has type %T, but type %T was requested", key, raw, *new(T))
	}
	return typed, nil
}
