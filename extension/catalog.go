package extension

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Predefined errors for catalog lookups.
var (
	ErrResolverAlreadyRegistered = fmt.Errorf("resolver name is already registered")
	ErrResolverNotFound          = fmt.Errorf("resolver not found")
)

// Factory creates a fresh, uninitialized resolver.
type Factory func() Resolver

// Catalog is the set of resolvers a binary can host, keyed by name.
type Catalog struct {
	mu        sync.RWMutex       // protects concurrent access to internal state.
	factories map[string]Factory // registered factories, keyed by name.
	order     []string           // registration order, used for listings.
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		factories: make(map[string]Factory),
		order:     make([]string, 0),
	}
}

// Register adds a resolver factory under name.
// Returns ErrResolverAlreadyRegistered if the name is taken.
func (c *Catalog) Register(name string, factory Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[name]; exists {
		log.Error().Str("resolver", name).Msg("attempted to register duplicate resolver")
		return fmt.Errorf("%w: %s", ErrResolverAlreadyRegistered, name)
	}
	c.factories[name] = factory
	c.order = append(c.order, name)
	log.Debug().Str("resolver", name).Msg("resolver registered")
	return nil
}

// Names returns the registered names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// New creates a resolver with the factory registered under name.
func (c *Catalog) New(name string) (Resolver, error) {
	c.mu.RLock()
	factory, exists := c.factories[name]
	c.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrResolverNotFound, name)
	}
	return factory(), nil
}
