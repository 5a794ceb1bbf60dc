// Package extension implements the runtime of a host extension: it owns the
// lifecycle of one resolver, dispatches request batches to its symbols, lets
// it query the host, and runs its background refresh task.
package extension

import (
	"context"
	"time"
)

// Resolver is the contract every concrete extension implements.
type Resolver interface {
	// Name returns the name of the resolver, used for logging and metrics.
	Name() string

	// Init prepares the resolver. env gives access to the host for the
	// lifetime of the runtime. A returned error aborts initialization.
	Init(ctx context.Context, env Env, settings Settings) error

	// Symbols returns the symbols the resolver answers. It is called once,
	// after a successful Init.
	Symbols() Symbols
}

// SymbolFunc answers a single command. The returned value is written to the
// command's ReadValue. A returned error leaves the command unanswered and is
// reported through ExtensionResult and ResultString.
type SymbolFunc func(ctx context.Context, rc Context, cmd *Command) (any, error)

// Symbols maps symbol names to their handlers.
type Symbols map[string]SymbolFunc

// Refresher is implemented by resolvers that keep a cached snapshot of
// external data up to date. The runtime calls Refresh from its single
// background task, so Refresh is the only writer of the snapshot.
type Refresher interface {
	Refresh(ctx context.Context) error
	RefreshInterval() time.Duration
}

// ConfigValidator is implemented by resolvers that veto configuration
// changes before the host applies them.
type ConfigValidator interface {
	ValidateConfig(path string, value any) error
}

// ConfigListener is implemented by resolvers interested in applied
// configuration changes.
type ConfigListener interface {
	OnConfigChange(ctx context.Context, path string, value any)
}

// Closer is implemented by resolvers holding resources that must be released
// at shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// Host is the outbound side of the host protocol.
type Host interface {
	// Execute submits commands to the host and returns them with their read
	// values filled in, in the same order.
	Execute(ctx context.Context, commands []*Command) ([]*Command, error)
}

// HostFunc adapts a function to the Host interface.
type HostFunc func(ctx context.Context, commands []*Command) ([]*Command, error)

func (f HostFunc) Execute(ctx context.Context, commands []*Command) ([]*Command, error) {
	return f(ctx, commands)
}

// Env is what a resolver sees of its runtime.
type Env interface {
	// Domain returns the domain the runtime was initialized with.
	Domain() string
	// Execute submits commands to the host.
	Execute(ctx context.Context, commands []*Command) ([]*Command, error)
	// ConfigValue reads "<domain>.Config::<name>" from the host.
	ConfigValue(ctx context.Context, name string) (any, error)
}
