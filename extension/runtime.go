package extension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/toolink/exthost/task"
)

// State is the lifecycle state of a Runtime.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Serving
	ShuttingDown
	Terminated
)

var stateNames = []string{"uninitialized", "initializing", "serving", "shutting_down", "terminated"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Runtime hosts one resolver. It is created Uninitialized, serves requests
// after a successful Init and is Terminated by Shutdown.
type Runtime struct {
	resolver Resolver
	host     Host
	opts     options

	mu      sync.Mutex // guards state transitions and the fields below
	state   *atomic.Int32
	domain  string
	symbols Symbols
	refresh *task.Task

	// lifeCtx is cancelled when shutdown begins; every outbound call and the
	// refresh task derive from it.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	initDone   chan struct{} // closed when resolver.Init returns
	terminated chan struct{}

	batchMu sync.Mutex // one request batch at a time
}

// New creates a runtime for resolver talking to host.
func New(resolver Resolver, host Host, opts ...Option) *Runtime {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	r := &Runtime{
		resolver:   resolver,
		host:       host,
		opts:       o,
		state:      atomic.NewInt32(int32(Uninitialized)),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		initDone:   make(chan struct{}),
		terminated: make(chan struct{}),
	}
	r.opts.metrics.SetState(Uninitialized.String(), stateNames...)
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// setState requires r.mu to be held.
func (r *Runtime) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	r.opts.metrics.SetState(s.String(), stateNames...)
	log.Debug().Str("extension", r.resolver.Name()).Stringer("from", prev).Stringer("to", s).Msg("runtime state changed")
}

// Domain returns the domain given to Init.
func (r *Runtime) Domain() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.domain
}

// Init initializes the resolver for domain and, when the resolver keeps
// external data, starts its refresh task. It may be called once; a failed
// Init terminates the runtime.
func (r *Runtime) Init(ctx context.Context, domain string, settings Settings) error {
	name := r.resolver.Name()

	r.mu.Lock()
	if st := r.State(); st != Uninitialized {
		r.mu.Unlock()
		return fmt.Errorf("%w: init called while %s", ErrInvalidState, st)
	}
	if strings.TrimSpace(domain) == "" {
		r.terminateLocked()
		r.mu.Unlock()
		return fmt.Errorf("%w: domain must not be empty", ErrConfiguration)
	}
	r.domain = domain
	r.setState(Initializing)
	r.mu.Unlock()

	log.Info().Str("extension", name).Str("domain", domain).Msg("initializing extension")
	startTime := time.Now()

	initCtx, cancel := context.WithTimeout(ctx, r.opts.initTimeout)
	defer cancel()
	stop := context.AfterFunc(r.lifeCtx, cancel) // shutdown aborts a pending init
	defer stop()

	err := r.resolver.Init(initCtx, r, settings)
	close(r.initDone)

	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.State(); st != Initializing {
		log.Warn().Str("extension", name).Stringer("state", st).Msg("runtime shut down during init")
		return fmt.Errorf("extension %s: %w during init", name, ErrTerminated)
	}
	if err != nil {
		log.Error().Str("extension", name).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to initialize extension")
		r.terminateLocked()
		if !errors.Is(err, ErrConfiguration) && !errors.Is(err, ErrCommunication) {
			err = fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return fmt.Errorf("extension %s: init: %w", name, err)
	}

	r.symbols = r.resolver.Symbols()
	if refresher, ok := r.resolver.(Refresher); ok {
		r.startRefresh(refresher)
	}
	r.setState(Serving)

	log.Info().
		Str("extension", name).
		Str("domain", domain).
		Int("symbols", len(r.symbols)).
		Dur("duration", time.Since(startTime)).
		Msg("extension initialized successfully")
	return nil
}

// terminateLocked moves the runtime straight to Terminated. Requires r.mu.
func (r *Runtime) terminateLocked() {
	r.lifeCancel()
	r.setState(Terminated)
	close(r.terminated)
}

// Shutdown stops the refresh task, releases the resolver and terminates the
// runtime. In-flight host calls are cancelled. Calling Shutdown again, or
// concurrently, waits for the first call and returns nil.
func (r *Runtime) Shutdown(ctx context.Context) error {
	name := r.resolver.Name()

	r.mu.Lock()
	st := r.State()
	switch st {
	case Uninitialized:
		r.mu.Unlock()
		return ErrNotInitialized
	case ShuttingDown, Terminated:
		r.mu.Unlock()
		select {
		case <-r.terminated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.setState(ShuttingDown)
	refresh := r.refresh
	r.lifeCancel()
	r.mu.Unlock()

	log.Info().Str("extension", name).Msg("shutting down extension...")
	startTime := time.Now()

	var allErrors []error
	closeResolver := true
	if st == Initializing {
		// the resolver must not be closed while its Init still runs
		select {
		case <-r.initDone:
		case <-ctx.Done():
			log.Error().Str("extension", name).Err(ctx.Err()).Msg("resolver init did not return in time")
			allErrors = append(allErrors, fmt.Errorf("wait for init: %w", ctx.Err()))
			closeResolver = false
		}
	}
	if refresh != nil {
		if err := refresh.Stop(ctx); err != nil {
			log.Error().Str("extension", name).Err(err).Msg("refresh task did not stop cleanly")
			allErrors = append(allErrors, fmt.Errorf("refresh task: %w", err))
		}
	}
	if closer, ok := r.resolver.(Closer); ok && closeResolver {
		if err := closer.Close(ctx); err != nil {
			log.Error().Str("extension", name).Err(err).Msg("failed to close resolver")
			allErrors = append(allErrors, fmt.Errorf("close resolver: %w", err))
		}
	}

	r.mu.Lock()
	r.setState(Terminated)
	close(r.terminated)
	r.mu.Unlock()

	if len(allErrors) > 0 {
		log.Warn().Str("extension", name).Int("error_count", len(allErrors)).Msg("shutdown completed with errors")
		return errors.Join(allErrors...)
	}
	log.Info().Str("extension", name).Dur("duration", time.Since(startTime)).Msg("extension shut down successfully")
	return nil
}

// Done is closed once the runtime is Terminated.
func (r *Runtime) Done() <-chan struct{} {
	return r.terminated
}

// Execute submits commands to the host and waits for the answers. It is
// bounded by the execute timeout and aborted by Shutdown.
func (r *Runtime) Execute(ctx context.Context, commands []*Command) ([]*Command, error) {
	if len(commands) == 0 {
		return nil, nil
	}
	if r.host == nil {
		return nil, fmt.Errorf("%w: no host connection", ErrCommunication)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.executeTimeout)
	defer cancel()
	stop := context.AfterFunc(r.lifeCtx, cancel)
	defer stop()

	startTime := time.Now()
	resp, err := r.host.Execute(ctx, commands)
	if err == nil && len(resp) != len(commands) {
		err = fmt.Errorf("host answered %d of %d commands", len(resp), len(commands))
	}
	r.opts.metrics.ObserveExecute(time.Since(startTime), err)
	if err != nil {
		log.Warn().Str("extension", r.resolver.Name()).Int("commands", len(commands)).Err(err).Msg("execute failed")
		if errors.Is(err, ErrCommunication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: execute: %w", ErrCommunication, err)
	}
	return resp, nil
}

// ConfigValue reads the configuration value name of the runtime's domain
// from the host.
func (r *Runtime) ConfigValue(ctx context.Context, name string) (any, error) {
	symbol := ConfigSymbol(r.Domain(), name)
	resp, err := r.Execute(ctx, []*Command{NewCommand(symbol)})
	if err != nil {
		return nil, err
	}
	answer := resp[0]
	if answer == nil {
		return nil, fmt.Errorf("%w: no answer for %s", ErrCommunication, symbol)
	}
	if code := ResultCode(answer.ExtensionResult); code != Success {
		return nil, fmt.Errorf("%w: host rejected %s: %s %s", ErrCommunication, symbol, code, answer.ResultString)
	}
	return answer.ReadValue, nil
}

var _ Env = (*Runtime)(nil)
