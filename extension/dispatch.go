package extension

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/exthost/metrics"
)

const resultUnanswered = "UNANSWERED"

// OnRequest answers a batch of commands in place. Commands whose symbol the
// resolver does not know are left untouched. A failing command does not stop
// the batch: it is marked with its result code and the joined failures are
// returned once every command was processed.
func (r *Runtime) OnRequest(ctx context.Context, rc Context, commands []*Command) error {
	if st := r.State(); st != Serving {
		return fmt.Errorf("%w: request received while %s", ErrNotServing, st)
	}

	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.lifeCtx, cancel)
	defer stop()

	ctx = rc.Metadata(r.Domain()).WithContext(ctx)

	var errs []error
	answered := 0
	for _, cmd := range commands {
		if err := r.dispatch(ctx, rc, cmd); err != nil {
			errs = append(errs, err)
		}
		if cmd.Answered() {
			answered++
		}
	}
	log.Debug().
		Str("extension", r.resolver.Name()).
		Int("commands", len(commands)).
		Int("answered", answered).
		Int("failed", len(errs)).
		Msg("request batch processed")
	return errors.Join(errs...)
}

func (r *Runtime) dispatch(ctx context.Context, rc Context, cmd *Command) error {
	if cmd == nil {
		return nil
	}
	fn, ok := r.symbols[cmd.Symbol]
	if !ok {
		log.Debug().Str("extension", r.resolver.Name()).Str("symbol", cmd.Symbol).Msg("symbol not handled, leaving command untouched")
		r.opts.metrics.ObserveCommand(metrics.UnknownSymbol, resultUnanswered, 0)
		return nil
	}

	if r.opts.limiter.Limit(ctx, cmd.Symbol) {
		cmd.ExtensionResult = uint32(RateLimited)
		cmd.ResultString = fmt.Sprintf("Calling command %q failed! Additional information: rate limit exceeded", cmd.Symbol)
		r.opts.metrics.ObserveCommand(cmd.Symbol, RateLimited.String(), 0)
		return nil
	}

	startTime := time.Now()
	value, err := r.call(ctx, rc, cmd, fn)
	elapsed := time.Since(startTime)

	if err != nil {
		code := ResultCodeOf(err)
		cmd.ExtensionResult = uint32(code)
		cmd.ResultString = fmt.Sprintf("Calling command %q failed! Additional information: %v", cmd.Symbol, err)
		r.opts.metrics.ObserveCommand(cmd.Symbol, code.String(), elapsed)
		log.Warn().
			Str("extension", r.resolver.Name()).
			Str("symbol", cmd.Symbol).
			Stringer("result", code).
			Err(err).
			Msg("command failed")
		return fmt.Errorf("symbol %s: %w", cmd.Symbol, err)
	}

	cmd.ReadValue = value
	cmd.ExtensionResult = uint32(Success)
	cmd.ResultString = ""
	r.opts.metrics.ObserveCommand(cmd.Symbol, Success.String(), elapsed)
	return nil
}

// call runs a handler, turning a panic into an internal error.
func (r *Runtime) call(ctx context.Context, rc Context, cmd *Command, fn SymbolFunc) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("extension", r.resolver.Name()).Str("symbol", cmd.Symbol).Str("panic", fmt.Sprint(p)).Msg("symbol handler panicked")
			value, err = nil, fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return fn(ctx, rc, cmd)
}

// BeforeConfigChange lets the resolver veto a configuration change of its
// domain. A nil error accepts the change.
func (r *Runtime) BeforeConfigChange(ctx context.Context, path string, value any) error {
	validator, ok := r.resolver.(ConfigValidator)
	if !ok {
		return nil
	}
	if err := validator.ValidateConfig(path, value); err != nil {
		log.Info().Str("extension", r.resolver.Name()).Str("path", path).Interface("value", value).Err(err).Msg("configuration change rejected")
		if !errors.Is(err, ErrInvalidValue) {
			err = fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return err
	}
	return nil
}

// ConfigChanged announces an applied configuration change and hands it to
// the resolver.
func (r *Runtime) ConfigChanged(ctx context.Context, path string, value any) error {
	if st := r.State(); st != Serving {
		return fmt.Errorf("%w: config change received while %s", ErrNotServing, st)
	}
	log.Info().Str("extension", r.resolver.Name()).Str("path", path).Interface("value", value).Msg("configuration changed")
	r.publish(ctx, TopicConfig, KindConfigChanged, ConfigChange{Path: path, Value: value})
	if listener, ok := r.resolver.(ConfigListener); ok {
		listener.OnConfigChange(ctx, path, value)
	}
	return nil
}
