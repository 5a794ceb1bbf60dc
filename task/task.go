// Package task provides a cancellable background task handle.
//
// A Task runs a single function in its own goroutine. It can be signalled to
// stop with Cancel and awaited with Wait, which blocks until the function has
// returned and the task has reached a terminal state.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a Task.
type State int32

const (
	// Running means the task function has not returned yet.
	Running State = iota
	// Completed means the task function returned nil.
	Completed
	// Cancelled means the task observed its cancellation and returned.
	Cancelled
	// Failed means the task function returned an error (or panicked) that was
	// not the expected cancellation signal.
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s != Running
}

// ErrPanic is wrapped by the error of a task whose function panicked.
var ErrPanic = errors.New("task: panic recovered")

// Func is the work performed by a Task. It must return once ctx is done.
type Func func(ctx context.Context) error

// Task is a handle to a running background function.
type Task struct {
	name       string
	cancel     context.CancelFunc
	done       chan struct{}
	state      *atomic.Int32
	cancels    *atomic.Int32
	err        error // written once before done is closed
	cancelOnce sync.Once
}

// Start runs fn in a new goroutine with a context derived from parent.
func Start(parent context.Context, name string, fn Func) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		name:    name,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   atomic.NewInt32(int32(Running)),
		cancels: atomic.NewInt32(0),
	}

	go t.run(ctx, fn)
	log.Debug().Str("task", name).Msg("task started")
	return t
}

func (t *Task) run(ctx context.Context, fn Func) {
	defer close(t.done)
	defer t.cancel()

	err := t.call(ctx, fn)
	switch {
	case err == nil:
		t.state.Store(int32(Completed))
		log.Debug().Str("task", t.name).Msg("task completed")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		t.state.Store(int32(Cancelled))
		log.Debug().Str("task", t.name).Msg("task cancelled")
	default:
		t.err = err
		t.state.Store(int32(Failed))
		log.Error().Err(err).Str("task", t.name).Msg("task failed")
	}
}

func (t *Task) call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// Name returns the name given at Start.
func (t *Task) Name() string {
	return t.name
}

// State returns the current state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the failure of a Failed task, nil otherwise.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel signals the task to stop. Only the first call has an effect, and a
// task that already finished is not signalled at all.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		select {
		case <-t.done:
			return
		default:
		}
		t.cancels.Inc()
		t.cancel()
		log.Debug().Str("task", t.name).Msg("task cancellation requested")
	})
}

// Cancellations returns how many cancellation signals were delivered (0 or 1).
func (t *Task) Cancellations() int {
	return int(t.cancels.Load())
}

// Wait blocks until the task is terminal or ctx is done. The expected
// cancellation is swallowed: a Cancelled or Completed task yields nil, a
// Failed task yields its error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return fmt.Errorf("task %s: waiting for termination: %w", t.name, ctx.Err())
	}
}

// Stop cancels the task and waits for it to acknowledge.
func (t *Task) Stop(ctx context.Context) error {
	t.Cancel()
	return t.Wait(ctx)
}
