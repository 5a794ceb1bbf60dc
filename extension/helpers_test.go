package extension

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHost answers configuration symbols from a map.
type fakeHost struct {
	mu     sync.Mutex
	values map[string]any
	err    error
	block  bool
	calls  int
}

func newFakeHost(values map[string]any) *fakeHost {
	return &fakeHost{values: values}
}

func (h *fakeHost) Execute(ctx context.Context, commands []*Command) ([]*Command, error) {
	h.mu.Lock()
	h.calls++
	err, block := h.err, h.block
	h.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Command, len(commands))
	for i, c := range commands {
		answer := *c
		if v, ok := h.values[c.Symbol]; ok {
			answer.ReadValue = v
		} else {
			answer.ExtensionResult = uint32(FunctionFailed)
			answer.ResultString = "unknown symbol"
		}
		out[i] = &answer
	}
	return out, nil
}

func (h *fakeHost) set(symbol string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[symbol] = v
}

func (h *fakeHost) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// testResolver answers whatever symbols it was given.
type testResolver struct {
	name     string
	initErr  error
	initWait bool
	// initUnwind delays the return of a waiting Init after cancellation
	initUnwind   time.Duration
	initReturned *atomic.Bool
	symbols      Symbols
	env      Env
	settings Settings

	closed    *atomic.Int32
	validated []string
	changes   chan ConfigChange
}

func newTestResolver(symbols Symbols) *testResolver {
	return &testResolver{
		name:    "test",
		symbols: symbols,
		closed:       atomic.NewInt32(0),
		initReturned: atomic.NewBool(false),
		changes:      make(chan ConfigChange, 8),
	}
}

func (r *testResolver) Name() string { return r.name }

func (r *testResolver) Init(ctx context.Context, env Env, settings Settings) error {
	r.env = env
	r.settings = settings
	defer r.initReturned.Store(true)
	if r.initWait {
		<-ctx.Done()
		time.Sleep(r.initUnwind)
		return ctx.Err()
	}
	return r.initErr
}

func (r *testResolver) Symbols() Symbols { return r.symbols }

func (r *testResolver) Close(context.Context) error {
	r.closed.Inc()
	return nil
}

func (r *testResolver) ValidateConfig(path string, value any) error {
	r.validated = append(r.validated, path)
	if n, ok := value.(int); ok && n < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func (r *testResolver) OnConfigChange(_ context.Context, path string, value any) {
	r.changes <- ConfigChange{Path: path, Value: value}
}

// refreshingResolver keeps a snapshot refreshed by fetch.
type refreshingResolver struct {
	*testResolver
	interval time.Duration
	fetch    func(ctx context.Context, attempt int) (int, error)
	attempts *atomic.Int32
	snapshot Cached[int]
}

func newRefreshingResolver(interval time.Duration, fetch func(ctx context.Context, attempt int) (int, error)) *refreshingResolver {
	r := &refreshingResolver{
		interval: interval,
		fetch:    fetch,
		attempts: atomic.NewInt32(0),
	}
	r.testResolver = newTestResolver(Symbols{
		"Snapshot": func(context.Context, Context, *Command) (any, error) {
			return r.snapshot.Load(), nil
		},
	})
	r.testResolver.name = "refreshing"
	return r
}

func (r *refreshingResolver) Refresh(ctx context.Context) error {
	v, err := r.fetch(ctx, int(r.attempts.Inc()))
	if err != nil {
		return err
	}
	r.snapshot.Store(v)
	return nil
}

func (r *refreshingResolver) RefreshInterval() time.Duration { return r.interval }

func shutdown(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
