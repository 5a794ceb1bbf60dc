package extension

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/exthost/limiter"
	"github.com/toolink/exthost/meta"
	"github.com/toolink/exthost/pubsub"
)

func randomSymbols(env func() Env) Symbols {
	return Symbols{
		"RandomValue": func(ctx context.Context, _ Context, _ *Command) (any, error) {
			v, err := env().ConfigValue(ctx, "maxRandom")
			if err != nil {
				return nil, err
			}
			max, ok := v.(int)
			if !ok || max < 0 {
				return nil, ErrInvalidValue
			}
			return rand.Intn(max + 1), nil
		},
	}
}

func TestRandomValueForPlant1(t *testing.T) {
	host := newFakeHost(map[string]any{"Plant1.Config::maxRandom": 10})
	var res *testResolver
	res = newTestResolver(randomSymbols(func() Env { return res.env }))
	rt := New(res, host)

	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))
	defer shutdown(t, rt)
	assert.Equal(t, Serving, rt.State())
	assert.Equal(t, "Plant1", rt.Domain())

	for i := 0; i < 50; i++ {
		cmd := NewCommand("RandomValue")
		require.NoError(t, rt.OnRequest(context.Background(), Context{}, []*Command{cmd}))
		require.True(t, cmd.Answered())
		v := cmd.ReadValue.(int)
		assert.GreaterOrEqual(t, v, 0)
		assert.LessOrEqual(t, v, 10)
		assert.Equal(t, uint32(Success), cmd.ExtensionResult)
	}
}

func TestUnknownSymbolsAreUntouched(t *testing.T) {
	res := newTestResolver(Symbols{
		"Known": func(context.Context, Context, *Command) (any, error) { return "yes", nil },
	})
	rt := New(res, newFakeHost(nil))
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))
	defer shutdown(t, rt)

	known := NewCommand("Known")
	unknown := &Command{Symbol: "Other", WriteValue: 3}
	require.NoError(t, rt.OnRequest(context.Background(), Context{}, []*Command{unknown, known, nil}))

	assert.Equal(t, "yes", known.ReadValue)
	assert.Equal(t, &Command{Symbol: "Other", WriteValue: 3}, unknown)
}

func TestFailingCommandDoesNotStopBatch(t *testing.T) {
	res := newTestResolver(Symbols{
		"Invalid": func(context.Context, Context, *Command) (any, error) {
			return nil, errors.New("maxRandom is negative: " + ErrInvalidValue.Error())
		},
		"Rejected": func(context.Context, Context, *Command) (any, error) {
			return nil, ErrInvalidValue
		},
		"Panics": func(context.Context, Context, *Command) (any, error) {
			panic("handler bug")
		},
		"Fine": func(context.Context, Context, *Command) (any, error) { return 1, nil },
	})
	rt := New(res, newFakeHost(nil))
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))
	defer shutdown(t, rt)

	invalid, rejected, panics, fine := NewCommand("Invalid"), NewCommand("Rejected"), NewCommand("Panics"), NewCommand("Fine")
	err := rt.OnRequest(context.Background(), Context{}, []*Command{invalid, rejected, panics, fine})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	assert.Equal(t, uint32(InternalError), invalid.ExtensionResult, "not wrapped, so internal")
	assert.Equal(t, uint32(InvalidValue), rejected.ExtensionResult)
	assert.Equal(t, `Calling command "Rejected" failed! Additional information: extension: invalid value`, rejected.ResultString)
	assert.Nil(t, rejected.ReadValue)
	assert.Equal(t, uint32(InternalError), panics.ExtensionResult)
	assert.Contains(t, panics.ResultString, "handler bug")
	assert.Equal(t, 1, fine.ReadValue)
}

func TestRequestContextReachesHandlers(t *testing.T) {
	var gotUser, gotDomain string
	res := newTestResolver(Symbols{
		"WhoAmI": func(ctx context.Context, rc Context, _ *Command) (any, error) {
			gotUser = meta.FromContext(ctx).String(meta.KeyUser)
			gotDomain = meta.FromContext(ctx).String(meta.KeyDomain)
			return rc.Session, nil
		},
	})
	rt := New(res, newFakeHost(nil))
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))
	defer shutdown(t, rt)

	cmd := NewCommand("WhoAmI")
	require.NoError(t, rt.OnRequest(context.Background(), Context{User: "operator", Session: "s-1"}, []*Command{cmd}))
	assert.Equal(t, "s-1", cmd.ReadValue)
	assert.Equal(t, "operator", gotUser)
	assert.Equal(t, "Plant1", gotDomain, "falls back to the runtime domain")
}

func TestRateLimitedCommands(t *testing.T) {
	cfg := &limiter.Config{Rules: []limiter.Rule{{Symbol: "Fine", Rate: 1, Period: 60, LimitBy: []string{limiter.LimitByUser}}}}
	require.NoError(t, cfg.ValidateAndPrepare())
	rl := limiter.NewRateLimiter(cfg, limiter.NewMemoryStore())

	res := newTestResolver(Symbols{
		"Fine": func(context.Context, Context, *Command) (any, error) { return 1, nil },
	})
	rt := New(res, newFakeHost(nil), WithLimiter(rl))
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))
	defer shutdown(t, rt)

	rc := Context{User: "operator"}
	first, second := NewCommand("Fine"), NewCommand("Fine")
	require.NoError(t, rt.OnRequest(context.Background(), rc, []*Command{first, second}))
	assert.Equal(t, 1, first.ReadValue)
	assert.Nil(t, second.ReadValue)
	assert.Equal(t, uint32(RateLimited), second.ExtensionResult)
}

func TestRegexRuleLimitsOnlyMatchingSymbols(t *testing.T) {
	cfg := &limiter.Config{Rules: []limiter.Rule{{Symbol: "Random.*", IsRegex: true, Rate: 1, Period: 60}}}
	require.NoError(t, cfg.ValidateAndPrepare())
	rl := limiter.NewRateLimiter(cfg, limiter.NewMemoryStore())

	res := newTestResolver(Symbols{
		"RandomValue":         func(context.Context, Context, *Command) (any, error) { return 1, nil },
		"MaxRandomFromConfig": func(context.Context, Context, *Command) (any, error) { return 10, nil },
	})
	rt := New(res, newFakeHost(nil), WithLimiter(rl))
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))
	defer shutdown(t, rt)

	random, maxCmd := NewCommand("RandomValue"), NewCommand("MaxRandomFromConfig")
	require.NoError(t, rt.OnRequest(context.Background(), Context{}, []*Command{random, maxCmd}))
	assert.Equal(t, 1, random.ReadValue)
	assert.Equal(t, uint32(Success), random.ExtensionResult)
	assert.Equal(t, 10, maxCmd.ReadValue)
	assert.Equal(t, uint32(Success), maxCmd.ExtensionResult)

	again := NewCommand("RandomValue")
	require.NoError(t, rt.OnRequest(context.Background(), Context{}, []*Command{again}))
	assert.Equal(t, uint32(RateLimited), again.ExtensionResult)
}

func TestLifecycleErrors(t *testing.T) {
	res := newTestResolver(Symbols{})
	rt := New(res, newFakeHost(nil))
	ctx := context.Background()

	assert.ErrorIs(t, rt.OnRequest(ctx, Context{}, nil), ErrNotServing)
	assert.ErrorIs(t, rt.Shutdown(ctx), ErrNotInitialized)
	assert.Equal(t, Uninitialized, rt.State())

	require.NoError(t, rt.Init(ctx, "Plant1", nil))
	assert.ErrorIs(t, rt.Init(ctx, "Plant1", nil), ErrInvalidState)

	require.NoError(t, rt.Shutdown(ctx))
	require.NoError(t, rt.Shutdown(ctx), "second shutdown is a no-op")
	assert.Equal(t, Terminated, rt.State())
	assert.EqualValues(t, 1, res.closed.Load())
	assert.ErrorIs(t, rt.OnRequest(ctx, Context{}, nil), ErrNotServing)
	assert.ErrorIs(t, rt.ConfigChanged(ctx, "maxRandom", 1), ErrNotServing)

	select {
	case <-rt.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestInitFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("empty domain", func(t *testing.T) {
		rt := New(newTestResolver(nil), newFakeHost(nil))
		err := rt.Init(ctx, " ", nil)
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Equal(t, Terminated, rt.State())
	})

	t.Run("resolver error", func(t *testing.T) {
		res := newTestResolver(nil)
		res.initErr = errors.New("latitude missing")
		rt := New(res, newFakeHost(nil))
		err := rt.Init(ctx, "Plant1", nil)
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.ErrorContains(t, err, "latitude missing")
		assert.Equal(t, Terminated, rt.State())
		assert.NoError(t, rt.Shutdown(ctx))
	})

	t.Run("communication error kept", func(t *testing.T) {
		res := newTestResolver(nil)
		res.initErr = ErrCommunication
		rt := New(res, newFakeHost(nil))
		err := rt.Init(ctx, "Plant1", nil)
		assert.ErrorIs(t, err, ErrCommunication)
		assert.NotErrorIs(t, err, ErrConfiguration)
	})

	t.Run("timeout", func(t *testing.T) {
		res := newTestResolver(nil)
		res.initWait = true
		rt := New(res, newFakeHost(nil), WithInitTimeout(20*time.Millisecond))
		err := rt.Init(ctx, "Plant1", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, Terminated, rt.State())
	})

	t.Run("shutdown during init", func(t *testing.T) {
		res := newTestResolver(nil)
		res.initWait = true
		res.initUnwind = 100 * time.Millisecond
		rt := New(res, newFakeHost(nil))

		errCh := make(chan error, 1)
		go func() { errCh <- rt.Init(ctx, "Plant1", nil) }()
		require.Eventually(t, func() bool { return rt.State() == Initializing }, time.Second, time.Millisecond)

		require.NoError(t, rt.Shutdown(ctx))
		assert.True(t, res.initReturned.Load(), "resolver init returned before shutdown")
		assert.EqualValues(t, 1, res.closed.Load())
		assert.Equal(t, Terminated, rt.State())
		assert.ErrorIs(t, <-errCh, ErrTerminated)
	})

	t.Run("shutdown deadline while init unwinds", func(t *testing.T) {
		res := newTestResolver(nil)
		res.initWait = true
		res.initUnwind = 200 * time.Millisecond
		rt := New(res, newFakeHost(nil))

		errCh := make(chan error, 1)
		go func() { errCh <- rt.Init(ctx, "Plant1", nil) }()
		require.Eventually(t, func() bool { return rt.State() == Initializing }, time.Second, time.Millisecond)

		sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := rt.Shutdown(sctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, res.closed.Load(), "resolver not closed while init runs")
		assert.Equal(t, Terminated, rt.State())
		assert.ErrorIs(t, <-errCh, ErrTerminated)
	})
}

func TestExecuteFailures(t *testing.T) {
	host := newFakeHost(map[string]any{})
	res := newTestResolver(nil)
	rt := New(res, host, WithExecuteTimeout(50*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, rt.Init(ctx, "Plant1", nil))
	defer shutdown(t, rt)

	resp, err := rt.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Zero(t, host.callCount(), "empty batches are not sent")

	_, err = rt.ConfigValue(ctx, "maxRandom")
	assert.ErrorIs(t, err, ErrCommunication, "host rejected the symbol")

	host.mu.Lock()
	host.err = errors.New("connection refused")
	host.mu.Unlock()
	_, err = rt.ConfigValue(ctx, "maxRandom")
	assert.ErrorIs(t, err, ErrCommunication)
	assert.Equal(t, HostUnavailable, ResultCodeOf(err))

	host.mu.Lock()
	host.err = nil
	host.block = true
	host.mu.Unlock()
	_, err = rt.ConfigValue(ctx, "maxRandom")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestNoHostConnection(t *testing.T) {
	rt := New(newTestResolver(nil), nil)
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))
	defer shutdown(t, rt)
	_, err := rt.ConfigValue(context.Background(), "maxRandom")
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestShutdownCancelsInFlightExecute(t *testing.T) {
	host := newFakeHost(nil)
	host.block = true
	res := newTestResolver(nil)
	rt := New(res, host, WithExecuteTimeout(time.Minute))
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.ConfigValue(context.Background(), "maxRandom")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return host.callCount() == 1 }, time.Second, time.Millisecond)

	shutdown(t, rt)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("execute not cancelled by shutdown")
	}
}

func TestConcurrentShutdown(t *testing.T) {
	rt := New(newTestResolver(nil), newFakeHost(nil))
	require.NoError(t, rt.Init(context.Background(), "Plant1", nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rt.Shutdown(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, Terminated, rt.State())
}

func TestConfigChangeHooks(t *testing.T) {
	broker := pubsub.New()
	defer broker.Close()
	events := make(chan *pubsub.Message, 4)
	_, err := broker.Subscribe(context.Background(), TopicConfig, func(_ context.Context, msg *pubsub.Message) {
		events <- msg
	})
	require.NoError(t, err)

	res := newTestResolver(nil)
	rt := New(res, newFakeHost(nil), WithBroker(broker))
	ctx := context.Background()
	require.NoError(t, rt.Init(ctx, "Plant1", nil))
	defer shutdown(t, rt)

	err = rt.BeforeConfigChange(ctx, "maxRandom", -1)
	assert.ErrorIs(t, err, ErrInvalidValue)
	require.NoError(t, rt.BeforeConfigChange(ctx, "maxRandom", 20))
	assert.Equal(t, []string{"maxRandom", "maxRandom"}, res.validated)

	require.NoError(t, rt.ConfigChanged(ctx, "maxRandom", 20))
	select {
	case change := <-res.changes:
		assert.Equal(t, ConfigChange{Path: "maxRandom", Value: 20}, change)
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
	select {
	case msg := <-events:
		assert.Equal(t, KindConfigChanged, msg.Kind)
		assert.Equal(t, "test", msg.Source)
	case <-time.After(time.Second):
		t.Fatal("config event not published")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "serving", Serving.String())
	assert.Equal(t, "shutting_down", ShuttingDown.String())
	assert.Equal(t, "state(9)", State(9).String())
}
