package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStopCancelsSleepingTask(t *testing.T) {
	started := make(chan struct{})
	tk := Start(context.Background(), "sleeper", func(ctx context.Context) error {
		close(started)
		select {
		case <-time.After(time.Hour):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	<-started
	assert.Equal(t, Running, tk.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tk.Stop(ctx))

	assert.Equal(t, Cancelled, tk.State())
	assert.True(t, tk.State().Terminal())
	assert.NoError(t, tk.Err())
	assert.Equal(t, 1, tk.Cancellations())
}

func TestStopTwiceSignalsOnce(t *testing.T) {
	tk := Start(context.Background(), "twice", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx := context.Background()
	require.NoError(t, tk.Stop(ctx))
	require.NoError(t, tk.Stop(ctx))
	assert.Equal(t, Cancelled, tk.State())
	assert.Equal(t, 1, tk.Cancellations())
}

func TestFailedTaskReportsError(t *testing.T) {
	boom := errors.New("boom")
	tk := Start(context.Background(), "failing", func(ctx context.Context) error {
		return boom
	})

	err := tk.Wait(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, tk.State())
	assert.ErrorIs(t, tk.Err(), boom)

	// cancelling a finished task is not a second signal
	tk.Cancel()
	assert.Equal(t, 0, tk.Cancellations())
}

func TestErrorDuringCancellationIsReported(t *testing.T) {
	flush := errors.New("flush failed")
	tk := Start(context.Background(), "dirty", func(ctx context.Context) error {
		<-ctx.Done()
		return flush
	})

	err := tk.Stop(context.Background())
	require.ErrorIs(t, err, flush)
	assert.Equal(t, Failed, tk.State())
}

func TestPanicIsRecovered(t *testing.T) {
	tk := Start(context.Background(), "panicky", func(ctx context.Context) error {
		panic("kaboom")
	})

	err := tk.Wait(context.Background())
	require.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, Failed, tk.State())
}

func TestCompletedTask(t *testing.T) {
	tk := Start(context.Background(), "quick", func(ctx context.Context) error {
		return nil
	})
	<-tk.Done()
	assert.Equal(t, Completed, tk.State())
	assert.NoError(t, tk.Wait(context.Background()))
}

func TestWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	tk := Start(context.Background(), "stubborn", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tk.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Running, tk.State())

	close(release)
	require.NoError(t, tk.Wait(context.Background()))
	assert.Equal(t, Completed, tk.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "state(42)", State(42).String())
}
