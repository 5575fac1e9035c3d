package xnotify_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xnotify"
)

func TestRetryMiddleware_StopsOnTerminalErrors(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		calls int
	}{
		{"unavailable retried", fmt.Errorf("%w: timeout", xnotify.ErrUnavailable), 3},
		{"unauthorized not retried", xnotify.ErrUnauthorized, 1},
		{"malformed not retried", xnotify.ErrInvalidPayload, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			h := xnotify.RetryMiddleware(xnotify.RetryConfig{MaxAttempts: 3})(func(context.Context, *xnotify.Message) error {
				calls++
				return tc.err
			})
			err := h(context.Background(), &xnotify.Message{})
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.calls, calls)
		})
	}
}

func TestRetryMiddleware_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	h := xnotify.RetryMiddleware(xnotify.RetryConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Jitter:      time.Millisecond,
	})(func(context.Context, *xnotify.Message) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, h(context.Background(), &xnotify.Message{}))
	assert.Equal(t, 3, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := xnotify.TimeoutMiddleware(10 * time.Millisecond)(func(ctx context.Context, _ *xnotify.Message) error {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, slow(context.Background(), &xnotify.Message{}), context.DeadlineExceeded)

	noop := xnotify.TimeoutMiddleware(0)(func(context.Context, *xnotify.Message) error { return nil })
	assert.NoError(t, noop(context.Background(), &xnotify.Message{}))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := xnotify.RecoveryMiddleware()(func(context.Context, *xnotify.Message) error { panic("boom") })
	err := h(context.Background(), &xnotify.Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) xnotify.Middleware {
		return func(next xnotify.Handler) xnotify.Handler {
			return func(ctx context.Context, m *xnotify.Message) error {
				order = append(order, name)
				return next(ctx, m)
			}
		}
	}
	h := xnotify.Chain(func(context.Context, *xnotify.Message) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), nil, mw("inner"))

	require.NoError(t, h(context.Background(), &xnotify.Message{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := xnotify.NewObserverPool(context.Background(), 1, 1)

	obs := xnotify.ObserverFunc(func(xnotify.Event) { <-block })
	for range 10 {
		pool.Notify(xnotify.Event{Type: xnotify.PublishDone}, []xnotify.Observer{obs})
	}
	assert.Positive(t, pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Close(time.Second))
	st := pool.Stats()
	assert.Equal(t, uint64(10), st.Dropped+st.Processed)

	pool.Notify(xnotify.Event{}, []xnotify.Observer{obs})
	assert.Equal(t, uint64(10), pool.Stats().Dropped+pool.Stats().Processed)
}

func TestObserverPool_PanickingObserverContained(t *testing.T) {
	pool := xnotify.NewObserverPool(context.Background(), 1, 4)
	done := make(chan struct{})
	bad := xnotify.ObserverFunc(func(xnotify.Event) { panic("observer bug") })
	good := xnotify.ObserverFunc(func(xnotify.Event) { close(done) })

	pool.Notify(xnotify.Event{Type: xnotify.MatchFound}, []xnotify.Observer{bad, good})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer after the panicking one never ran")
	}
	require.NoError(t, pool.Close(time.Second))
}
