package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talostrading/reactor/reactorerrors"
)

func newTestBlockingSelector(t *testing.T) (*Reactor, *BlockingSelector) {
	r := newTestReactor(t)
	bs, err := NewBlockingSelector(r)
	require.NoError(t, err)
	return r, bs
}

// gatedTasks returns n tasks which block until their gate is closed. Task i
// returns errs[i].
func gatedTasks(n int, errs []error) ([]BlockingTask, []chan struct{}) {
	tasks := make([]BlockingTask, n)
	gates := make([]chan struct{}, n)
	for i := 0; i < n; i++ {
		i := i
		gates[i] = make(chan struct{})
		tasks[i] = func(ctx context.Context) error {
			<-gates[i]
			if errs != nil {
				return errs[i]
			}
			return nil
		}
	}
	return tasks, gates
}

func waitReady(t *testing.T, r *Reactor, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Stats().Ready == n
	}, 5*time.Second, time.Millisecond)
}

func TestBlockingSelectorAndJoin(t *testing.T) {
	for _, tc := range []struct {
		name  string
		n     int
		order []int
	}{
		{"one", 1, []int{0}},
		{"five in order", 5, []int{0, 1, 2, 3, 4}},
		{"five mixed", 5, []int{3, 0, 4, 2, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, bs := newTestBlockingSelector(t)

			handler := newRecorder(nil)
			tasks, gates := gatedTasks(tc.n, nil)
			h, err := bs.Register(handler, OpBlocking, tasks...)
			require.NoError(t, err)

			for k, i := range tc.order {
				close(gates[i])
				if k < len(tc.order)-1 {
					require.Eventually(t, func() bool {
						return bs.Pending(h) == tc.n-k-1
					}, 5*time.Second, time.Millisecond)
					assert.Equal(t, 0, r.Stats().Ready, "fired before all tasks completed")
				}
			}

			waitReady(t, r, 1)
			assert.Equal(t, 1, pollAll(t, r))
			require.Equal(t, 1, handler.Count())

			ev := handler.Events()[0]
			assert.Equal(t, OpBlocking, ev.Ready)
			results, ok := ev.Payload.Results()
			require.True(t, ok)
			assert.Len(t, results, tc.n)

			assert.False(t, bs.IsRegistered(h), "blocking handles are one-shot")
			assert.Equal(t, 0, pollAll(t, r))
		})
	}
}

func TestBlockingSelectorFailureDoesNotAbortSiblings(t *testing.T) {
	r, bs := newTestBlockingSelector(t)

	boom := errors.New("boom")
	handler := newRecorder(nil)
	h, err := bs.Register(handler, OpBlocking,
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
		func(context.Context) error { panic("task panic") },
		func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	)
	require.NoError(t, err)

	waitReady(t, r, 1)
	pollAll(t, r)
	require.Equal(t, 1, handler.Count())

	results, ok := handler.Events()[0].Payload.Results()
	require.True(t, ok)
	require.Len(t, results, 4)
	assert.NoError(t, results[0])
	assert.Equal(t, boom, results[1])
	assert.ErrorIs(t, results[2], reactorerrors.ErrInvalidResourceState)
	assert.NoError(t, results[3])
	assert.False(t, bs.IsRegistered(h))
}

func TestBlockingSelectorEmptySetFiresImmediately(t *testing.T) {
	r, bs := newTestBlockingSelector(t)

	handler := newRecorder(nil)
	_, err := bs.Register(handler, OpBlocking)
	require.NoError(t, err)

	assert.Equal(t, 1, pollAll(t, r))
	assert.Equal(t, 1, handler.Count())
}

func TestBlockingSelectorHoldWhileDisabled(t *testing.T) {
	r, bs := newTestBlockingSelector(t)

	handler := newRecorder(nil)
	h, err := bs.Register(handler, OpNoop, func(context.Context) error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bs.Pending(h) == 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, pollAll(t, r))

	require.NoError(t, bs.InterestOps(h, OpBlocking))
	assert.Equal(t, 1, pollAll(t, r))
	assert.Equal(t, 1, handler.Count())
}

func TestBlockingSelectorDeregisterCancelsTasks(t *testing.T) {
	r, bs := newTestBlockingSelector(t)

	cancelled := make(chan struct{})
	h, err := bs.Register(noopHandler(), OpBlocking, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	require.NoError(t, err)

	require.NoError(t, r.Deregister(h))
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("task not cancelled")
	}
	assert.Equal(t, 0, pollAll(t, r))
}

func TestBlockingSelectorShutdownInterrupts(t *testing.T) {
	_, bs := newTestBlockingSelector(t)
	require.NoError(t, bs.ConfigureBlockingPool(2, 10*time.Millisecond, 5*time.Second))

	interrupted := make(chan struct{})
	_, err := bs.Register(noopHandler(), OpBlocking, func(ctx context.Context) error {
		<-ctx.Done()
		close(interrupted)
		return ctx.Err()
	})
	require.NoError(t, err)

	assert.NoError(t, bs.Shutdown())
	<-interrupted

	_, err = bs.Register(noopHandler(), OpBlocking)
	assert.ErrorIs(t, err, reactorerrors.ErrSelectorClosed)
}

func TestBlockingSelectorShutdownAbandons(t *testing.T) {
	_, bs := newTestBlockingSelector(t)
	require.NoError(t, bs.ConfigureBlockingPool(1, time.Millisecond, time.Millisecond))

	stuck := make(chan struct{})
	defer close(stuck)

	_, err := bs.Register(noopHandler(), OpBlocking, func(context.Context) error {
		<-stuck
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, bs.Shutdown(), reactorerrors.ErrTimeout)
}

func TestBlockingSelectorConfigureInvalid(t *testing.T) {
	_, bs := newTestBlockingSelector(t)

	assert.ErrorIs(t, bs.ConfigureBlockingPool(0, time.Second, time.Second), reactorerrors.ErrInvalidArgument)
	assert.ErrorIs(t, bs.ConfigureBlockingPool(1, -time.Second, time.Second), reactorerrors.ErrInvalidArgument)

	_, err := bs.Register(noopHandler(), OpBlocking, nil)
	assert.ErrorIs(t, err, reactorerrors.ErrInvalidArgument)
}
