package reactor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talostrading/reactor/reactorerrors"
)

// manualScheduler runs tasks only when the test ticks them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	s         *manualScheduler
	mode      ScheduleMode
	fn        func()
	ran       bool
	cancelled bool
}

func (s *manualScheduler) Schedule(
	delay, period time.Duration,
	mode ScheduleMode,
	fn func(),
) (ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTask{s: s, mode: mode, fn: fn}
	s.tasks = append(s.tasks, t)
	return t, nil
}

func (s *manualScheduler) Close() error {
	return nil
}

// tick runs the last scheduled task n times, as the clock would.
func (s *manualScheduler) tick(n int) {
	s.mu.Lock()
	t := s.tasks[len(s.tasks)-1]
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.mu.Lock()
		skip := t.cancelled || (t.mode == ScheduleOnce && t.ran)
		t.ran = true
		s.mu.Unlock()

		if skip {
			return
		}
		t.fn()
	}
}

func (t *manualTask) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.cancelled || (t.mode == ScheduleOnce && t.ran) {
		return false
	}
	t.cancelled = true
	return true
}

func newTestTimerSelector(t *testing.T) (*Reactor, *TimerSelector, *manualScheduler) {
	sched := &manualScheduler{}
	r := newTestReactor(t, WithScheduler(sched))
	ts, err := NewTimerSelector(r)
	require.NoError(t, err)
	return r, ts, sched
}

func TestTimerSelectorOneShot(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(nil)
	h, err := ts.ScheduleAfter(handler, OpTimer, time.Second)
	require.NoError(t, err)
	assert.True(t, ts.IsRegistered(h))
	assert.Equal(t, 0, pollAll(t, r))

	sched.tick(1)
	assert.Equal(t, 1, pollAll(t, r))
	require.Equal(t, 1, handler.Count())
	assert.Equal(t, OpTimer, handler.Events()[0].Ready)
	assert.Equal(t, h, handler.Events()[0].Handle)

	assert.False(t, ts.IsRegistered(h), "one-shot timers retire on resume")
	assert.False(t, r.IsRegistered(h))
}

func TestTimerSelectorCancelIdempotent(t *testing.T) {
	r, ts, _ := newTestTimerSelector(t)

	h, err := ts.ScheduleAfter(noopHandler(), OpTimer, time.Second)
	require.NoError(t, err)

	assert.True(t, r.Cancel(h))
	assert.False(t, r.Cancel(h))
	assert.False(t, ts.IsRegistered(h))
}

func TestTimerSelectorCancelAfterFire(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(nil)
	h, err := ts.ScheduleAfter(handler, OpTimer, time.Second)
	require.NoError(t, err)

	sched.tick(1)
	assert.False(t, ts.Cancel(h), "already fired")
	assert.True(t, ts.IsRegistered(h), "awaiting resume")

	assert.Equal(t, 1, pollAll(t, r))
	assert.Equal(t, 1, handler.Count())
	assert.False(t, ts.IsRegistered(h))
}

func TestTimerSelectorRecurringCancelDefersDeregistration(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(nil)
	h, err := ts.ScheduleFixedRate(handler, OpTimer, 0, time.Millisecond)
	require.NoError(t, err)

	sched.tick(3)
	assert.Equal(t, 3, ts.Outstanding(h))
	assert.Equal(t, 1, r.Stats().Ready, "one event outstanding at a time")

	assert.True(t, ts.Cancel(h))
	assert.False(t, ts.Cancel(h))
	assert.True(t, ts.IsRegistered(h))

	sched.tick(1)
	assert.Equal(t, 3, ts.Outstanding(h), "no fire after cancel")

	assert.Equal(t, 3, pollAll(t, r))
	assert.Equal(t, 3, handler.Count())
	assert.False(t, ts.IsRegistered(h))
	assert.False(t, r.IsRegistered(h))
}

func TestTimerSelectorRecurringKeepsFiring(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(nil)
	h, err := ts.ScheduleFixedDelay(handler, OpTimer, time.Millisecond, time.Millisecond)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		sched.tick(1)
		assert.Equal(t, 1, pollAll(t, r))
		assert.Equal(t, i, handler.Count())
	}
	assert.True(t, ts.IsRegistered(h))
	assert.Equal(t, 0, ts.Outstanding(h))
}

func TestTimerSelectorHoldWhileDisabled(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(nil)
	h, err := ts.ScheduleFixedRate(handler, OpNoop, 0, time.Millisecond)
	require.NoError(t, err)

	sched.tick(1)
	assert.Equal(t, 0, pollAll(t, r))

	require.NoError(t, ts.InterestOps(h, OpTimer))
	assert.Equal(t, 1, pollAll(t, r))
	assert.Equal(t, 1, handler.Count())
}

func TestTimerSelectorCheckinAfterDisable(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(nil)
	h, err := ts.ScheduleAfter(handler, OpTimer, 0)
	require.NoError(t, err)

	sched.tick(1)
	require.NoError(t, r.SetInterestOps(h, OpNoop))

	// Dispatch finds the handle disabled and checks the event back in.
	assert.Equal(t, 1, pollAll(t, r))
	assert.Equal(t, 0, handler.Count())
	assert.True(t, ts.IsRegistered(h))

	require.NoError(t, r.SetInterestOps(h, OpTimer))
	assert.Equal(t, 1, pollAll(t, r))
	assert.Equal(t, 1, handler.Count())
	assert.False(t, ts.IsRegistered(h))
}

func TestTimerSelectorInvalidArguments(t *testing.T) {
	_, ts, _ := newTestTimerSelector(t)

	_, err := ts.ScheduleAfter(noopHandler(), OpRead, time.Second)
	assert.ErrorIs(t, err, reactorerrors.ErrInvalidInterestOps)

	_, err = ts.ScheduleFixedRate(noopHandler(), OpTimer, 0, 0)
	assert.ErrorIs(t, err, reactorerrors.ErrInvalidArgument)

	_, err = ts.ScheduleAfter(nil, OpTimer, time.Second)
	assert.ErrorIs(t, err, reactorerrors.ErrNilHandler)

	h, err := ts.ScheduleAfter(noopHandler(), OpTimer, time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, ts.InterestOps(h, OpQRead), reactorerrors.ErrInvalidInterestOps)
	assert.Equal(t, OpTimer, ts.r.InterestOps(h), "unchanged")
}

func TestTimerSelectorCommandCancel(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(func(cmds Commands, ev Event) {
		cmds.Cancel(ev.Handle)
	})
	h, err := ts.ScheduleFixedRate(handler, OpTimer, 0, time.Millisecond)
	require.NoError(t, err)

	sched.tick(1)
	assert.Equal(t, 1, pollAll(t, r))
	assert.False(t, ts.IsRegistered(h))

	sched.tick(1)
	assert.Equal(t, 0, pollAll(t, r))
	assert.Equal(t, 1, handler.Count())
}

func TestTimerSelectorSchedulerFailure(t *testing.T) {
	r, ts, sched := newTestTimerSelector(t)

	handler := newRecorder(nil)
	h, err := ts.ScheduleFixedRate(handler, OpTimer, 0, time.Millisecond)
	require.NoError(t, err)

	r.ReportSchedulerFailure(errors.New("clock died"))

	select {
	case err := <-r.Errors():
		assert.ErrorIs(t, err, reactorerrors.ErrSelectorFailure)
	default:
		t.Fatal("expected a critical error")
	}

	_, err = ts.ScheduleAfter(noopHandler(), OpTimer, time.Second)
	assert.ErrorIs(t, err, reactorerrors.ErrSelectorClosed)

	assert.True(t, ts.IsRegistered(h), "existing handles stay queryable")
	assert.True(t, r.IsRegistered(h))
	assert.Equal(t, OpTimer, r.InterestOps(h))

	sched.tick(2)
	assert.Equal(t, reactorerrors.ErrTimeout, r.PollOne(), "no events after the failure")
	assert.Equal(t, 0, handler.Count())
}
