package reactor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talostrading/reactor/reactorerrors"
)

type lockFixture struct {
	r  *Reactor
	qs *QueueSelector
}

func newLockFixture(t *testing.T) *lockFixture {
	r := newTestReactor(t)
	qs, err := NewQueueSelector(r)
	require.NoError(t, err)
	return &lockFixture{r: r, qs: qs}
}

// member registers a queue for a new recording handler.
func (f *lockFixture) member(t *testing.T, fn func(Commands, Event)) (*recorder, *Queue[int]) {
	q := NewQueue[int]()
	handler := newRecorder(func(cmds Commands, ev Event) {
		q.Drain()
		if fn != nil {
			fn(cmds, ev)
		}
	})
	_, err := f.qs.Register(q, handler, OpQRead)
	require.NoError(t, err)
	return handler, q
}

func TestLockIdleMembers(t *testing.T) {
	f := newLockFixture(t)
	h1, _ := f.member(t, nil)
	h2, _ := f.member(t, nil)

	lockHandler := newRecorder(nil)
	lock, err := f.r.Lock(lockHandler, h1, h2, h1)
	require.NoError(t, err)

	state, gen, ok := f.r.LockGroupState(lock)
	require.True(t, ok)
	assert.Equal(t, LockLocked, state)
	assert.Equal(t, GenFired, gen)
	assert.Equal(t, LockLocked, f.r.LockState(h1))
	assert.Equal(t, LockLocked, f.r.LockState(h2))

	assert.Equal(t, 1, pollAll(t, f.r))
	require.Equal(t, 1, lockHandler.Count())
	assert.Equal(t, OpLock, lockHandler.Events()[0].Ready)
	assert.Equal(t, lock, lockHandler.Events()[0].Handle)

	_, gen, _ = f.r.LockGroupState(lock)
	assert.Equal(t, GenDone, gen, "a lock fires once")

	require.NoError(t, f.r.ReleaseLock(lock))
	assert.Equal(t, LockOpen, f.r.LockState(h1))
	assert.Equal(t, LockOpen, f.r.LockState(h2))
	assert.False(t, f.r.IsRegistered(lock))
}

func TestLockParksEventsUntilRelease(t *testing.T) {
	f := newLockFixture(t)
	h1, q1 := f.member(t, nil)

	lock, err := f.r.Lock(newRecorder(nil), h1)
	require.NoError(t, err)
	pollAll(t, f.r)

	q1.Offer(1)
	assert.Equal(t, 1, pollAll(t, f.r), "parked")
	assert.Equal(t, 0, h1.Count())
	assert.Equal(t, 1, f.r.Stats().Parked)

	require.NoError(t, f.r.ReleaseLock(lock))
	assert.Equal(t, 1, pollAll(t, f.r))
	assert.Equal(t, 1, h1.Count())
	assert.Equal(t, 0, f.r.Stats().Parked)
}

func TestLockFairness(t *testing.T) {
	f := newLockFixture(t)

	var (
		lock1, lock2 *Handle
		h2           *recorder
	)
	lock1Handler := newRecorder(nil)
	lock2Handler := newRecorder(nil)

	var h1 *recorder
	h1, q1 := f.member(t, func(Commands, Event) {
		var err error
		lock1, err = f.r.Lock(lock1Handler, h1, h2)
		require.NoError(t, err)
		lock2, err = f.r.Lock(lock2Handler, h1)
		require.NoError(t, err)

		assert.Equal(t, LockPending, f.r.LockState(h1), "running members wait")
		assert.Equal(t, LockLocked, f.r.LockState(h2), "idle members lock at once")

		state, _, _ := f.r.LockGroupState(lock1)
		assert.Equal(t, LockPending, state)
		state, _, _ = f.r.LockGroupState(lock2)
		assert.Equal(t, LockPending, state)
	})
	h2, _ = f.member(t, nil)

	q1.Offer(1)
	require.NoError(t, f.r.PollOne())
	require.Equal(t, 1, h1.Count())

	// H1 finished: the earliest request gets it.
	state, _, _ := f.r.LockGroupState(lock1)
	assert.Equal(t, LockLocked, state)
	state, _, _ = f.r.LockGroupState(lock2)
	assert.Equal(t, LockPending, state)
	assert.Equal(t, LockLocked, f.r.LockState(h1))

	assert.Equal(t, 1, pollAll(t, f.r))
	assert.Equal(t, 1, lock1Handler.Count())
	assert.Equal(t, 0, lock2Handler.Count())

	require.NoError(t, f.r.ReleaseLock(lock1))
	state, _, _ = f.r.LockGroupState(lock2)
	assert.Equal(t, LockLocked, state)
	assert.Equal(t, LockOpen, f.r.LockState(h2))

	assert.Equal(t, 1, pollAll(t, f.r))
	assert.Equal(t, 1, lock2Handler.Count())

	require.NoError(t, f.r.ReleaseLock(lock2))
	assert.Equal(t, LockOpen, f.r.LockState(h1))
}

func TestLockReleaseCancelsPending(t *testing.T) {
	f := newLockFixture(t)
	h1, _ := f.member(t, nil)
	h2, _ := f.member(t, nil)

	first, err := f.r.Lock(newRecorder(nil), h1)
	require.NoError(t, err)

	second, err := f.r.Lock(newRecorder(nil), h1, h2)
	require.NoError(t, err)
	state, _, _ := f.r.LockGroupState(second)
	assert.Equal(t, LockPending, state)
	assert.Equal(t, LockLocked, f.r.LockState(h2))

	require.NoError(t, f.r.ReleaseLock(second))
	assert.Equal(t, LockOpen, f.r.LockState(h2))
	assert.Equal(t, LockLocked, f.r.LockState(h1), "still held by the first lock")

	require.NoError(t, f.r.ReleaseLock(first))
	assert.Equal(t, LockOpen, f.r.LockState(h1))
}

func TestLockReleaseFromLockHandler(t *testing.T) {
	f := newLockFixture(t)
	h1, q1 := f.member(t, nil)

	lockHandler := newRecorder(func(cmds Commands, ev Event) {
		cmds.ReleaseLock(ev.Handle)
	})
	lock, err := f.r.Lock(lockHandler, h1)
	require.NoError(t, err)

	q1.Offer(1)
	pollAll(t, f.r)
	assert.Equal(t, 1, lockHandler.Count())
	assert.Equal(t, 1, h1.Count(), "parked event runs after release")
	assert.False(t, f.r.IsRegistered(lock))
}

func TestLockHoldWhileDisabled(t *testing.T) {
	f := newLockFixture(t)
	h1, _ := f.member(t, nil)

	lockHandler := newRecorder(nil)
	lock, err := f.r.Lock(lockHandler, h1)
	require.NoError(t, err)

	require.NoError(t, f.r.SetInterestOps(lock, OpNoop))
	assert.Equal(t, 1, pollAll(t, f.r), "checked in")
	_, gen, _ := f.r.LockGroupState(lock)
	assert.Equal(t, GenHolding, gen)

	require.NoError(t, f.r.SetInterestOps(lock, OpLock))
	assert.Equal(t, 1, pollAll(t, f.r))
	assert.Equal(t, 1, lockHandler.Count())

	assert.ErrorIs(t, f.r.SetInterestOps(lock, OpTimer), reactorerrors.ErrInvalidInterestOps)
}

func TestLockDeregister(t *testing.T) {
	f := newLockFixture(t)
	h1, _ := f.member(t, nil)

	lock, err := f.r.Lock(newRecorder(nil), h1)
	require.NoError(t, err)

	require.NoError(t, f.r.Deregister(lock))
	assert.Equal(t, LockOpen, f.r.LockState(h1))
	require.NoError(t, f.r.Deregister(lock))
}

func TestLockFailures(t *testing.T) {
	f := newLockFixture(t)
	h1, _ := f.member(t, nil)
	unregistered := newRecorder(nil)

	var failure *LockFailure

	_, err := f.r.Lock(newRecorder(nil))
	require.True(t, errors.As(err, &failure))
	assert.ErrorIs(t, err, reactorerrors.ErrLockFailure)

	_, err = f.r.Lock(newRecorder(nil), unregistered)
	assert.ErrorIs(t, err, reactorerrors.ErrLockFailure)

	_, err = f.r.Lock(h1, h1)
	assert.ErrorIs(t, err, reactorerrors.ErrLockFailure)

	_, err = f.r.Lock(nil, h1)
	assert.ErrorIs(t, err, reactorerrors.ErrNilHandler)

	_, err = f.r.Lock(newRecorder(nil), h1, nil)
	assert.ErrorIs(t, err, reactorerrors.ErrNilHandler)

	err = f.r.ReleaseLock(newHandle(KindLock))
	require.True(t, errors.As(err, &failure))
	assert.ErrorIs(t, err, reactorerrors.ErrLockFailure)

	assert.Equal(t, LockOpen, f.r.LockState(h1), "failed requests leave no trace")
	assert.Equal(t, 1, f.r.Stats().Registered)
}
