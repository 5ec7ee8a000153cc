package reactor

import (
	"github.com/talostrading/reactor/reactorerrors"
)

// RunState is what a handler is doing from the reactor's point of view.
type RunState uint8

const (
	RunIdle RunState = iota
	RunRunning
	RunLocked
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunRunning:
		return "running"
	case RunLocked:
		return "locked"
	default:
		return "run_unknown"
	}
}

type runEntry struct {
	state   RunState
	adapter *HandlerAdapter
	lock    *lockHandlerGroup
}

// RunLockTracker records, per handler, whether it is running on an adapter or
// held by a lock group. A handler is never both, and at most one adapter is
// associated with it. Not synchronized; the Reactor serializes access.
type RunLockTracker struct {
	entries map[Handler]*runEntry
}

func NewRunLockTracker() *RunLockTracker {
	return &RunLockTracker{
		entries: make(map[Handler]*runEntry),
	}
}

func (t *RunLockTracker) State(handler Handler) RunState {
	if e, ok := t.entries[handler]; ok {
		return e.state
	}
	return RunIdle
}

func (t *RunLockTracker) CanRun(handler Handler) bool {
	return t.State(handler) == RunIdle
}

func (t *RunLockTracker) MarkRunning(handler Handler, a *HandlerAdapter) error {
	if s := t.State(handler); s != RunIdle {
		return reactorerrors.ErrLockFailure.WithMsg("cannot run handler, it is %s", s)
	}
	t.entries[handler] = &runEntry{state: RunRunning, adapter: a}
	return nil
}

func (t *RunLockTracker) MarkDone(handler Handler, a *HandlerAdapter) error {
	e, ok := t.entries[handler]
	if !ok || e.state != RunRunning || e.adapter != a {
		return reactorerrors.ErrLockFailure.WithMsg("handler is not running on this adapter")
	}
	delete(t.entries, handler)
	return nil
}

func (t *RunLockTracker) markLocked(handler Handler, g *lockHandlerGroup) error {
	if s := t.State(handler); s != RunIdle {
		return reactorerrors.ErrLockFailure.WithMsg("cannot lock handler, it is %s", s)
	}
	t.entries[handler] = &runEntry{state: RunLocked, lock: g}
	return nil
}

func (t *RunLockTracker) unlock(handler Handler, g *lockHandlerGroup) error {
	e, ok := t.entries[handler]
	if !ok || e.state != RunLocked || e.lock != g {
		return reactorerrors.ErrLockFailure.WithMsg("handler is not locked by this group")
	}
	delete(t.entries, handler)
	return nil
}
