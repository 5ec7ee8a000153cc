package reactor

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/talostrading/reactor/reactorerrors"
	"github.com/talostrading/reactor/util"
)

// LockState of a handler, or the aggregate state of a lock group.
type LockState uint8

const (
	LockOpen LockState = iota
	LockPending
	LockLocked
)

func (s LockState) String() string {
	switch s {
	case LockOpen:
		return "open"
	case LockPending:
		return "pending"
	case LockLocked:
		return "locked"
	default:
		return "lock_unknown"
	}
}

// LockFailure is returned when a lock request cannot be satisfied.
type LockFailure struct {
	Handle *Handle
	Err    error
}

func (e *LockFailure) Error() string {
	return fmt.Sprintf("lock %s: %v", e.Handle, e.Err)
}

func (e *LockFailure) Unwrap() error {
	return e.Err
}

type handlerSet map[Handler]struct{}

func (s handlerSet) add(h Handler) {
	s[h] = struct{}{}
}

func (s handlerSet) remove(h Handler) {
	delete(s, h)
}

func (s handlerSet) contains(h Handler) bool {
	_, ok := s[h]
	return ok
}

// lockHandlerGroup is one lock request. Each member is in exactly one of open,
// pending and locked.
type lockHandlerGroup struct {
	handle  *Handle
	handler Handler
	members []Handler

	open    handlerSet
	pending handlerSet
	locked  handlerSet

	gen GenState
}

func (g *lockHandlerGroup) state() LockState {
	switch {
	case len(g.locked) == len(g.members):
		return LockLocked
	case len(g.pending) > 0 || len(g.locked) > 0:
		return LockPending
	default:
		return LockOpen
	}
}

type pendingEntry struct {
	seq   uint64
	group *lockHandlerGroup
}

// pendingGroup queues, per handler, the lock requests waiting for it to stop
// running, in submission order.
type pendingGroup struct {
	queues map[Handler]*util.List[pendingEntry]
}

func newPendingGroup() *pendingGroup {
	return &pendingGroup{queues: make(map[Handler]*util.List[pendingEntry])}
}

func (p *pendingGroup) add(handler Handler, e pendingEntry) {
	q, ok := p.queues[handler]
	if !ok {
		q = util.NewList[pendingEntry]()
		p.queues[handler] = q
	}
	q.Add(e)
}

func (p *pendingGroup) pop(handler Handler) (pendingEntry, bool) {
	q, ok := p.queues[handler]
	if !ok {
		return pendingEntry{}, false
	}
	e, ok := q.PopFront()
	if q.Size() == 0 {
		delete(p.queues, handler)
	}
	return e, ok
}

func (p *pendingGroup) remove(handler Handler, g *lockHandlerGroup) {
	q, ok := p.queues[handler]
	if !ok {
		return
	}
	q.RemoveFunc(func(e pendingEntry) bool { return e.group == g })
	if q.Size() == 0 {
		delete(p.queues, handler)
	}
}

func (p *pendingGroup) len(handler Handler) int {
	if q, ok := p.queues[handler]; ok {
		return q.Size()
	}
	return 0
}

var _ Selector = &lockManager{}

// lockManager owns every lock group and is the selector of lock handles. It
// shares the reactor's mutex.
type lockManager struct {
	r       *Reactor
	log     *zap.Logger
	groups  map[*Handle]*lockHandlerGroup
	pending *pendingGroup
	seq     uint64
}

func newLockManager(r *Reactor) *lockManager {
	return &lockManager{
		r:       r,
		log:     r.log.Named("lock"),
		groups:  make(map[*Handle]*lockHandlerGroup),
		pending: newPendingGroup(),
	}
}

func (m *lockManager) Kind() Kind {
	return KindLock
}

func (m *lockManager) failure(h *Handle, format string, args ...interface{}) error {
	return &LockFailure{
		Handle: h,
		Err:    reactorerrors.ErrLockFailure.WithMsg(format, args...),
	}
}

func (m *lockManager) lockLocked(lockHandler Handler, members []Handler) (*Handle, error) {
	h := newHandle(KindLock)

	if err := validHandler(lockHandler); err != nil {
		return nil, &LockFailure{Handle: h, Err: err}
	}
	if len(members) == 0 {
		return nil, m.failure(h, "empty handler set")
	}

	g := &lockHandlerGroup{
		handle:  h,
		handler: lockHandler,
		open:    make(handlerSet),
		pending: make(handlerSet),
		locked:  make(handlerSet),
	}
	for _, member := range members {
		if err := validHandler(member); err != nil {
			return nil, &LockFailure{Handle: h, Err: err}
		}
		if member == lockHandler {
			return nil, m.failure(h, "lock handler cannot be a member of its own group")
		}
		if g.open.contains(member) {
			continue
		}
		if !m.r.registrar.ContainsHandler(member) {
			return nil, m.failure(h, "handler has no registered handle")
		}
		g.open.add(member)
		g.members = append(g.members, member)
	}

	m.groups[h] = g
	m.r.registrar.Add(h, lockHandler, m, OpLock)

	m.seq++
	for _, member := range g.members {
		g.open.remove(member)
		if m.r.tracker.State(member) == RunIdle {
			_ = m.r.tracker.markLocked(member, g)
			g.locked.add(member)
		} else {
			g.pending.add(member)
			m.pending.add(member, pendingEntry{seq: m.seq, group: g})
		}
	}

	m.log.Debug("lock requested",
		zap.Stringer("handle", h),
		zap.Int("members", len(g.members)),
		zap.Int("locked", len(g.locked)),
		zap.Int("pending", len(g.pending)))

	m.evaluate(g)
	return h, nil
}

// evaluate fires the group's event the first time all members are locked.
func (m *lockManager) evaluate(g *lockHandlerGroup) {
	if g.state() != LockLocked || g.gen != GenNone {
		return
	}
	m.r.metrics.locks.Inc()
	m.fire(g)
}

func (m *lockManager) fire(g *lockHandlerGroup) {
	if m.r.registrar.InterestOps(g.handle)&OpLock == 0 {
		g.gen, _ = g.gen.next(genHold)
		return
	}

	to, ok := g.gen.next(genFire)
	if !ok {
		m.log.Warn("illegal lock generation transition",
			zap.Stringer("handle", g.handle), zap.Stringer("from", g.gen))
		return
	}
	g.gen = to
	m.r.pushReadyLocked(Event{Handle: g.handle, Ready: OpLock})
}

// onHandlerIdle grants handler to the earliest lock request waiting for it.
// It returns false if there was none.
func (m *lockManager) onHandlerIdle(handler Handler) bool {
	e, ok := m.pending.pop(handler)
	if !ok {
		return false
	}

	g := e.group
	g.pending.remove(handler)
	if err := m.r.tracker.markLocked(handler, g); err != nil {
		m.log.Error("cannot lock idle handler", zap.Error(err))
		return false
	}
	g.locked.add(handler)
	m.evaluate(g)
	return true
}

func (m *lockManager) releaseLocked(h *Handle) ([]Handler, error) {
	g, ok := m.groups[h]
	if !ok {
		return nil, m.failure(h, "unknown lock handle")
	}

	delete(m.groups, h)
	m.r.registrar.Remove(h)

	for member := range g.pending {
		m.pending.remove(member, g)
	}
	g.pending = make(handlerSet)

	var unlocked []Handler
	for _, member := range g.members {
		if !g.locked.contains(member) {
			continue
		}
		if err := m.r.tracker.unlock(member, g); err != nil {
			m.log.Error("cannot unlock handler", zap.Error(err))
			continue
		}
		g.locked.remove(member)
		g.open.add(member)
		unlocked = append(unlocked, member)
	}

	m.log.Debug("lock released",
		zap.Stringer("handle", h), zap.Int("unlocked", len(unlocked)))

	return unlocked, nil
}

func (m *lockManager) stateOf(handler Handler) LockState {
	if m.r.tracker.State(handler) == RunLocked {
		return LockLocked
	}
	if m.pending.len(handler) > 0 {
		return LockPending
	}
	return LockOpen
}

func (m *lockManager) InterestOps(h *Handle, ops Ops) error {
	if !ops.In(KindLock.ValidOps()) {
		return reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for lock handles", ops)
	}

	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	g, ok := m.groups[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("lock %s not registered", h)
	}
	m.r.registrar.SetInterestOps(h, ops)
	if ops&OpLock != 0 && g.gen == GenHolding {
		m.fire(g)
	}
	return nil
}

func (m *lockManager) Deregister(h *Handle) error {
	err := m.r.ReleaseLock(h)
	if reactorerrors.GetKind(err) == reactorerrors.KindLockFailure {
		return nil
	}
	return err
}

func (m *lockManager) IsRegistered(h *Handle) bool {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	_, ok := m.groups[h]
	return ok
}

func (m *lockManager) Checkin(h *Handle, ev Event) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	g, ok := m.groups[h]
	if !ok {
		return
	}
	if g.gen != GenFired {
		return
	}
	g.gen, _ = g.gen.next(genHold)
	// the handle may have been enabled again since the event was emitted
	if m.r.registrar.InterestOps(h)&OpLock != 0 {
		m.fire(g)
	}
}

func (m *lockManager) ResumeSelection(h *Handle) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	g, ok := m.groups[h]
	if !ok {
		return
	}
	if to, ok := g.gen.next(genComplete); ok {
		g.gen = to
	}
}

func (m *lockManager) Close() error {
	return nil
}

// Lock requests exclusive hold of members. Idle members are locked at once,
// running or already locked ones are queued. Once every member is locked,
// lockHandler receives an OpLock event on the returned handle; the members
// run no handler until ReleaseLock is called with that handle.
func (r *Reactor) Lock(lockHandler Handler, members ...Handler) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, reactorerrors.ErrClosed
	}
	return r.locks.lockLocked(lockHandler, members)
}

// ReleaseLock releases every member held by the lock and cancels the requests
// still pending. Released members first serve their next pending lock request,
// then their parked events.
func (r *Reactor) ReleaseLock(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlocked, err := r.locks.releaseLocked(h)
	if err != nil {
		return err
	}
	for _, member := range unlocked {
		r.releaseHandlerLocked(member)
	}
	return nil
}

// LockState of handler: locked by a group, pending on at least one lock
// request, or open.
func (r *Reactor) LockState(handler Handler) LockState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks.stateOf(handler)
}

// LockGroupState is the aggregate state of the lock behind h.
func (r *Reactor) LockGroupState(h *Handle) (LockState, GenState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.locks.groups[h]
	if !ok {
		return LockOpen, GenNone, false
	}
	return g.state(), g.gen, true
}

func validHandler(handler Handler) error {
	if handler == nil {
		return reactorerrors.ErrNilHandler
	}
	if !reflect.TypeOf(handler).Comparable() {
		return reactorerrors.ErrInvalidArgument.WithMsg(
			"handler of type %T is not comparable", handler)
	}
	return nil
}
