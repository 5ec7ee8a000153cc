package reactor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type commandType uint8

const (
	commandInterestOps commandType = iota
	commandDeregister
	commandReleaseLock
	commandCancel
)

type command struct {
	typ    commandType
	handle *Handle
	ops    Ops
}

type checkin struct {
	selector Selector
	ev       Event
}

var _ Commands = &HandlerAdapter{}

// HandlerAdapter runs one dispatch of a Handler: the event which triggered it
// plus any events parked for the same handler. Commands issued by the handler
// are buffered and applied once it returns, followed by one ResumeSelection
// per delivered handle.
type HandlerAdapter struct {
	r       *Reactor
	handler Handler
	events  []Event

	// accounted holds the handles whose events this adapter delivered, in
	// delivery order. Each is resumed exactly once.
	accounted map[*Handle]struct{}
	order     []*Handle

	mu       sync.Mutex
	cmds     []command
	finished bool
}

func newHandlerAdapter(r *Reactor, handler Handler) *HandlerAdapter {
	return &HandlerAdapter{
		r:         r,
		handler:   handler,
		accounted: make(map[*Handle]struct{}),
	}
}

func (a *HandlerAdapter) Handler() Handler {
	return a.handler
}

// addLocked validates evs against the registrar, which must be locked, and
// queues the deliverable ones. Events of disabled handles are returned so the
// caller can check them in once the registrar is unlocked.
func (a *HandlerAdapter) addLocked(evs []Event) (checkins []checkin) {
	for _, ev := range evs {
		reg, ok := a.r.registrar.entries[ev.Handle]
		if !ok {
			a.r.metrics.dropped.Inc()
			ev.Payload.Release()
			continue
		}
		ready := ev.Ready & reg.ops
		if ready == OpNoop {
			a.r.metrics.checkedIn.WithLabelValues(ev.Handle.Kind().String()).Inc()
			checkins = append(checkins, checkin{selector: reg.selector, ev: ev})
			continue
		}
		ev.Ready = ready
		a.events = append(a.events, ev)
	}
	return checkins
}

func (a *HandlerAdapter) account(h *Handle) bool {
	if _, ok := a.accounted[h]; ok {
		return false
	}
	a.accounted[h] = struct{}{}
	a.order = append(a.order, h)
	return true
}

func (a *HandlerAdapter) run() {
	start := time.Now()

	for _, ev := range a.events {
		if !a.account(ev.Handle) {
			a.r.log.Warn("suppressing duplicate event in one dispatch",
				zap.Stringer("handle", ev.Handle))
			continue
		}
		a.r.metrics.dispatched.WithLabelValues(ev.Handle.Kind().String()).Inc()
		a.invoke(ev)
	}
	a.events = nil

	a.complete()

	elapsed := time.Since(start)
	a.r.latency.Record(elapsed)
	a.r.metrics.latency.Observe(elapsed.Seconds())
}

// invoke runs the handler on ev. Pooled payload memory is returned once the
// handler is done with it.
func (a *HandlerAdapter) invoke(ev Event) {
	defer ev.Payload.Release()
	defer func() {
		if rec := recover(); rec != nil {
			a.r.metrics.panics.Inc()
			a.r.log.Error("handler panicked",
				zap.Stringer("handle", ev.Handle),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()

	a.handler.HandleEvent(a, ev)
}

func (a *HandlerAdapter) complete() {
	a.mu.Lock()
	cmds := a.cmds
	a.cmds = nil
	a.finished = true
	a.mu.Unlock()

	for _, c := range cmds {
		a.r.apply(c)
	}
	for _, h := range a.order {
		a.r.resume(h)
	}
	a.r.finish(a)
}

// push buffers c while the handler runs. Commands issued after the dispatch
// completed are applied right away.
func (a *HandlerAdapter) push(c command) {
	a.mu.Lock()
	if !a.finished {
		a.cmds = append(a.cmds, c)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.r.apply(c)
}

func (a *HandlerAdapter) InterestOps(h *Handle, ops Ops) {
	a.push(command{typ: commandInterestOps, handle: h, ops: ops})
}

func (a *HandlerAdapter) Deregister(h *Handle) {
	a.push(command{typ: commandDeregister, handle: h})
}

func (a *HandlerAdapter) ReleaseLock(lock *Handle) {
	a.push(command{typ: commandReleaseLock, handle: lock})
}

func (a *HandlerAdapter) Cancel(timer *Handle) {
	a.push(command{typ: commandCancel, handle: timer})
}

func (r *Reactor) apply(c command) {
	var err error
	switch c.typ {
	case commandInterestOps:
		err = r.SetInterestOps(c.handle, c.ops)
	case commandDeregister:
		err = r.Deregister(c.handle)
	case commandReleaseLock:
		err = r.ReleaseLock(c.handle)
	case commandCancel:
		r.Cancel(c.handle)
	}
	if err != nil {
		r.log.Warn("deferred command failed",
			zap.Stringer("handle", c.handle), zap.Error(err))
	}
}
