package reactor

import (
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"

	"github.com/talostrading/reactor/reactorerrors"
)

type signalEntry struct {
	sigs []os.Signal
	ch   chan os.Signal

	// release unblocks the watcher once the handler returned. stop ends it.
	release chan struct{}
	stop    chan struct{}
	done    chan struct{}

	last os.Signal
	gen  GenState
}

var _ Selector = &SignalSelector{}

// SignalSelector delivers OS signals as OpSignal events. Each handle has a
// watcher goroutine which, after emitting an event, waits for the handler to
// return before it picks up the next signal. Signals arriving meanwhile are
// coalesced.
type SignalSelector struct {
	r   *Reactor
	log *zap.Logger

	mu      sync.Mutex
	entries map[*Handle]*signalEntry
	bySig   map[os.Signal]*Handle
	closed  bool
}

func NewSignalSelector(r *Reactor) (*SignalSelector, error) {
	s := &SignalSelector{
		r:       r,
		log:     r.log.Named(KindSignal.String()),
		entries: make(map[*Handle]*signalEntry),
		bySig:   make(map[os.Signal]*Handle),
	}
	if err := r.addSelector(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SignalSelector) Kind() Kind {
	return KindSignal
}

// Register watches sigs. A signal can be watched by one handle at a time.
func (s *SignalSelector) Register(handler Handler, ops Ops, sigs ...os.Signal) (*Handle, error) {
	if err := validHandler(handler); err != nil {
		return nil, err
	}
	if !ops.In(KindSignal.ValidOps()) {
		return nil, reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for signals", ops)
	}
	if len(sigs) == 0 {
		return nil, reactorerrors.ErrInvalidArgument.WithMsg("no signal to watch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, reactorerrors.ErrSelectorClosed
	}
	for _, sig := range sigs {
		if _, ok := s.bySig[sig]; ok {
			return nil, reactorerrors.ErrDuplicateRegistration.WithMsg("signal %s already watched", sig)
		}
	}

	h := newHandle(KindSignal)
	e := &signalEntry{
		sigs:    sigs,
		ch:      make(chan os.Signal, 1),
		release: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.entries[h] = e
	for _, sig := range sigs {
		s.bySig[sig] = h
	}
	s.r.ProcessRegister(h, handler, s, ops)

	signal.Notify(e.ch, sigs...)
	go s.watch(h, e)

	return h, nil
}

func (s *SignalSelector) watch(h *Handle, e *signalEntry) {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			return
		case sig := <-e.ch:
			s.onSignal(h, sig)
		}

		select {
		case <-e.stop:
			return
		case <-e.release:
		}
	}
}

func (s *SignalSelector) onSignal(h *Handle, sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return
	}
	s.log.Debug("signal received", zap.Stringer("handle", h), zap.Stringer("signal", sig))
	e.last = sig
	s.emitLocked(h, e)
}

func (s *SignalSelector) emitLocked(h *Handle, e *signalEntry) {
	if s.r.InterestOps(h)&OpSignal == 0 {
		if to, ok := e.gen.next(genHold); ok {
			e.gen = to
		}
		return
	}

	to, ok := e.gen.next(genFire)
	if !ok {
		s.log.Warn("illegal signal generation transition",
			zap.Stringer("handle", h), zap.Stringer("from", e.gen))
		return
	}
	e.gen = to
	s.r.AddReadyEvent(Event{Handle: h, Ready: OpSignal, Payload: SignalPayload(e.last)})
}

func (s *SignalSelector) InterestOps(h *Handle, ops Ops) error {
	if !ops.In(KindSignal.ValidOps()) {
		return reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for signals", ops)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("signal %s not registered", h)
	}
	s.r.ProcessInterestOps(h, ops)
	if ops&OpSignal != 0 && e.gen == GenHolding {
		s.emitLocked(h, e)
	}
	return nil
}

func (s *SignalSelector) Deregister(h *Handle) error {
	s.mu.Lock()
	e, ok := s.entries[h]
	if ok {
		s.removeLocked(h, e)
	}
	s.mu.Unlock()

	if ok {
		<-e.done
	}
	return nil
}

// removeLocked stops the watcher of h. The caller joins it on e.done once mu
// is released.
func (s *SignalSelector) removeLocked(h *Handle, e *signalEntry) {
	signal.Stop(e.ch)
	close(e.stop)
	for _, sig := range e.sigs {
		delete(s.bySig, sig)
	}
	delete(s.entries, h)
	s.r.ProcessDeregister(h)
}

func (s *SignalSelector) IsRegistered(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[h]
	return ok
}

func (s *SignalSelector) Checkin(h *Handle, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.gen != GenFired {
		return
	}
	if sig, ok := ev.Payload.Signal(); ok {
		e.last = sig
	}
	e.gen, _ = e.gen.next(genHold)
	if s.r.InterestOps(h)&OpSignal != 0 {
		s.emitLocked(h, e)
	}
}

// ResumeSelection lets the watcher of h pick up the next signal.
func (s *SignalSelector) ResumeSelection(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return
	}
	to, ok := e.gen.next(genResume)
	if !ok {
		return
	}
	e.gen = to

	select {
	case e.release <- struct{}{}:
	default:
	}
}

func (s *SignalSelector) Close() error {
	s.mu.Lock()
	s.closed = true
	var stopped []*signalEntry
	for h, e := range s.entries {
		s.removeLocked(h, e)
		stopped = append(stopped, e)
	}
	s.mu.Unlock()

	for _, e := range stopped {
		<-e.done
	}
	return nil
}
