package reactor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/talostrading/reactor/reactorerrors"
)

type errorEntry struct {
	handler Handler
	gen     GenState
}

var _ Selector = &ErrorSelector{}

// ErrorSelector delivers reported errors as OpError events, one at a time and
// in report order. Errors are never dropped while their handle is registered.
// A handler has at most one error handle: registering it again retires the
// previous handle together with its undelivered errors.
type ErrorSelector struct {
	r   *Reactor
	log *zap.Logger

	mu        sync.Mutex
	entries   map[*Handle]*errorEntry
	byHandler map[Handler]*Handle
	store     *EventStore
	closed    bool
}

func NewErrorSelector(r *Reactor) (*ErrorSelector, error) {
	s := &ErrorSelector{
		r:         r,
		log:       r.log.Named(KindError.String()),
		entries:   make(map[*Handle]*errorEntry),
		byHandler: make(map[Handler]*Handle),
		store:     NewEventStore(),
	}
	if err := r.addSelector(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ErrorSelector) Kind() Kind {
	return KindError
}

func (s *ErrorSelector) Register(handler Handler, ops Ops) (*Handle, error) {
	if err := validHandler(handler); err != nil {
		return nil, err
	}
	if !ops.In(KindError.ValidOps()) {
		return nil, reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for errors", ops)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, reactorerrors.ErrSelectorClosed
	}

	if old, ok := s.byHandler[handler]; ok {
		dropped := s.store.Len(handler)
		s.removeLocked(old, s.entries[old])
		s.log.Debug("retired previous error handle",
			zap.Stringer("handle", old), zap.Int("dropped", dropped))
	}

	h := newHandle(KindError)
	s.entries[h] = &errorEntry{handler: handler}
	s.byHandler[handler] = h
	s.r.ProcessRegister(h, handler, s, ops)
	return h, nil
}

// Report queues err for the handler of h.
func (s *ErrorSelector) Report(h *Handle, err error) error {
	if err == nil {
		return reactorerrors.ErrInvalidArgument.WithMsg("nil error")
	}
	return s.push(h, ErrorPayload(err))
}

// ReportUndelivered queues a copy of data which could not be delivered, such as
// the unwritten tail of a failed write. The handler receives it as a bytes
// payload which is valid until the handler returns.
func (s *ErrorSelector) ReportUndelivered(h *Handle, data []byte) error {
	if len(data) == 0 {
		return reactorerrors.ErrInvalidArgument.WithMsg("no undelivered data")
	}

	p := BytesPayload(data)
	if err := s.push(h, p); err != nil {
		p.Release()
		return err
	}
	return nil
}

func (s *ErrorSelector) push(h *Handle, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("error %s not registered", h)
	}
	s.store.Push(e.handler, Event{Handle: h, Ready: OpError, Payload: p})
	if !e.gen.Outstanding() {
		s.emitLocked(h, e)
	}
	return nil
}

// emitLocked emits the oldest stored error of h, or holds while h is disabled.
func (s *ErrorSelector) emitLocked(h *Handle, e *errorEntry) {
	if s.store.Len(e.handler) == 0 {
		return
	}

	if s.r.InterestOps(h)&OpError == 0 {
		if to, ok := e.gen.next(genHold); ok {
			e.gen = to
		}
		return
	}

	to, ok := e.gen.next(genFire)
	if !ok {
		s.log.Warn("illegal error generation transition",
			zap.Stringer("handle", h), zap.Stringer("from", e.gen))
		return
	}
	ev, _ := s.store.Pop(e.handler)
	e.gen = to
	s.r.AddReadyEvent(ev)
}

// Pending returns the number of errors of h not delivered yet.
func (s *ErrorSelector) Pending(h *Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		return s.store.Len(e.handler)
	}
	return 0
}

func (s *ErrorSelector) InterestOps(h *Handle, ops Ops) error {
	if !ops.In(KindError.ValidOps()) {
		return reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for errors", ops)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("error %s not registered", h)
	}
	s.r.ProcessInterestOps(h, ops)
	if ops&OpError != 0 && e.gen == GenHolding {
		s.emitLocked(h, e)
	}
	return nil
}

func (s *ErrorSelector) Deregister(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[h]; ok {
		s.removeLocked(h, e)
	}
	return nil
}

func (s *ErrorSelector) removeLocked(h *Handle, e *errorEntry) {
	dropped := s.store.Drain(e.handler)
	for i := range dropped {
		dropped[i].Payload.Release()
	}
	delete(s.entries, h)
	delete(s.byHandler, e.handler)
	s.r.ProcessDeregister(h)
}

func (s *ErrorSelector) IsRegistered(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[h]
	return ok
}

// Checkin puts ev back at the head of the handler's errors, since the payload
// cannot be rebuilt.
func (s *ErrorSelector) Checkin(h *Handle, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.gen != GenFired {
		return
	}
	s.store.PushFront(e.handler, ev)
	e.gen, _ = e.gen.next(genHold)
	if s.r.InterestOps(h)&OpError != 0 {
		s.emitLocked(h, e)
	}
}

func (s *ErrorSelector) ResumeSelection(h *Handle) {
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
	s.emitLocked(h, e)
}

func (s *ErrorSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for h, e := range s.entries {
		s.removeLocked(h, e)
	}
	return nil
}
