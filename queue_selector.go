package reactor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/talostrading/reactor/reactorerrors"
)

type queueEntry struct {
	q   QueueSource
	gen GenState
}

var _ Selector = &QueueSelector{}

// QueueSelector emits OpQRead when a registered queue becomes non-empty. It is
// edge triggered: a queue which stays non-empty produces one event, and the
// next one only after the handler returned.
type QueueSelector struct {
	r   *Reactor
	log *zap.Logger

	mu      sync.Mutex
	entries map[*Handle]*queueEntry
	byQueue map[QueueSource]*Handle
	closed  bool
}

func NewQueueSelector(r *Reactor) (*QueueSelector, error) {
	s := &QueueSelector{
		r:       r,
		log:     r.log.Named(KindQueue.String()),
		entries: make(map[*Handle]*queueEntry),
		byQueue: make(map[QueueSource]*Handle),
	}
	if err := r.addSelector(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *QueueSelector) Kind() Kind {
	return KindQueue
}

// Register binds q to handler. A queue can be registered once at a time, on
// any selector. If q already holds elements and ops is enabled, an event is
// emitted right away.
func (s *QueueSelector) Register(q QueueSource, handler Handler, ops Ops) (*Handle, error) {
	if q == nil {
		return nil, reactorerrors.ErrInvalidArgument.WithMsg("nil queue")
	}
	if err := validHandler(handler); err != nil {
		return nil, err
	}
	if !ops.In(KindQueue.ValidOps()) {
		return nil, reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for queues", ops)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, reactorerrors.ErrSelectorClosed
	}
	if _, ok := s.byQueue[q]; ok {
		return nil, reactorerrors.ErrDuplicateRegistration.WithMsg("queue already registered")
	}

	h := newHandle(KindQueue)
	if err := q.bind(func() { s.onReady(h) }); err != nil {
		return nil, err
	}

	e := &queueEntry{q: q}
	s.entries[h] = e
	s.byQueue[q] = h
	s.r.ProcessRegister(h, handler, s, ops)

	if q.Len() > 0 {
		s.emitLocked(h, e)
	}
	return h, nil
}

func (s *QueueSelector) onReady(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.gen.Outstanding() {
		return
	}
	s.emitLocked(h, e)
}

func (s *QueueSelector) emitLocked(h *Handle, e *queueEntry) {
	if s.r.InterestOps(h)&OpQRead == 0 {
		if to, ok := e.gen.next(genHold); ok {
			e.gen = to
		}
		return
	}

	to, ok := e.gen.next(genFire)
	if !ok {
		s.log.Warn("illegal queue generation transition",
			zap.Stringer("handle", h), zap.Stringer("from", e.gen))
		return
	}
	e.gen = to
	s.r.AddReadyEvent(Event{Handle: h, Ready: OpQRead})
}

func (s *QueueSelector) InterestOps(h *Handle, ops Ops) error {
	if !ops.In(KindQueue.ValidOps()) {
		return reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for queues", ops)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("queue %s not registered", h)
	}
	s.r.ProcessInterestOps(h, ops)

	if ops&OpQRead == 0 || e.gen == GenFired {
		return nil
	}
	if e.gen == GenHolding || e.q.Len() > 0 {
		s.emitLocked(h, e)
	}
	return nil
}

func (s *QueueSelector) Deregister(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[h]; ok {
		s.removeLocked(h, e)
	}
	return nil
}

func (s *QueueSelector) removeLocked(h *Handle, e *queueEntry) {
	e.q.unbind()
	delete(s.entries, h)
	delete(s.byQueue, e.q)
	s.r.ProcessDeregister(h)
}

func (s *QueueSelector) IsRegistered(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[h]
	return ok
}

// IsQueueRegistered is true if q is registered with this selector.
func (s *QueueSelector) IsQueueRegistered(q QueueSource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byQueue[q]
	return ok
}

func (s *QueueSelector) Checkin(h *Handle, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.gen != GenFired {
		return
	}
	e.gen, _ = e.gen.next(genHold)
	if s.r.InterestOps(h)&OpQRead != 0 {
		s.emitLocked(h, e)
	}
}

// ResumeSelection re-arms h. Elements left in the queue by the handler produce
// a new event.
func (s *QueueSelector) ResumeSelection(h *Handle) {
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
	if e.q.Len() > 0 {
		s.emitLocked(h, e)
	}
}

func (s *QueueSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for h, e := range s.entries {
		s.removeLocked(h, e)
	}
	return nil
}
