package reactor

import "github.com/talostrading/reactor/util"

// EventStore keeps, per handler, the ready events which could not be
// delivered yet, in arrival order. It is not synchronized.
type EventStore struct {
	queues map[Handler]*util.List[Event]
	n      int
}

func NewEventStore() *EventStore {
	return &EventStore{
		queues: make(map[Handler]*util.List[Event]),
	}
}

func (s *EventStore) queue(handler Handler, create bool) *util.List[Event] {
	q, ok := s.queues[handler]
	if !ok && create {
		q = util.NewList[Event]()
		s.queues[handler] = q
	}
	return q
}

func (s *EventStore) Push(handler Handler, ev Event) {
	s.queue(handler, true).Add(ev)
	s.n++
}

// PushFront puts back an event which was popped but could not be delivered,
// so that it keeps its place in the order.
func (s *EventStore) PushFront(handler Handler, ev Event) {
	s.queue(handler, true).AddFront(ev)
	s.n++
}

func (s *EventStore) Peek(handler Handler) (Event, bool) {
	q := s.queue(handler, false)
	if q == nil {
		return Event{}, false
	}
	return q.Front()
}

func (s *EventStore) Pop(handler Handler) (Event, bool) {
	q := s.queue(handler, false)
	if q == nil {
		return Event{}, false
	}
	ev, ok := q.PopFront()
	if ok {
		s.n--
	}
	if q.Size() == 0 {
		delete(s.queues, handler)
	}
	return ev, ok
}

// Drain removes and returns all events of handler in order.
func (s *EventStore) Drain(handler Handler) []Event {
	q := s.queue(handler, false)
	if q == nil {
		return nil
	}
	evs := make([]Event, 0, q.Size())
	q.Iterate(func(ev *Event) {
		evs = append(evs, *ev)
	})
	s.n -= len(evs)
	delete(s.queues, handler)
	return evs
}

// Discard drops the events of handler which belong to h and returns them.
func (s *EventStore) Discard(handler Handler, h *Handle) []Event {
	q := s.queue(handler, false)
	if q == nil {
		return nil
	}
	var dropped []Event
	q.RemoveFunc(func(ev Event) bool {
		if ev.Handle == h {
			dropped = append(dropped, ev)
			return true
		}
		return false
	})
	s.n -= len(dropped)
	if q.Size() == 0 {
		delete(s.queues, handler)
	}
	return dropped
}

func (s *EventStore) Clear(handler Handler) {
	if q := s.queue(handler, false); q != nil {
		s.n -= q.Size()
		delete(s.queues, handler)
	}
}

func (s *EventStore) Len(handler Handler) int {
	if q := s.queue(handler, false); q != nil {
		return q.Size()
	}
	return 0
}

// Size is the total number of stored events.
func (s *EventStore) Size() int {
	return s.n
}
