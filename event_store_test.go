package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventStoreFIFOPerHandler(t *testing.T) {
	assert := assert.New(t)

	s := NewEventStore()
	a, b := noopHandler(), noopHandler()
	h := newHandle(KindError)

	for i := 0; i < 3; i++ {
		s.Push(a, Event{Handle: h, Ready: OpError, Payload: ValuePayload(i)})
	}
	s.Push(b, Event{Handle: h, Ready: OpError})

	assert.Equal(4, s.Size())
	assert.Equal(3, s.Len(a))

	ev, ok := s.Pop(a)
	assert.True(ok)
	v, _ := ev.Payload.Value()
	assert.Equal(0, v)

	// checkin puts it back at the front
	s.PushFront(a, ev)
	ev, _ = s.Peek(a)
	v, _ = ev.Payload.Value()
	assert.Equal(0, v)

	evs := s.Drain(a)
	assert.Len(evs, 3)
	for i, ev := range evs {
		v, _ := ev.Payload.Value()
		assert.Equal(i, v)
	}
	assert.Equal(1, s.Size())

	_, ok = s.Pop(a)
	assert.False(ok)
}

func TestEventStoreDiscardByHandle(t *testing.T) {
	s := NewEventStore()
	a := noopHandler()
	old, fresh := newHandle(KindError), newHandle(KindError)

	s.Push(a, Event{Handle: old})
	s.Push(a, Event{Handle: fresh})
	s.Push(a, Event{Handle: old})

	dropped := s.Discard(a, old)
	assert.Len(t, dropped, 2)
	assert.Equal(t, 1, s.Len(a))
	assert.Equal(t, 1, s.Size())

	ev, ok := s.Pop(a)
	assert.True(t, ok)
	assert.Equal(t, fresh, ev.Handle)

	s.Push(a, Event{Handle: old})
	s.Clear(a)
	assert.Equal(t, 0, s.Size())
}
