package util

import "errors"

type listNode[T any] struct {
	v          T
	prev, next *listNode[T]
}

// List of doubly-linked nodes. Used as a FIFO which also supports putting an
// element back at the front.
type List[T any] struct {
	head, tail *listNode[T]
	n          int
}

func NewList[T any]() *List[T] {
	l := &List[T]{}
	return l
}

// Add appends v at the back.
func (l *List[T]) Add(v T) {
	node := &listNode[T]{v: v, prev: l.tail}
	if l.tail == nil {
		l.head = node
	} else {
		l.tail.next = node
	}
	l.tail = node
	l.n++
}

// AddFront prepends v.
func (l *List[T]) AddFront(v T) {
	node := &listNode[T]{v: v, next: l.head}
	if l.head == nil {
		l.tail = node
	} else {
		l.head.prev = node
	}
	l.head = node
	l.n++
}

// Front returns the first element without removing it.
func (l *List[T]) Front() (v T, ok bool) {
	if l.head == nil {
		return v, false
	}
	return l.head.v, true
}

// PopFront removes and returns the first element.
func (l *List[T]) PopFront() (v T, ok bool) {
	if l.head == nil {
		return v, false
	}
	node := l.head
	l.unlink(node)
	return node.v, true
}

var ErrOutOfBounds = errors.New("index out of bounds")

func (l *List[T]) At(ix int) T {
	if ix < 0 || ix >= l.Size() {
		panic(ErrOutOfBounds)
	}

	p := l.head
	for i := 0; i < ix; i++ {
		p = p.next
	}
	return p.v
}

func (l *List[T]) RemoveIndex(ix int) (v T) {
	if ix < 0 || ix >= l.Size() {
		panic(ErrOutOfBounds)
	}

	cur := l.head
	for i := 0; i < ix; i++ {
		cur = cur.next
	}
	l.unlink(cur)
	return cur.v
}

// RemoveFunc removes every element for which fn returns true, preserving the
// order of the others. It returns the number of removed elements.
func (l *List[T]) RemoveFunc(fn func(v T) bool) (removed int) {
	cur := l.head
	for cur != nil {
		next := cur.next
		if fn(cur.v) {
			l.unlink(cur)
			removed++
		}
		cur = next
	}
	return removed
}

func (l *List[T]) unlink(node *listNode[T]) {
	if node.prev == nil {
		l.head = node.next
	} else {
		node.prev.next = node.next
	}
	if node.next == nil {
		l.tail = node.prev
	} else {
		node.next.prev = node.prev
	}
	node.prev, node.next = nil, nil
	l.n--
}

func (l *List[T]) Size() int {
	return l.n
}

func (l *List[T]) Clear() {
	l.head, l.tail = nil, nil
	l.n = 0
}

func (l *List[T]) Iterate(fn func(v *T)) {
	p := l.head
	for p != nil {
		fn(&p.v)
		p = p.next
	}
}
