package reactor

import (
	"container/heap"
	"sync"

	"github.com/eapache/queue"

	"github.com/talostrading/reactor/reactorerrors"
)

// QueueSource is a queue which can be registered with a QueueSelector. It is
// implemented by Queue.
type QueueSource interface {
	Len() int

	// Registered is true while the queue is bound to a selector.
	Registered() bool

	bind(onReady func()) error
	unbind()
}

type queueBuffer[T any] interface {
	push(v T)
	pop() T
	peek() T
	len() int
}

// Queue is a concurrent FIFO or priority queue. Once registered, producers
// calling Offer or AddAll make the selector emit an OpQRead event when the
// queue goes from empty to non-empty.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     queueBuffer[T]
	onReady func()
}

var _ QueueSource = &Queue[int]{}

// NewQueue returns an unbounded FIFO queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{buf: &fifoBuffer[T]{q: queue.New()}}
}

// NewPriorityQueue returns a queue which polls the least element first,
// according to less. Equal elements come out in no particular order.
func NewPriorityQueue[T any](less func(a, b T) bool) *Queue[T] {
	return &Queue[T]{buf: &priorityBuffer[T]{less: less}}
}

func (q *Queue[T]) Offer(v T) {
	q.mu.Lock()
	wasEmpty := q.buf.len() == 0
	q.buf.push(v)
	onReady := q.onReady
	q.mu.Unlock()

	if wasEmpty && onReady != nil {
		onReady()
	}
}

// AddAll offers every element of vs at once. At most one readiness
// notification results.
func (q *Queue[T]) AddAll(vs ...T) {
	if len(vs) == 0 {
		return
	}

	q.mu.Lock()
	wasEmpty := q.buf.len() == 0
	for _, v := range vs {
		q.buf.push(v)
	}
	onReady := q.onReady
	q.mu.Unlock()

	if wasEmpty && onReady != nil {
		onReady()
	}
}

func (q *Queue[T]) Poll() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buf.len() == 0 {
		return v, false
	}
	return q.buf.pop(), true
}

// Drain polls every element currently queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.buf.len()
	if n == 0 {
		return nil
	}
	xs := make([]T, 0, n)
	for i := 0; i < n; i++ {
		xs = append(xs, q.buf.pop())
	}
	return xs
}

func (q *Queue[T]) Peek() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buf.len() == 0 {
		return v, false
	}
	return q.buf.peek(), true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.len()
}

func (q *Queue[T]) Registered() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.onReady != nil
}

func (q *Queue[T]) bind(onReady func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.onReady != nil {
		return reactorerrors.ErrDuplicateRegistration.WithMsg("queue already registered")
	}
	q.onReady = onReady
	return nil
}

func (q *Queue[T]) unbind() {
	q.mu.Lock()
	q.onReady = nil
	q.mu.Unlock()
}

type fifoBuffer[T any] struct {
	q *queue.Queue
}

func (b *fifoBuffer[T]) push(v T) {
	b.q.Add(v)
}

func (b *fifoBuffer[T]) pop() T {
	return b.q.Remove().(T)
}

func (b *fifoBuffer[T]) peek() T {
	return b.q.Peek().(T)
}

func (b *fifoBuffer[T]) len() int {
	return b.q.Length()
}

type priorityBuffer[T any] struct {
	xs   []T
	less func(a, b T) bool
}

func (b *priorityBuffer[T]) Len() int {
	return len(b.xs)
}

func (b *priorityBuffer[T]) Less(i, j int) bool {
	return b.less(b.xs[i], b.xs[j])
}

func (b *priorityBuffer[T]) Swap(i, j int) {
	b.xs[i], b.xs[j] = b.xs[j], b.xs[i]
}

func (b *priorityBuffer[T]) Push(x interface{}) {
	b.xs = append(b.xs, x.(T))
}

func (b *priorityBuffer[T]) Pop() interface{} {
	n := len(b.xs)
	v := b.xs[n-1]
	var zero T
	b.xs[n-1] = zero
	b.xs = b.xs[:n-1]
	return v
}

func (b *priorityBuffer[T]) push(v T) {
	heap.Push(b, v)
}

func (b *priorityBuffer[T]) pop() T {
	return heap.Pop(b).(T)
}

func (b *priorityBuffer[T]) peek() T {
	return b.xs[0]
}

func (b *priorityBuffer[T]) len() int {
	return len(b.xs)
}
