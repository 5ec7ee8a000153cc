package reactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"go.uber.org/zap"

	"github.com/talostrading/reactor/reactorerrors"
)

// BlockingTask is a unit of work which may block. ctx is cancelled when its
// handle is deregistered or the selector is forcibly shut down.
type BlockingTask func(ctx context.Context) error

// blockingTaskSet is the AND-join over the tasks of one handle.
type blockingTaskSet struct {
	ctx    context.Context
	cancel context.CancelFunc

	results   []error
	remaining int
	gen       GenState
}

func (t *blockingTaskSet) done() bool {
	return t.remaining == 0
}

var _ Selector = &BlockingSelector{}

// BlockingSelector runs groups of blocking tasks on a worker pool and emits a
// single OpBlocking event per handle once every task of its group returned.
// The event payload holds the task results in submission order. Handles are
// one-shot.
type BlockingSelector struct {
	r   *Reactor
	log *zap.Logger

	pool gopool.Pool

	// ctx is cancelled on forced shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  map[*Handle]*blockingTaskSet
	graceful time.Duration
	forced   time.Duration
	closed   bool
}

func NewBlockingSelector(r *Reactor) (*BlockingSelector, error) {
	cfg := r.Config()

	ctx, cancel := context.WithCancel(context.Background())
	s := &BlockingSelector{
		r:        r,
		log:      r.log.Named(KindBlocking.String()),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[*Handle]*blockingTaskSet),
		graceful: cfg.BlockingGracefulTimeout,
		forced:   cfg.BlockingForcedTimeout,
	}
	s.pool = gopool.NewPool(
		fmt.Sprintf("reactor-blocking-%p", s),
		int32(cfg.BlockingPoolSize),
		gopool.NewConfig(),
	)

	if err := r.addSelector(s); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *BlockingSelector) Kind() Kind {
	return KindBlocking
}

// ConfigureBlockingPool sets the number of workers and the two shutdown
// timeouts. It applies to tasks submitted afterwards.
func (s *BlockingSelector) ConfigureBlockingPool(size int, graceful, forced time.Duration) error {
	if size <= 0 {
		return reactorerrors.ErrInvalidArgument.WithMsg("pool size must be positive, got %d", size)
	}
	if graceful < 0 || forced < 0 {
		return reactorerrors.ErrInvalidArgument.WithMsg("shutdown timeouts must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.SetCap(int32(size))
	s.graceful = graceful
	s.forced = forced
	return nil
}

// Register submits tasks and returns the handle which fires once all of them
// returned, whatever their outcome. An empty task list fires immediately.
func (s *BlockingSelector) Register(handler Handler, ops Ops, tasks ...BlockingTask) (*Handle, error) {
	if err := validHandler(handler); err != nil {
		return nil, err
	}
	if !ops.In(KindBlocking.ValidOps()) {
		return nil, reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for blocking tasks", ops)
	}
	for i, task := range tasks {
		if task == nil {
			return nil, reactorerrors.ErrInvalidArgument.WithMsg("nil blocking task at %d", i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, reactorerrors.ErrSelectorClosed
	}

	h := newHandle(KindBlocking)
	ctx, cancel := context.WithCancel(s.ctx)
	set := &blockingTaskSet{
		ctx:       ctx,
		cancel:    cancel,
		results:   make([]error, len(tasks)),
		remaining: len(tasks),
	}
	s.entries[h] = set
	s.r.ProcessRegister(h, handler, s, ops)

	s.log.Debug("submitting blocking tasks",
		zap.Stringer("handle", h), zap.Int("tasks", len(tasks)))

	if set.done() {
		s.emitLocked(h, set)
		return h, nil
	}

	for i, task := range tasks {
		i, task := i, task
		s.wg.Add(1)
		s.pool.CtxGo(ctx, func() {
			defer s.wg.Done()
			s.complete(h, i, runBlockingTask(ctx, task))
		})
	}
	return h, nil
}

func runBlockingTask(ctx context.Context, task BlockingTask) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = reactorerrors.ErrInvalidResourceState.WithMsg("blocking task panicked: %v", rec)
		}
	}()
	return task(ctx)
}

func (s *BlockingSelector) complete(h *Handle, i int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[h]
	if !ok {
		return
	}
	set.results[i] = err
	set.remaining--
	if set.done() {
		s.emitLocked(h, set)
	}
}

func (s *BlockingSelector) emitLocked(h *Handle, set *blockingTaskSet) {
	if s.r.InterestOps(h)&OpBlocking == 0 {
		if to, ok := set.gen.next(genHold); ok {
			set.gen = to
		}
		return
	}

	to, ok := set.gen.next(genFire)
	if !ok {
		s.log.Warn("illegal blocking generation transition",
			zap.Stringer("handle", h), zap.Stringer("from", set.gen))
		return
	}
	set.gen = to

	results := make([]error, len(set.results))
	copy(results, set.results)
	s.r.AddReadyEvent(Event{
		Handle:  h,
		Ready:   OpBlocking,
		Payload: ResultsPayload(results),
	})
}

// Pending returns the number of tasks of h which did not return yet.
func (s *BlockingSelector) Pending(h *Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.entries[h]; ok {
		return set.remaining
	}
	return 0
}

func (s *BlockingSelector) InterestOps(h *Handle, ops Ops) error {
	if !ops.In(KindBlocking.ValidOps()) {
		return reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for blocking tasks", ops)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("blocking %s not registered", h)
	}
	s.r.ProcessInterestOps(h, ops)
	if ops&OpBlocking != 0 && set.gen == GenHolding {
		s.emitLocked(h, set)
	}
	return nil
}

// Deregister cancels the context of the tasks of h which are still running.
func (s *BlockingSelector) Deregister(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.entries[h]; ok {
		s.removeLocked(h, set)
	}
	return nil
}

func (s *BlockingSelector) removeLocked(h *Handle, set *blockingTaskSet) {
	set.cancel()
	delete(s.entries, h)
	s.r.ProcessDeregister(h)
}

func (s *BlockingSelector) IsRegistered(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[h]
	return ok
}

func (s *BlockingSelector) Checkin(h *Handle, ev Event) {
	ev.Payload.Release()

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[h]
	if !ok || set.gen != GenFired {
		return
	}
	set.gen, _ = set.gen.next(genHold)
	if s.r.InterestOps(h)&OpBlocking != 0 {
		s.emitLocked(h, set)
	}
}

func (s *BlockingSelector) ResumeSelection(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[h]
	if !ok {
		return
	}
	if to, ok := set.gen.next(genResume); ok {
		set.gen = to
		s.removeLocked(h, set)
	}
}

// Shutdown stops accepting tasks, waits for running ones up to the graceful
// timeout, then cancels their contexts and waits up to the forced timeout.
// Tasks still running after that are abandoned and ErrTimeout is returned.
func (s *BlockingSelector) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	graceful, forced := s.graceful, s.forced
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()

	if waitTimeout(idle, graceful) {
		s.cancel()
		return nil
	}

	s.log.Warn("blocking tasks still running, interrupting them",
		zap.Duration("graceful", graceful))
	s.cancel()

	if waitTimeout(idle, forced) {
		return nil
	}

	s.log.Error("abandoning blocking tasks", zap.Duration("forced", forced))
	return reactorerrors.ErrTimeout
}

func waitTimeout(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func (s *BlockingSelector) Close() error {
	err := s.Shutdown()

	s.mu.Lock()
	defer s.mu.Unlock()
	for h, set := range s.entries {
		s.removeLocked(h, set)
	}
	return err
}
