package reactor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talostrading/reactor/reactorerrors"
)

type timerEntry struct {
	task      ScheduledTask
	recurring bool

	// outstanding counts fires which have not been resumed yet. At most one of
	// them is emitted at a time.
	outstanding int
	fired       bool
	cancelled   bool
	gen         GenState
}

var _ Selector = &TimerSelector{}

// TimerSelector turns scheduled one-shot and recurring timeouts into OpTimer
// events. One-shot handles are deregistered once their event was handled.
type TimerSelector struct {
	r         *Reactor
	log       *zap.Logger
	scheduler Scheduler

	mu      sync.Mutex
	entries map[*Handle]*timerEntry
	closed  bool
	failed  bool
}

func NewTimerSelector(r *Reactor) (*TimerSelector, error) {
	scheduler, err := r.timerScheduler()
	if err != nil {
		return nil, err
	}

	s := &TimerSelector{
		r:         r,
		log:       r.log.Named(KindTimer.String()),
		scheduler: scheduler,
		entries:   make(map[*Handle]*timerEntry),
	}
	if err := r.addSelector(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TimerSelector) Kind() Kind {
	return KindTimer
}

// ScheduleAfter fires once after delay.
func (s *TimerSelector) ScheduleAfter(handler Handler, ops Ops, delay time.Duration) (*Handle, error) {
	return s.schedule(handler, ops, delay, 0, ScheduleOnce)
}

// ScheduleAt fires once at t. A time in the past fires immediately.
func (s *TimerSelector) ScheduleAt(handler Handler, ops Ops, t time.Time) (*Handle, error) {
	return s.schedule(handler, ops, time.Until(t), 0, ScheduleOnce)
}

// ScheduleFixedDelay fires after initial, then delay after each fire.
func (s *TimerSelector) ScheduleFixedDelay(
	handler Handler,
	ops Ops,
	initial, delay time.Duration,
) (*Handle, error) {
	return s.schedule(handler, ops, initial, delay, ScheduleFixedDelay)
}

// ScheduleFixedRate fires after initial, then every period.
func (s *TimerSelector) ScheduleFixedRate(
	handler Handler,
	ops Ops,
	initial, period time.Duration,
) (*Handle, error) {
	return s.schedule(handler, ops, initial, period, ScheduleFixedRate)
}

func (s *TimerSelector) schedule(
	handler Handler,
	ops Ops,
	delay, period time.Duration,
	mode ScheduleMode,
) (*Handle, error) {
	if err := validHandler(handler); err != nil {
		return nil, err
	}
	if !ops.In(KindTimer.ValidOps()) {
		return nil, reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for timers", ops)
	}
	if mode != ScheduleOnce && period <= 0 {
		return nil, reactorerrors.ErrInvalidArgument.WithMsg("period must be positive, got %s", period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, reactorerrors.ErrSelectorClosed
	}

	h := newHandle(KindTimer)
	e := &timerEntry{recurring: mode != ScheduleOnce}
	s.entries[h] = e
	s.r.ProcessRegister(h, handler, s, ops)

	// The task may fire before Schedule returns, fire waits for mu.
	task, err := s.scheduler.Schedule(delay, period, mode, func() { s.fire(h) })
	if err != nil {
		delete(s.entries, h)
		s.r.ProcessDeregister(h)
		return nil, err
	}
	e.task = task

	s.log.Debug("scheduled",
		zap.Stringer("handle", h),
		zap.Stringer("mode", mode),
		zap.Duration("delay", delay),
		zap.Duration("period", period))

	return h, nil
}

func (s *TimerSelector) fire(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.cancelled || s.failed {
		return
	}
	e.fired = true
	e.outstanding++
	if e.gen.Outstanding() {
		return
	}
	s.emitLocked(h, e)
}

// emitLocked emits the next owed event of h, or holds it while h is disabled.
func (s *TimerSelector) emitLocked(h *Handle, e *timerEntry) {
	if s.r.InterestOps(h)&OpTimer == 0 {
		if to, ok := e.gen.next(genHold); ok {
			e.gen = to
		}
		return
	}

	to, ok := e.gen.next(genFire)
	if !ok {
		s.log.Warn("illegal timer generation transition",
			zap.Stringer("handle", h), zap.Stringer("from", e.gen))
		return
	}
	e.gen = to
	s.r.AddReadyEvent(Event{Handle: h, Ready: OpTimer})
}

// Cancel stops h from firing again. A one-shot timer can be cancelled only
// before it fired. A recurring timer can always be cancelled once. The handle
// is deregistered once the fires it already produced have been handled.
func (s *TimerSelector) Cancel(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.cancelled {
		return false
	}

	if !e.recurring && e.fired {
		return false
	}
	if e.task != nil && !e.task.Cancel() && !e.recurring {
		return false
	}
	e.cancelled = true

	s.log.Debug("cancelled",
		zap.Stringer("handle", h), zap.Int("outstanding", e.outstanding))

	if e.outstanding == 0 {
		s.removeLocked(h)
	}
	return true
}

func (s *TimerSelector) InterestOps(h *Handle, ops Ops) error {
	if !ops.In(KindTimer.ValidOps()) {
		return reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for timers", ops)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("timer %s not registered", h)
	}
	s.r.ProcessInterestOps(h, ops)
	if ops&OpTimer != 0 && e.gen == GenHolding {
		s.emitLocked(h, e)
	}
	return nil
}

func (s *TimerSelector) Deregister(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[h]; ok {
		if e.task != nil {
			e.task.Cancel()
		}
		s.removeLocked(h)
	}
	return nil
}

func (s *TimerSelector) removeLocked(h *Handle) {
	delete(s.entries, h)
	s.r.ProcessDeregister(h)
}

func (s *TimerSelector) IsRegistered(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[h]
	return ok
}

// Outstanding returns the number of fires of h not yet handled.
func (s *TimerSelector) Outstanding(h *Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		return e.outstanding
	}
	return 0
}

func (s *TimerSelector) Checkin(h *Handle, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.gen != GenFired {
		return
	}
	e.gen, _ = e.gen.next(genHold)
	if s.r.InterestOps(h)&OpTimer != 0 {
		s.emitLocked(h, e)
	}
}

func (s *TimerSelector) ResumeSelection(h *Handle) {
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
	if e.outstanding > 0 {
		e.outstanding--
	}

	switch {
	case e.outstanding > 0:
		s.emitLocked(h, e)
	case e.cancelled || !e.recurring:
		s.removeLocked(h)
	}
}

// markFailed is called when the scheduler died. Registered handles stay
// queryable but never fire again.
func (s *TimerSelector) markFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.failed = true
}

func (s *TimerSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed && !s.failed {
		return nil
	}
	s.closed = true
	for h, e := range s.entries {
		if e.task != nil {
			e.task.Cancel()
		}
		s.removeLocked(h)
	}
	return nil
}
