package reactor

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talostrading/reactor/internal"
	"github.com/talostrading/reactor/reactorerrors"
)

type ScheduleMode uint8

const (
	ScheduleOnce ScheduleMode = iota

	// ScheduleFixedDelay runs the task period after the previous run returned.
	ScheduleFixedDelay

	// ScheduleFixedRate runs the task every period measured from the first
	// run. Late runs are not skipped.
	ScheduleFixedRate
)

func (m ScheduleMode) String() string {
	switch m {
	case ScheduleOnce:
		return "once"
	case ScheduleFixedDelay:
		return "fixed_delay"
	case ScheduleFixedRate:
		return "fixed_rate"
	default:
		return "mode_unknown"
	}
}

// ScheduledTask is a task handed to a Scheduler.
type ScheduledTask interface {
	// Cancel stops future runs. It returns false if the task was already
	// cancelled or, for a one-shot task, if it already ran.
	Cancel() bool
}

// Scheduler is the clock service behind TimerSelector. fn is called on a
// goroutine owned by the Scheduler and must not block. A Scheduler which
// fails for good reports it through Reactor.ReportSchedulerFailure.
type Scheduler interface {
	Schedule(delay, period time.Duration, mode ScheduleMode, fn func()) (ScheduledTask, error)
	Close() error
}

var _ Scheduler = &TimerScheduler{}

// TimerScheduler runs tasks off a single timerfd, armed to the earliest due
// task, on one goroutine.
type TimerScheduler struct {
	log       *zap.Logger
	onFailure func(error)

	poller *internal.Poller
	timer  *internal.Timer

	mu     sync.Mutex
	tasks  taskHeap
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewTimerScheduler starts the scheduler goroutine. onFailure, if not nil, is
// called once if the timer or the multiplexer fail, after which every
// Schedule call fails.
func NewTimerScheduler(log *zap.Logger, onFailure func(error)) (*TimerScheduler, error) {
	poller, err := internal.NewPoller(4)
	if err != nil {
		return nil, multiplexerError(err)
	}

	timer, err := internal.NewTimer()
	if err != nil {
		_ = poller.Close()
		return nil, multiplexerError(err)
	}

	if err := poller.Add(timer.Fd(), internal.ReadFlags); err != nil {
		_ = timer.Close()
		_ = poller.Close()
		return nil, reactorerrors.ErrSelectorFailure.WithErr(err)
	}

	if log == nil {
		log = zap.NewNop()
	}

	s := &TimerScheduler{
		log:       log,
		onFailure: onFailure,
		poller:    poller,
		timer:     timer,
		done:      make(chan struct{}),
	}
	go s.run()

	return s, nil
}

func (s *TimerScheduler) Schedule(
	delay, period time.Duration,
	mode ScheduleMode,
	fn func(),
) (ScheduledTask, error) {
	if fn == nil {
		return nil, reactorerrors.ErrInvalidArgument.WithMsg("nil task")
	}
	if mode != ScheduleOnce && period <= 0 {
		return nil, reactorerrors.ErrInvalidArgument.WithMsg("period must be positive, got %s", period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, reactorerrors.ErrSelectorClosed
	}

	t := &timerTask{
		s:      s,
		at:     time.Now().Add(delay),
		period: period,
		mode:   mode,
		fn:     fn,
		index:  -1,
	}
	heap.Push(&s.tasks, t)
	if t.index == 0 {
		if err := s.armLocked(); err != nil {
			heap.Remove(&s.tasks, t.index)
			return nil, reactorerrors.ErrSelectorFailure.WithErr(err)
		}
	}
	return t, nil
}

func (s *TimerScheduler) armLocked() error {
	if len(s.tasks) == 0 {
		return s.timer.Unset()
	}
	return s.timer.Set(time.Until(s.tasks[0].at), 0)
}

func (s *TimerScheduler) run() {
	defer close(s.done)

	events := make([]internal.PollEvent, 0, 4)
	for {
		var err error
		events, err = s.poller.Wait(events[:0], -1)
		if s.isClosed() {
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if len(events) == 0 {
			continue
		}

		if _, err := s.timer.Expirations(); err != nil {
			s.fail(err)
			return
		}
		if err := s.runDue(); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *TimerScheduler) runDue() error {
	s.mu.Lock()
	now := time.Now()
	var due []*timerTask
	for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
		t := heap.Pop(&s.tasks).(*timerTask)
		t.ran = true
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	for _, t := range due {
		if t.mode == ScheduleOnce || t.cancelled {
			continue
		}
		if t.mode == ScheduleFixedRate {
			t.at = t.at.Add(t.period)
		} else {
			t.at = time.Now().Add(t.period)
		}
		heap.Push(&s.tasks, t)
	}
	return s.armLocked()
}

func (s *TimerScheduler) fail(err error) {
	s.mu.Lock()
	s.closed = true
	s.clearLocked()
	s.mu.Unlock()

	s.log.Error("timer service failed", zap.Error(err))
	if s.onFailure != nil {
		s.onFailure(reactorerrors.ErrSelectorFailure.WithErr(err))
	}
}

func (s *TimerScheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the scheduler goroutine and waits for it to exit. Pending tasks
// never run.
func (s *TimerScheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.clearLocked()
		s.mu.Unlock()

		_ = s.poller.Wakeup()
		<-s.done

		s.closeErr = s.timer.Close()
		_ = s.poller.Close()
	})
	return s.closeErr
}

func (s *TimerScheduler) clearLocked() {
	for _, t := range s.tasks {
		t.index = -1
	}
	s.tasks = nil
}

type timerTask struct {
	s *TimerScheduler

	at     time.Time
	period time.Duration
	mode   ScheduleMode
	fn     func()

	index     int
	ran       bool
	cancelled bool
}

func (t *timerTask) Cancel() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.cancelled || (t.mode == ScheduleOnce && t.ran) {
		return false
	}
	t.cancelled = true
	if t.index >= 0 {
		heap.Remove(&s.tasks, t.index)
		_ = s.armLocked()
	}
	return true
}

type taskHeap []*timerTask

func (h taskHeap) Len() int {
	return len(h)
}

func (h taskHeap) Less(i, j int) bool {
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*timerTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
