package reactor

import (
	"context"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/talostrading/reactor/reactorerrors"
	"github.com/talostrading/reactor/util"
)

var _ Dispatcher = &Reactor{}

// Reactor owns the Registrar and the shared ready queue. Selectors emit ready
// events into it; Run, RunOne and PollOne hand them to handlers.
//
// Lock order: a selector may call into the Reactor while holding its own
// mutex, the Reactor never calls a selector while holding mu.
type Reactor struct {
	cfg      Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	latency  *util.Histogram

	mu sync.Mutex

	// scheduler is shared by every TimerSelector. It is created on first use
	// unless supplied with WithScheduler, in which case Close leaves it open.
	scheduler     Scheduler
	ownsScheduler bool

	registrar *Registrar
	ready     *util.List[Event]
	// parked holds events of handlers which were running or locked when the
	// event came up for dispatch.
	parked    *EventStore
	tracker   *RunLockTracker
	locks     *lockManager
	selectors []Selector
	closed    bool

	wake chan struct{}
	done chan struct{}
	errs chan error
}

func New(opts ...Option) (*Reactor, error) {
	cfg := DefaultConfig()
	log := zap.NewNop()
	var (
		registry  *prometheus.Registry
		scheduler Scheduler
	)

	for _, opt := range opts {
		switch opt.Type() {
		case TypeConfig:
			cfg = opt.Value().(Config)
		case TypeLogger:
			if v := opt.Value().(*zap.Logger); v != nil {
				log = v
			}
		case TypeWorkers:
			cfg.Workers = opt.Value().(int)
		case TypeRegistry:
			registry = opt.Value().(*prometheus.Registry)
		case TypeScheduler:
			scheduler = opt.Value().(Scheduler)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalize()

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics, err := newMetrics(cfg.MetricsNamespace, registry)
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		metrics:   metrics,
		latency:   util.NewHistogram(util.HistogramOpts{Name: "handler", Max: cfg.LatencyMax}),
		scheduler: scheduler,
		registrar: NewRegistrar(),
		ready:     util.NewList[Event](),
		parked:    NewEventStore(),
		tracker:   NewRunLockTracker(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		errs:      make(chan error, cfg.CriticalErrors),
	}
	r.locks = newLockManager(r)

	return r, nil
}

func MustNew(opts ...Option) *Reactor {
	r, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Reactor) Config() Config {
	return r.cfg
}

func (r *Reactor) Logger() *zap.Logger {
	return r.log
}

// Registry holds the reactor metrics.
func (r *Reactor) Registry() *prometheus.Registry {
	return r.registry
}

// Errors delivers critical, non-recoverable selector failures.
func (r *Reactor) Errors() <-chan error {
	return r.errs
}

func (r *Reactor) addSelector(s Selector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return reactorerrors.ErrClosed
	}
	r.selectors = append(r.selectors, s)
	return nil
}

func (r *Reactor) timerScheduler() (Scheduler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, reactorerrors.ErrClosed
	}
	if r.scheduler != nil {
		return r.scheduler, nil
	}

	s, err := NewTimerScheduler(r.log.Named("scheduler"), r.ReportSchedulerFailure)
	if err != nil {
		return nil, err
	}
	r.scheduler = s
	r.ownsScheduler = true
	return s, nil
}

// ReportSchedulerFailure marks every timer selector of r as failed and
// publishes err on Errors. A Scheduler supplied with WithScheduler calls it
// once it can no longer run tasks. Existing timer handles stay registered but
// never fire again, and new timers are refused.
func (r *Reactor) ReportSchedulerFailure(err error) {
	if reactorerrors.GetKind(err) != reactorerrors.KindSelectorFailure {
		err = reactorerrors.ErrSelectorFailure.WithErr(err)
	}

	r.mu.Lock()
	selectors := append([]Selector(nil), r.selectors...)
	r.mu.Unlock()

	for _, s := range selectors {
		if ts, ok := s.(*TimerSelector); ok {
			ts.markFailed()
		}
	}
	r.ReportCriticalError(err)
}

// Run dispatches ready events on Config.Workers goroutines until ctx is done
// or the reactor is closed.
func (r *Reactor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if cpus := r.cfg.PinCPUs; len(cpus) > 0 {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()

				cpu := cpus[i%len(cpus)]
				if err := util.PinThread(cpu); err != nil {
					r.log.Warn("cannot pin worker", zap.Int("worker", i), zap.Int("cpu", cpu), zap.Error(err))
				}
			}
			for {
				if err := r.RunOne(ctx); err != nil {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// RunOne blocks until one ready event has been dispatched, ctx is done or the
// reactor is closed.
func (r *Reactor) RunOne(ctx context.Context) error {
	for {
		ev, ok, err := r.next()
		if err != nil {
			return err
		}
		if ok {
			r.dispatch(ev)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return reactorerrors.ErrClosed
		case <-r.wake:
		}
	}
}

// PollOne dispatches at most one ready event on the calling goroutine. It
// returns reactorerrors.ErrTimeout if no event is ready.
func (r *Reactor) PollOne() error {
	ev, ok, err := r.next()
	if err != nil {
		return err
	}
	if !ok {
		return reactorerrors.ErrTimeout
	}
	r.dispatch(ev)
	return nil
}

// Poll dispatches ready events on the calling goroutine until none is left
// and returns how many were taken off the ready queue.
func (r *Reactor) Poll() (n int, err error) {
	for {
		err = r.PollOne()
		if err == reactorerrors.ErrTimeout {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *Reactor) next() (ev Event, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ev, false, reactorerrors.ErrClosed
	}

	ev, ok = r.ready.PopFront()
	r.metrics.readyDepth.Set(float64(r.ready.Size()))
	if ok && r.ready.Size() > 0 {
		r.signal()
	}
	return ev, ok, nil
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) pushReadyLocked(ev Event) {
	r.ready.Add(ev)
	r.metrics.emitted.WithLabelValues(ev.Handle.Kind().String()).Inc()
	r.metrics.readyDepth.Set(float64(r.ready.Size()))
	r.signal()
}

// dispatch delivers ev to its handler, unless the handle is gone, disabled,
// or its handler is busy.
func (r *Reactor) dispatch(ev Event) {
	r.mu.Lock()

	reg, ok := r.registrar.entries[ev.Handle]
	if !ok {
		r.mu.Unlock()
		r.metrics.dropped.Inc()
		r.log.Debug("dropping event of deregistered handle", zap.Stringer("handle", ev.Handle))
		ev.Payload.Release()
		return
	}

	ready := ev.Ready & reg.ops
	if ready == OpNoop {
		s := reg.selector
		r.mu.Unlock()
		r.metrics.checkedIn.WithLabelValues(ev.Handle.Kind().String()).Inc()
		r.log.Debug("checking in event of disabled handle",
			zap.Stringer("handle", ev.Handle), zap.Stringer("ready", ev.Ready))
		s.Checkin(ev.Handle, ev)
		return
	}
	ev.Ready = ready

	handler := reg.handler
	if !r.tracker.CanRun(handler) {
		r.parked.Push(handler, ev)
		r.mu.Unlock()
		r.metrics.parked.Inc()
		return
	}

	a := newHandlerAdapter(r, handler)
	checkins := a.addLocked(r.parked.Drain(handler))
	checkins = append(checkins, a.addLocked([]Event{ev})...)
	if err := r.tracker.MarkRunning(handler, a); err != nil {
		// CanRun was checked under the same lock.
		r.mu.Unlock()
		r.log.Error("cannot mark handler running", zap.Error(err))
		return
	}
	r.mu.Unlock()

	for _, c := range checkins {
		c.selector.Checkin(c.ev.Handle, c.ev)
	}
	a.run()
}

// finish is called by an adapter once its handler returned and its commands
// and resumes have been applied.
func (r *Reactor) finish(a *HandlerAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.tracker.MarkDone(a.handler, a); err != nil {
		r.log.Error("cannot mark handler done", zap.Error(err))
	}
	r.releaseHandlerLocked(a.handler)
}

// releaseHandlerLocked runs once handler stopped running or was unlocked. The
// earliest pending lock request for it wins over its parked events.
func (r *Reactor) releaseHandlerLocked(handler Handler) {
	if r.locks.onHandlerIdle(handler) {
		return
	}
	for _, ev := range r.parked.Drain(handler) {
		r.ready.Add(ev)
	}
	r.metrics.readyDepth.Set(float64(r.ready.Size()))
	if r.ready.Size() > 0 {
		r.signal()
	}
}

func (r *Reactor) resume(h *Handle) {
	r.mu.Lock()
	s := r.registrar.Selector(h)
	r.mu.Unlock()

	if s != nil {
		s.ResumeSelection(h)
	}
}

func (r *Reactor) ProcessRegister(h *Handle, handler Handler, s Selector, ops Ops) {
	r.mu.Lock()
	r.registrar.Add(h, handler, s, ops)
	r.mu.Unlock()

	r.log.Debug("registered",
		zap.Stringer("handle", h), zap.Stringer("ops", ops))
}

func (r *Reactor) ProcessDeregister(h *Handle) {
	r.mu.Lock()
	handler := r.registrar.Handler(h)
	r.registrar.Remove(h)
	var dropped []Event
	if handler != nil {
		dropped = r.parked.Discard(handler, h)
	}
	r.mu.Unlock()

	for i := range dropped {
		dropped[i].Payload.Release()
	}
	r.log.Debug("deregistered", zap.Stringer("handle", h))
}

func (r *Reactor) ProcessInterestOps(h *Handle, ops Ops) {
	r.mu.Lock()
	r.registrar.SetInterestOps(h, ops)
	r.mu.Unlock()
}

func (r *Reactor) AddReadyEvent(ev Event) {
	r.mu.Lock()
	r.pushReadyLocked(ev)
	r.mu.Unlock()
}

func (r *Reactor) InterestOps(h *Handle) Ops {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registrar.InterestOps(h)
}

func (r *Reactor) Handler(h *Handle) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registrar.Handler(h)
}

func (r *Reactor) ReportCriticalError(err error) {
	r.metrics.critical.Inc()
	r.log.Error("critical selector failure", zap.Error(err))

	select {
	case r.errs <- err:
	default:
		r.log.Warn("critical error channel full, error only logged", zap.Error(err))
	}
}

func (r *Reactor) IsRegistered(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registrar.Contains(h)
}

func (r *Reactor) selectorOf(h *Handle) (Selector, error) {
	r.mu.Lock()
	s := r.registrar.Selector(h)
	r.mu.Unlock()

	if s == nil {
		return nil, reactorerrors.ErrNotRegistered.WithMsg("handle %s not registered", h)
	}
	return s, nil
}

// SetInterestOps changes the interest ops of h through its owning selector.
func (r *Reactor) SetInterestOps(h *Handle, ops Ops) error {
	s, err := r.selectorOf(h)
	if err != nil {
		return err
	}
	return s.InterestOps(h, ops)
}

// Deregister removes h through its owning selector. Unknown handles are
// ignored.
func (r *Reactor) Deregister(h *Handle) error {
	s, err := r.selectorOf(h)
	if err != nil {
		return nil
	}
	return s.Deregister(h)
}

// Cancel cancels the timer behind h, see TimerSelector.Cancel.
func (r *Reactor) Cancel(h *Handle) bool {
	s, err := r.selectorOf(h)
	if err != nil {
		return false
	}
	ts, ok := s.(*TimerSelector)
	if !ok {
		return false
	}
	return ts.Cancel(h)
}

// Stats is a point in time view of the reactor.
type Stats struct {
	Registered int
	Ready      int
	Parked     int
	Latency    util.Snapshot
}

func (r *Reactor) Stats() Stats {
	r.mu.Lock()
	s := Stats{
		Registered: r.registrar.Len(),
		Ready:      r.ready.Size(),
		Parked:     r.parked.Size(),
	}
	r.mu.Unlock()

	s.Latency = r.latency.Snapshot()
	return s
}

// Latency is the histogram of handler dispatch durations.
func (r *Reactor) Latency() *util.Histogram {
	return r.latency
}

// Close closes every selector created on the reactor and stops dispatching.
// Pending ready events are dropped and the metrics leave the registry.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return reactorerrors.ErrClosed
	}
	r.closed = true
	selectors := r.selectors
	r.selectors = nil
	r.ready.Clear()
	var scheduler Scheduler
	if r.ownsScheduler {
		scheduler = r.scheduler
	}
	r.mu.Unlock()

	close(r.done)
	r.metrics.unregister(r.registry)

	var first error
	for i := len(selectors) - 1; i >= 0; i-- {
		if err := selectors[i].Close(); err != nil {
			r.log.Warn("closing selector failed",
				zap.Stringer("kind", selectors[i].Kind()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	if scheduler != nil {
		if err := scheduler.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
