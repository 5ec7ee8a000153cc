package reactor

import (
	"errors"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/talostrading/reactor/internal"
	"github.com/talostrading/reactor/reactorerrors"
)

type channelEntry struct {
	fd int

	// armed is true while fd is in the multiplexer's interest list.
	armed bool

	// held are the ready ops of a checked in or suppressed event.
	held Ops
	gen  GenState
}

var _ Selector = &ChannelSelector{}

// ChannelSelector turns the readiness of file descriptors into channel events
// using a level triggered multiplexer waited on by a dedicated goroutine. A
// descriptor which fired is taken out of the multiplexer until its handler
// returned.
//
// Mutations of the multiplexer happen under guard while the waiting goroutine
// is woken up. The waiting goroutine passes through guard right before and
// right after each wait, so no mutation overlaps the processing of a wait.
type ChannelSelector struct {
	r   *Reactor
	log *zap.Logger

	poller *internal.Poller

	guard sync.Mutex

	mu      sync.Mutex
	entries map[*Handle]*channelEntry
	byFd    map[int]*Handle
	closed  bool
	failed  bool
	stopped bool

	done chan struct{}
}

func NewChannelSelector(r *Reactor) (*ChannelSelector, error) {
	poller, err := internal.NewPoller(r.Config().ChannelMaxEvents)
	if err != nil {
		return nil, multiplexerError(err)
	}

	s := &ChannelSelector{
		r:       r,
		log:     r.log.Named(KindChannel.String()),
		poller:  poller,
		entries: make(map[*Handle]*channelEntry),
		byFd:    make(map[int]*Handle),
		done:    make(chan struct{}),
	}
	if err := r.addSelector(s); err != nil {
		_ = poller.Close()
		return nil, err
	}

	go s.run()

	return s, nil
}

func (s *ChannelSelector) Kind() Kind {
	return KindChannel
}

// multiplexerError classifies a failure to set up a Poller or a Timer.
func multiplexerError(err error) error {
	if errors.Is(err, internal.ErrUnsupported) {
		return reactorerrors.ErrUnsupportedPlatform.WithErr(err)
	}
	return reactorerrors.ErrSelectorFailure.WithErr(err)
}

// connFd returns the descriptor behind src. The descriptor stays owned by src.
func connFd(src syscall.Conn) (int, error) {
	rc, err := src.SyscallConn()
	if err != nil {
		return -1, reactorerrors.ErrInvalidResourceState.WithErr(err)
	}

	fd := -1
	if err := rc.Control(func(v uintptr) {
		fd = int(v)
	}); err != nil {
		return -1, reactorerrors.ErrInvalidResourceState.WithErr(err)
	}
	return fd, nil
}

// Register watches src, a net.Conn, net.Listener or *os.File in non-blocking
// mode, for ops.
func (s *ChannelSelector) Register(src syscall.Conn, handler Handler, ops Ops) (*Handle, error) {
	if src == nil {
		return nil, reactorerrors.ErrInvalidArgument.WithMsg("nil channel")
	}
	if err := validHandler(handler); err != nil {
		return nil, err
	}
	if !ops.In(KindChannel.ValidOps()) {
		return nil, reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for channels", ops)
	}

	fd, err := connFd(src)
	if err != nil {
		return nil, err
	}

	s.lockGuard()
	defer s.guard.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, reactorerrors.ErrSelectorClosed
	}
	if _, ok := s.byFd[fd]; ok {
		return nil, reactorerrors.ErrDuplicateRegistration.WithMsg("fd %d already registered", fd)
	}

	h := newHandle(KindChannel)
	e := &channelEntry{fd: fd}
	if err := s.armLocked(e, ops); err != nil {
		return nil, err
	}
	s.entries[h] = e
	s.byFd[fd] = h
	s.r.ProcessRegister(h, handler, s, ops)

	s.log.Debug("registered channel",
		zap.Stringer("handle", h), zap.Int("fd", fd), zap.Stringer("ops", ops))

	return h, nil
}

// lockGuard acquires guard and interrupts the waiting goroutine.
func (s *ChannelSelector) lockGuard() {
	s.guard.Lock()
	_ = s.poller.Wakeup()
}

func toPollFlags(ops Ops) internal.PollFlags {
	var flags internal.PollFlags
	if ops.ContainsAny(OpRead | OpAccept) {
		flags |= internal.ReadFlags
	}
	if ops.ContainsAny(OpWrite | OpConnect) {
		flags |= internal.WriteFlags
	}
	return flags
}

func readyOps(ev internal.PollEvent, ops Ops) Ops {
	var ready Ops
	if ev.Readable() {
		ready |= ops & (OpRead | OpAccept)
	}
	if ev.Writable() {
		ready |= ops & (OpWrite | OpConnect)
	}
	if ev.Failed() {
		// The handler finds out about the failure on its next read or write.
		ready |= ops
	}
	return ready
}

// armLocked makes the multiplexer interest of e match ops.
func (s *ChannelSelector) armLocked(e *channelEntry, ops Ops) error {
	flags := toPollFlags(ops)

	var err error
	switch {
	case flags == 0 && e.armed:
		err = s.poller.Del(e.fd)
		e.armed = false
	case flags == 0:
	case e.armed:
		err = s.poller.Modify(e.fd, flags)
	default:
		err = s.poller.Add(e.fd, flags)
		e.armed = err == nil
	}

	if err != nil {
		return reactorerrors.ErrInvalidResourceState.WithErr(err)
	}
	return nil
}

func (s *ChannelSelector) disarmLocked(e *channelEntry) {
	if !e.armed {
		return
	}
	if err := s.poller.Del(e.fd); err != nil {
		s.log.Warn("cannot remove fd from multiplexer", zap.Int("fd", e.fd), zap.Error(err))
	}
	e.armed = false
}

func (s *ChannelSelector) run() {
	defer close(s.done)

	events := make([]internal.PollEvent, 0, s.r.Config().ChannelMaxEvents)
	for {
		// rendezvous with lockGuard
		s.guard.Lock()
		s.guard.Unlock()

		var err error
		events, err = s.poller.Wait(events[:0], -1)

		s.guard.Lock()
		stop := s.process(events, err)
		s.guard.Unlock()

		if stop {
			return
		}
	}
}

// process handles the outcome of one wait. It returns true once the goroutine
// must exit.
func (s *ChannelSelector) process(events []internal.PollEvent, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	if err != nil {
		s.failLocked(err)
		return true
	}

	for _, pe := range events {
		h, ok := s.byFd[pe.Fd]
		if !ok {
			continue
		}
		e := s.entries[h]

		s.disarmLocked(e)
		if e.gen.Outstanding() {
			continue
		}

		ops := s.r.InterestOps(h)
		ready := readyOps(pe, ops)
		if ready == OpNoop {
			// Interest changed since the fd was armed.
			_ = s.armLocked(e, ops)
			continue
		}
		e.held = ready
		s.emitLocked(h, e)
	}
	return false
}

func (s *ChannelSelector) emitLocked(h *Handle, e *channelEntry) {
	ready := e.held & s.r.InterestOps(h)
	if ready == OpNoop {
		if to, ok := e.gen.next(genHold); ok {
			e.gen = to
		}
		return
	}

	to, ok := e.gen.next(genFire)
	if !ok {
		s.log.Warn("illegal channel generation transition",
			zap.Stringer("handle", h), zap.Stringer("from", e.gen))
		return
	}
	e.gen = to
	e.held = OpNoop
	s.r.AddReadyEvent(Event{Handle: h, Ready: ready})
}

func (s *ChannelSelector) failLocked(err error) {
	s.closed = true
	s.failed = true
	for _, e := range s.entries {
		e.armed = false
	}
	s.r.ReportCriticalError(reactorerrors.ErrSelectorFailure.WithErr(err))
}

func (s *ChannelSelector) InterestOps(h *Handle, ops Ops) error {
	if !ops.In(KindChannel.ValidOps()) {
		return reactorerrors.ErrInvalidInterestOps.WithMsg("%s not valid for channels", ops)
	}

	s.lockGuard()
	defer s.guard.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return reactorerrors.ErrNotRegistered.WithMsg("channel %s not registered", h)
	}
	s.r.ProcessInterestOps(h, ops)

	if s.failed {
		return nil
	}
	switch e.gen {
	case GenHolding:
		if ops.ContainsAny(e.held) {
			s.emitLocked(h, e)
		} else if ops != OpNoop {
			// The held readiness is of no interest anymore. Let the
			// multiplexer report the current one.
			e.gen, _ = e.gen.next(genReset)
			e.held = OpNoop
			return s.armLocked(e, ops)
		}
	case GenNone:
		return s.armLocked(e, ops)
	}
	return nil
}

func (s *ChannelSelector) Deregister(h *Handle) error {
	s.lockGuard()
	defer s.guard.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[h]; ok {
		s.removeLocked(h, e)
	}
	return nil
}

func (s *ChannelSelector) removeLocked(h *Handle, e *channelEntry) {
	if !s.failed {
		s.disarmLocked(e)
	}
	delete(s.entries, h)
	delete(s.byFd, e.fd)
	s.r.ProcessDeregister(h)
}

func (s *ChannelSelector) IsRegistered(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[h]
	return ok
}

// IsChannelRegistered is true if the descriptor behind src is registered.
func (s *ChannelSelector) IsChannelRegistered(src syscall.Conn) bool {
	fd, err := connFd(src)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byFd[fd]
	return ok
}

// Failed is true once the multiplexer failed. A failed selector refuses new
// registrations and never emits again.
func (s *ChannelSelector) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *ChannelSelector) Checkin(h *Handle, ev Event) {
	s.lockGuard()
	defer s.guard.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.gen != GenFired || s.failed {
		return
	}
	e.held |= ev.Ready
	e.gen, _ = e.gen.next(genHold)
	s.emitLocked(h, e)
}

// ResumeSelection puts the descriptor of h back into the multiplexer with the
// current interest ops.
func (s *ChannelSelector) ResumeSelection(h *Handle) {
	s.lockGuard()
	defer s.guard.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || s.failed {
		return
	}
	to, ok := e.gen.next(genResume)
	if !ok {
		return
	}
	e.gen = to
	if err := s.armLocked(e, s.r.InterestOps(h)); err != nil {
		s.log.Warn("cannot re-arm channel",
			zap.Stringer("handle", h), zap.Int("fd", e.fd), zap.Error(err))
	}
}

// Close stops the waiting goroutine, joins it and deregisters every handle.
func (s *ChannelSelector) Close() error {
	s.lockGuard()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.guard.Unlock()
		return nil
	}
	s.stopped = true
	s.closed = true
	for h, e := range s.entries {
		s.removeLocked(h, e)
	}
	s.mu.Unlock()
	s.guard.Unlock()

	<-s.done
	if err := s.poller.Close(); err != nil {
		return reactorerrors.ErrSelectorFailure.WithErr(err)
	}
	return nil
}
