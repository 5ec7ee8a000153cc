//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package internal

import (
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type PollFlags uint32

const (
	ReadFlags PollFlags = 1 << iota
	WriteFlags
	ErrorFlags
)

// Poller is a kqueue instance with a self-pipe waker. Read and write filters
// are level triggered, so it reports the same readiness as the epoll Poller.
//
// Add, Modify, Del and Wakeup may be called from any goroutine. Wait must only
// be called from one goroutine at a time.
type Poller struct {
	// kq is the descriptor returned by kqueue().
	kq int

	// eventlist is the buffer handed to kevent.
	eventlist []unix.Kevent_t

	// pipe[1] interrupts a blocking Wait. pipe[0] is watched for reads on kq
	// and is never reported to callers.
	pipe       [2]int
	pipeBuffer [64]byte

	// closed is 1 after Close has been called on kq
	closed uint32
}

func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)

	p := &Poller{
		kq:        kq,
		eventlist: make([]unix.Kevent_t, maxEvents),
	}

	if err := unix.Pipe(p.pipe[:]); err != nil {
		_ = unix.Close(kq)
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p.pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			p.closeAll()
			return nil, os.NewSyscallError("fcntl", err)
		}
	}

	if err := p.Add(p.pipe[0], ReadFlags); err != nil {
		p.closeAll()
		return nil, err
	}

	return p, nil
}

// Wait blocks for at most timeoutMs milliseconds (forever if negative) and
// appends the ready events to dst, one per descriptor. A wakeup or a signal
// interruption returns with no events and a nil error.
func (p *Poller) Wait(dst []PollEvent, timeoutMs int) ([]PollEvent, error) {
	if p.Closed() {
		return dst, ErrClosed
	}

	var timeout *unix.Timespec
	if timeoutMs >= 0 {
		ts := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		timeout = &ts
	}

	n, err := unix.Kevent(p.kq, nil, p.eventlist, timeout)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, os.NewSyscallError("kevent", err)
	}

	if n == 0 && timeoutMs >= 0 {
		return dst, ErrTimeout
	}

	start := len(dst)
	for i := 0; i < n; i++ {
		event := &p.eventlist[i]
		fd := int(event.Ident)

		if fd == p.pipe[0] {
			p.drainPipe()
			continue
		}

		var flags PollFlags
		switch {
		case event.Flags&unix.EV_ERROR != 0:
			flags = ErrorFlags
		case event.Filter == unix.EVFILT_READ:
			flags = ReadFlags
		case event.Filter == unix.EVFILT_WRITE:
			flags = WriteFlags
			if event.Flags&unix.EV_EOF != 0 {
				flags |= ErrorFlags
			}
		}

		// kqueue reports read and write readiness of a descriptor separately.
		merged := false
		for j := start; j < len(dst); j++ {
			if dst[j].Fd == fd {
				dst[j].Flags |= flags
				merged = true
				break
			}
		}
		if !merged {
			dst = append(dst, PollEvent{Fd: fd, Flags: flags})
		}
	}

	return dst, nil
}

func (p *Poller) drainPipe() {
	for {
		if _, err := unix.Read(p.pipe[0], p.pipeBuffer[:]); err != nil {
			break
		}
	}
}

// Wakeup interrupts a concurrent or the next Wait call.
func (p *Poller) Wakeup() error {
	if p.Closed() {
		return ErrClosed
	}
	_, err := unix.Write(p.pipe[1], []byte{1})
	if err == unix.EAGAIN {
		// the pipe is full, a wakeup is pending already
		return nil
	}
	return err
}

func (p *Poller) Add(fd int, flags PollFlags) error {
	if flags&ReadFlags != 0 {
		if err := p.ctl(fd, unix.EVFILT_READ, unix.EV_ADD); err != nil {
			return err
		}
	}
	if flags&WriteFlags != 0 {
		if err := p.ctl(fd, unix.EVFILT_WRITE, unix.EV_ADD); err != nil {
			return err
		}
	}
	return nil
}

// Modify replaces the filters of fd with flags. A zero flags keeps fd known to
// the caller but reports nothing for it.
func (p *Poller) Modify(fd int, flags PollFlags) error {
	if flags&ReadFlags != 0 {
		if err := p.ctl(fd, unix.EVFILT_READ, unix.EV_ADD); err != nil {
			return err
		}
	} else if err := p.del(fd, unix.EVFILT_READ); err != nil {
		return err
	}

	if flags&WriteFlags != 0 {
		return p.ctl(fd, unix.EVFILT_WRITE, unix.EV_ADD)
	}
	return p.del(fd, unix.EVFILT_WRITE)
}

// Del removes both filters of fd. A descriptor which the kernel already
// dropped, because it was closed, is not an error.
func (p *Poller) Del(fd int) error {
	if err := p.del(fd, unix.EVFILT_READ); err != nil {
		return err
	}
	return p.del(fd, unix.EVFILT_WRITE)
}

func (p *Poller) del(fd int, filter int) error {
	err := p.ctl(fd, filter, unix.EV_DELETE)
	if err == nil || err == ErrClosed {
		return err
	}
	if serr, ok := err.(*os.SyscallError); ok && (serr.Err == unix.ENOENT || serr.Err == unix.EBADF) {
		return nil
	}
	return err
}

func (p *Poller) ctl(fd int, filter int, flags int) error {
	if p.Closed() {
		return ErrClosed
	}

	var change [1]unix.Kevent_t
	unix.SetKevent(&change[0], fd, filter, flags)
	if _, err := unix.Kevent(p.kq, change[:], nil, nil); err != nil {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

func (p *Poller) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return io.EOF
	}

	p.eventlist = nil
	return p.closeAll()
}

func (p *Poller) closeAll() error {
	_ = unix.Close(p.pipe[0])
	_ = unix.Close(p.pipe[1])
	return unix.Close(p.kq)
}

func (p *Poller) Closed() bool {
	return atomic.LoadUint32(&p.closed) == 1
}
