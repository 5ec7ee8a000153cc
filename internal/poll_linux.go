//go:build linux

package internal

import (
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type PollFlags uint32

const (
	ReadFlags  = PollFlags(unix.EPOLLIN | unix.EPOLLRDHUP)
	WriteFlags = PollFlags(unix.EPOLLOUT)
	ErrorFlags = PollFlags(unix.EPOLLERR | unix.EPOLLHUP)
)

// Poller is a level-triggered epoll instance with an eventfd waker.
//
// Add, Modify, Del and Wakeup may be called from any goroutine. Wait must only
// be called from one goroutine at a time.
type Poller struct {
	// fd is the file descriptor returned by calling epoll_create1(0).
	fd int

	// events is the buffer handed to epoll_wait.
	events []unix.EpollEvent

	// waker interrupts a blocking Wait. Its read end is registered for reads
	// on fd and is never reported to callers.
	waker      *EventFd
	wakerBytes [8]byte

	// closed is 1 after Close has been called on fd
	closed uint32
}

func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	waker, err := NewEventFd(true)
	if err != nil {
		_ = unix.Close(epollFd)
		return nil, err
	}

	p := &Poller{
		fd:     epollFd,
		waker:  waker,
		events: make([]unix.EpollEvent, maxEvents),
	}

	if err := p.Add(waker.Fd(), ReadFlags); err != nil {
		_ = waker.Close()
		_ = unix.Close(epollFd)
		return nil, err
	}

	return p, nil
}

// Wait blocks for at most timeoutMs milliseconds (forever if negative) and
// appends the ready events to dst. A wakeup or a signal interruption returns
// with no events and a nil error.
func (p *Poller) Wait(dst []PollEvent, timeoutMs int) ([]PollEvent, error) {
	if p.Closed() {
		return dst, ErrClosed
	}

	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, os.NewSyscallError("epoll_wait", err)
	}

	if n == 0 && timeoutMs >= 0 {
		return dst, ErrTimeout
	}

	for i := 0; i < n; i++ {
		event := &p.events[i]
		fd := int(event.Fd)

		if fd == p.waker.Fd() {
			p.drainWaker()
			continue
		}

		dst = append(dst, PollEvent{Fd: fd, Flags: PollFlags(event.Events)})
	}

	return dst, nil
}

func (p *Poller) drainWaker() {
	for {
		if _, err := p.waker.Read(p.wakerBytes[:]); err != nil {
			break
		}
	}
}

// Wakeup interrupts a concurrent or the next Wait call.
func (p *Poller) Wakeup() error {
	if p.Closed() {
		return ErrClosed
	}
	_, err := p.waker.Write(1)
	return err
}

func (p *Poller) Add(fd int, flags PollFlags) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, flags, "epoll_ctl_add")
}

func (p *Poller) Modify(fd int, flags PollFlags) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, flags, "epoll_ctl_mod")
}

// Del removes fd from the interest list. A descriptor which the kernel already
// dropped, because it was closed, is not an error.
func (p *Poller) Del(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == nil || err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return os.NewSyscallError("epoll_ctl_del", err)
}

func (p *Poller) ctl(op int, fd int, flags PollFlags, name string) error {
	if p.Closed() {
		return ErrClosed
	}
	event := unix.EpollEvent{
		Events: uint32(flags),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.fd, op, fd, &event); err != nil {
		return os.NewSyscallError(name, err)
	}
	return nil
}

func (p *Poller) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return io.EOF
	}

	p.events = nil
	_ = p.waker.Close()
	return unix.Close(p.fd)
}

func (p *Poller) Closed() bool {
	return atomic.LoadUint32(&p.closed) == 1
}
