//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package internal

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// timerIdent identifies the single EVFILT_TIMER of a Timer's kqueue.
const timerIdent = 1

// Timer is an EVFILT_TIMER on a private kqueue. The kqueue descriptor becomes
// readable on expiry, so it can be registered with a Poller like a timerfd.
// Expiries have millisecond resolution.
type Timer struct {
	kq        int
	eventlist [1]unix.Kevent_t
}

func NewTimer() (*Timer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	return &Timer{kq: kq}, nil
}

func (t *Timer) Fd() int {
	return t.kq
}

// Set arms the timer to first expire after initial. A zero interval makes it a
// one-shot timer. Otherwise it keeps expiring every interval, starting
// interval after the call, since kqueue timers have a single period.
func (t *Timer) Set(initial, interval time.Duration) error {
	flags := unix.EV_ADD | unix.EV_ENABLE
	period := interval
	if interval <= 0 {
		flags |= unix.EV_ONESHOT
		period = initial
	}

	var change [1]unix.Kevent_t
	unix.SetKevent(&change[0], timerIdent, unix.EVFILT_TIMER, flags)
	change[0].Data = toMillis(period)

	if _, err := unix.Kevent(t.kq, change[:], nil, nil); err != nil {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

// toMillis rounds d up to whole milliseconds, at least one, so a timer never
// expires early.
func toMillis(d time.Duration) int64 {
	ms := int64((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (t *Timer) Unset() error {
	var change [1]unix.Kevent_t
	unix.SetKevent(&change[0], timerIdent, unix.EVFILT_TIMER, unix.EV_DELETE)

	_, err := unix.Kevent(t.kq, change[:], nil, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

// Expirations consumes and returns the number of expirations since the last
// call. It returns zero if the timer has not expired.
func (t *Timer) Expirations() (uint64, error) {
	var zero unix.Timespec
	n, err := unix.Kevent(t.kq, nil, t.eventlist[:], &zero)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent", err)
	}
	if n == 0 {
		return 0, nil
	}
	return uint64(t.eventlist[0].Data), nil
}

func (t *Timer) Close() error {
	return unix.Close(t.kq)
}
