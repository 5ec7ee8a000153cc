//go:build linux

package internal

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Timer wraps a non-blocking monotonic timerfd. Its descriptor becomes
// readable on expiry and can be registered with a Poller.
type Timer struct {
	fd  int
	buf [8]byte
}

func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("timerfd_create", err)
	}
	return &Timer{fd: fd}, nil
}

func (t *Timer) Fd() int {
	return t.fd
}

// Set arms the timer to first expire after initial and then every interval.
// A zero interval makes it a one-shot timer. A non-positive initial expires as
// soon as possible, since a zero value would disarm the timerfd.
func (t *Timer) Set(initial, interval time.Duration) error {
	if initial <= 0 {
		initial = time.Nanosecond
	}
	if interval < 0 {
		interval = 0
	}

	err := unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{
		Value:    unix.NsecToTimespec(initial.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}, nil)
	if err != nil {
		return os.NewSyscallError("timerfd_settime", err)
	}
	return nil
}

func (t *Timer) Unset() error {
	if err := unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{}, nil); err != nil {
		return os.NewSyscallError("timerfd_settime", err)
	}
	return nil
}

// Expirations consumes and returns the number of expirations since the last
// call. It returns zero if the timer has not expired.
func (t *Timer) Expirations() (uint64, error) {
	n, err := unix.Read(t.fd, t.buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, os.NewSyscallError("timerfd_read", err)
	}
	if n != len(t.buf) {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(t.buf[:]), nil
}

func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
