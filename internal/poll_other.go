//go:build !linux && !darwin && !netbsd && !freebsd && !openbsd && !dragonfly

package internal

import "time"

type PollFlags uint32

const (
	ReadFlags PollFlags = 1 << iota
	WriteFlags
	ErrorFlags
)

// Poller has no multiplexer behind it on this platform. Every constructor
// fails with ErrUnsupported.
type Poller struct{}

func NewPoller(maxEvents int) (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Wait(dst []PollEvent, timeoutMs int) ([]PollEvent, error) {
	return dst, ErrUnsupported
}

func (p *Poller) Wakeup() error { return ErrUnsupported }

func (p *Poller) Add(fd int, flags PollFlags) error { return ErrUnsupported }

func (p *Poller) Modify(fd int, flags PollFlags) error { return ErrUnsupported }

func (p *Poller) Del(fd int) error { return ErrUnsupported }

func (p *Poller) Close() error { return nil }

func (p *Poller) Closed() bool { return true }

type Timer struct{}

func NewTimer() (*Timer, error) {
	return nil, ErrUnsupported
}

func (t *Timer) Fd() int { return -1 }

func (t *Timer) Set(initial, interval time.Duration) error { return ErrUnsupported }

func (t *Timer) Unset() error { return ErrUnsupported }

func (t *Timer) Expirations() (uint64, error) { return 0, ErrUnsupported }

func (t *Timer) Close() error { return nil }
