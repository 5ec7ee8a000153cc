//go:build linux

package internal

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type EventFd struct {
	fd int
}

func NewEventFd(nonBlocking bool) (*EventFd, error) {
	flags := unix.EFD_CLOEXEC
	if nonBlocking {
		flags |= unix.EFD_NONBLOCK
	}

	fd, err := unix.Eventfd(0, flags)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &EventFd{fd: fd}, nil
}

func (e *EventFd) Write(x uint64) (int, error) {
	/* #nosec G103 -- the use of unsafe has been audited */
	return unix.Write(e.fd, (*(*[8]byte)(unsafe.Pointer(&x)))[:])
}

func (e *EventFd) Read(b []byte) (int, error) {
	return unix.Read(e.fd, b)
}

func (e *EventFd) Fd() int {
	return e.fd
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
