//go:build linux

package util

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PinThread restricts the calling OS thread to cpus. The caller must hold the
// thread with runtime.LockOSThread.
func PinThread(cpus ...int) error {
	if len(cpus) == 0 {
		return errors.New("no cpu to pin to")
	}

	set := &unix.CPUSet{}
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, set); err != nil {
		return errors.Wrapf(err, "pin to cpus %v", cpus)
	}

	verify := &unix.CPUSet{}
	if err := unix.SchedGetaffinity(0, verify); err != nil {
		return errors.Wrap(err, "read affinity")
	}
	for _, cpu := range cpus {
		if !verify.IsSet(cpu) {
			return errors.Errorf("could not pin to cpus %v", cpus)
		}
	}
	return nil
}
