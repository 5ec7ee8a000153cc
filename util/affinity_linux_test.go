//go:build linux

package util

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestPinThread(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)

		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		before := &unix.CPUSet{}
		if !assert.NoError(t, unix.SchedGetaffinity(0, before)) {
			return
		}
		defer func() {
			_ = unix.SchedSetaffinity(0, before)
		}()

		cpu := -1
		for i := 0; i < 1024; i++ {
			if before.IsSet(i) {
				cpu = i
				break
			}
		}
		if !assert.NotEqual(t, -1, cpu) || !assert.NoError(t, PinThread(cpu)) {
			return
		}

		after := &unix.CPUSet{}
		if !assert.NoError(t, unix.SchedGetaffinity(0, after)) {
			return
		}
		assert.Equal(t, 1, after.Count())
		assert.True(t, after.IsSet(cpu))
	}()
	<-done

	assert.Error(t, PinThread())
}
