//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReadable(t *testing.T) {
	assert := assert.New(t)

	p, err := NewPoller(16)
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, ReadFlags))

	_, err = p.Wait(nil, 0)
	assert.Equal(ErrTimeout, err)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err := p.Wait(nil, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(a, events[0].Fd)
	assert.True(events[0].Readable())
	assert.False(events[0].Writable())

	// level triggered: still readable until drained
	events, err = p.Wait(events[:0], 0)
	require.NoError(t, err)
	assert.Len(events, 1)

	require.NoError(t, p.Modify(a, 0))
	_, err = p.Wait(nil, 0)
	assert.Equal(ErrTimeout, err)

	require.NoError(t, p.Del(a))
	// deleting twice is not an error
	require.NoError(t, p.Del(a))
}

func TestPollerReadWriteOneEvent(t *testing.T) {
	p, err := NewPoller(16)
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, ReadFlags|WriteFlags))

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err := p.Wait(nil, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1, "one event per descriptor")
	assert.True(t, events[0].Readable())
	assert.True(t, events[0].Writable())

	require.NoError(t, p.Modify(a, WriteFlags))
	events, err = p.Wait(nil, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Readable())
	assert.True(t, events[0].Writable())
}

func TestPollerWakeup(t *testing.T) {
	p, err := NewPoller(0)
	require.NoError(t, err)
	defer p.Close()

	done := make(chan error, 1)
	go func() {
		events, err := p.Wait(nil, -1)
		if err == nil && len(events) != 0 {
			t.Errorf("wakeup should not be reported as an event")
		}
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Wakeup())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait was not interrupted")
	}
}

func TestPollerClose(t *testing.T) {
	p, err := NewPoller(4)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, p.Closed())
	_, err = p.Wait(nil, 0)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, p.Wakeup())
}

func TestTimerExpires(t *testing.T) {
	assert := assert.New(t)

	p, err := NewPoller(4)
	require.NoError(t, err)
	defer p.Close()

	timer, err := NewTimer()
	require.NoError(t, err)
	defer timer.Close()

	n, err := timer.Expirations()
	require.NoError(t, err)
	assert.Zero(n)

	require.NoError(t, p.Add(timer.Fd(), ReadFlags))
	require.NoError(t, timer.Set(time.Millisecond, 0))

	events, err := p.Wait(nil, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(timer.Fd(), events[0].Fd)

	n, err = timer.Expirations()
	require.NoError(t, err)
	assert.Equal(uint64(1), n)

	require.NoError(t, timer.Unset())
}

func BenchmarkPollerWaitNoEvents(b *testing.B) {
	p, err := NewPoller(128)
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()

	events := make([]PollEvent, 0, 128)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		events, _ = p.Wait(events[:0], 0)
	}

	b.ReportAllocs()
}
