package main

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/talostrading/reactor"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func newTestShell(t *testing.T) (*shell, *reactor.Reactor, *syncBuffer) {
	r, err := reactor.New(reactor.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
	})

	out := &syncBuffer{}
	sh, err := newShell(r, out)
	require.NoError(t, err)
	return sh, r, out
}

func poll(t *testing.T, r *reactor.Reactor) int {
	n, err := r.Poll()
	require.NoError(t, err)
	return n
}

func TestShellQueue(t *testing.T) {
	sh, r, out := newTestShell(t)

	require.NoError(t, sh.exec("queue q1"))
	require.NoError(t, sh.exec("offer q1 a b"))
	assert.Equal(t, 1, poll(t, r))
	assert.Contains(t, out.String(), "[q1] qread a b")

	require.NoError(t, sh.exec("disable q1"))
	require.NoError(t, sh.exec("offer q1 c"))
	assert.Equal(t, 0, poll(t, r))
	assert.NotContains(t, out.String(), "qread c")

	require.NoError(t, sh.exec("enable q1"))
	assert.Equal(t, 1, poll(t, r))
	assert.Contains(t, out.String(), "[q1] qread c")
}

func TestShellLock(t *testing.T) {
	sh, r, out := newTestShell(t)

	require.NoError(t, sh.exec("queue q1"))
	require.NoError(t, sh.exec("lock l1 q1"))
	assert.Equal(t, 1, poll(t, r))
	assert.Contains(t, out.String(), "[l1] lock")

	require.NoError(t, sh.exec("offer q1 parked"))
	poll(t, r)
	assert.NotContains(t, out.String(), "parked")

	require.NoError(t, sh.exec("release l1"))
	poll(t, r)
	assert.Contains(t, out.String(), "[q1] qread parked")

	assert.Error(t, sh.exec("release l1"))
}

func TestShellErrors(t *testing.T) {
	sh, _, out := newTestShell(t)

	require.NoError(t, sh.exec("queue q1"))
	assert.Error(t, sh.exec("queue q1"))
	assert.Error(t, sh.exec("offer nope x"))
	assert.Error(t, sh.exec("offer q1"))
	assert.Error(t, sh.exec("lock l1 nope"))
	assert.Error(t, sh.exec("after t1 soon"))
	assert.Error(t, sh.exec("frobnicate"))
	assert.NoError(t, sh.exec(""))

	require.NoError(t, sh.exec("drop q1"))
	assert.Error(t, sh.exec("offer q1 x"))
	require.NoError(t, sh.exec("queue q1"), "name is free again")

	require.NoError(t, sh.exec("stats"))
	assert.Contains(t, out.String(), "Registered")
}
