//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package reactor_test

import (
	"testing"
	"time"

	"github.com/momentics/wspush/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newReactor(t *testing.T) reactor.EventReactor {
	t.Helper()
	r, err := reactor.NewReactor()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWakeInterruptsWait(t *testing.T) {
	r := newReactor(t)
	events := make([]reactor.Event, 8)

	done := make(chan int, 1)
	go func() {
		n, _ := r.Wait(events, -1)
		done <- n
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Wake())

	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait was not interrupted by Wake")
	}
}

func TestReadableEvent(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	require.NoError(t, r.Register(a, reactor.Read))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events := make([]reactor.Event, 8)
	n, err := r.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, a, events[0].Fd)
	assert.True(t, events[0].Readable)
	assert.False(t, events[0].Error)
}

func TestOneShotRequiresRearm(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	require.NoError(t, r.Register(a, reactor.Read|reactor.OneShot))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events := make([]reactor.Event, 8)
	n, err := r.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// still readable, but disarmed
	n, err = r.Wait(events, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, r.Rearm(a))
	n, err = r.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, a, events[0].Fd)
}

func TestHangupIsReported(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	require.NoError(t, r.Register(a, reactor.Read))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_WR))

	events := make([]reactor.Event, 8)
	n, err := r.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Readable)
}

func TestUnregisterStopsEvents(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	require.NoError(t, r.Register(a, reactor.Read))
	require.NoError(t, r.Unregister(a))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events := make([]reactor.Event, 8)
	n, err := r.Wait(events, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCloseIsIdempotent(t *testing.T) {
	r, err := reactor.NewReactor()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Wake())
	assert.Error(t, r.Rearm(3))
}
