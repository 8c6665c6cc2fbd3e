package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/momentics/wspush/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncPushManagerFIFO(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var got []any
	done := make(chan struct{})
	m := NewAsyncPushManager(4, func(msg api.Message) error {
		mu.Lock()
		got = append(got, msg["async"])
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
		return nil
	}, nil)
	m.Start()
	m.Start()

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Enqueue(context.Background(), api.Message{"async": i}))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue not drained")
	}
	m.Shutdown()
	m.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestAsyncPushManagerBlocksWhenFull(t *testing.T) {
	m := NewAsyncPushManager(1, func(api.Message) error { return nil }, nil)
	// not started: nothing drains the queue
	require.NoError(t, m.Enqueue(context.Background(), api.Message{"async": 1}))
	assert.Equal(t, 1, m.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Enqueue(ctx, api.Message{"async": 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	blocked := make(chan error, 1)
	go func() { blocked <- m.Enqueue(context.Background(), api.Message{"async": 3}) }()
	time.Sleep(20 * time.Millisecond)
	m.Shutdown()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, api.ErrPushQueueClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not release a blocked Enqueue")
	}
	assert.ErrorIs(t, m.Enqueue(context.Background(), api.Message{}), api.ErrPushQueueClosed)
}

func TestAsyncPushManagerTryEnqueue(t *testing.T) {
	m := NewAsyncPushManager(2, func(api.Message) error { return nil }, nil)
	// not started: nothing drains the queue
	require.NoError(t, m.TryEnqueue(api.Message{"async": 1}))
	require.NoError(t, m.TryEnqueue(api.Message{"async": 2}))
	assert.ErrorIs(t, m.TryEnqueue(api.Message{"async": 3}), api.ErrPushQueueFull)
	assert.Equal(t, 2, m.Len())

	m.Shutdown()
	assert.ErrorIs(t, m.TryEnqueue(api.Message{"async": 4}), api.ErrPushQueueClosed)
}

func TestAsyncPushManagerStopsOnError(t *testing.T) {
	defer leaktest.Check(t)()

	failed := make(chan error, 1)
	m := NewAsyncPushManager(8, func(msg api.Message) error {
		if msg.Has("bad") {
			return errors.New("target failed")
		}
		return nil
	}, func(err error) { failed <- err })
	m.Start()

	require.NoError(t, m.Enqueue(context.Background(), api.Message{"bad": true}))
	select {
	case err := <-failed:
		assert.EqualError(t, err, "target failed")
	case <-time.After(5 * time.Second):
		t.Fatal("onError not called")
	}
	waitUntil(t, func() bool {
		return errors.Is(m.Enqueue(context.Background(), api.Message{}), api.ErrPushQueueClosed)
	})
	m.Shutdown()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
