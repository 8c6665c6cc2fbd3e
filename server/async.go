// File: server/async.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// AsyncPushManager serves the deferred requests of one connection on a
// dedicated goroutine, in FIFO order, so that slow agent work never blocks
// the read path.

package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/momentics/wspush/api"
)

// AsyncPushManager is a bounded FIFO of deferred requests plus the goroutine
// that drains it.
type AsyncPushManager struct {
	queue   chan api.Message
	target  func(api.Message) error
	onError func(error)

	done      chan struct{} // closed by Shutdown
	exited    chan struct{} // closed when the goroutine returns
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewAsyncPushManager creates a manager with room for size pending requests.
// target handles each request; the first error it returns stops the manager
// and is passed to onError.
func NewAsyncPushManager(size int, target func(api.Message) error, onError func(error)) *AsyncPushManager {
	if size < 1 {
		size = 1
	}
	return &AsyncPushManager{
		queue:   make(chan api.Message, size),
		target:  target,
		onError: onError,
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops.
func (m *AsyncPushManager) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

func (m *AsyncPushManager) run() {
	defer close(m.exited)
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.queue:
			if err := m.target(msg); err != nil {
				if m.onError != nil {
					m.onError(err)
				}
				return
			}
		}
	}
}

// Enqueue appends msg, blocking while the queue is full.
// Returns api.ErrPushQueueClosed once the manager has stopped.
func (m *AsyncPushManager) Enqueue(ctx context.Context, msg api.Message) error {
	select {
	case <-m.done:
		return api.ErrPushQueueClosed
	case <-m.exited:
		return api.ErrPushQueueClosed
	default:
	}
	select {
	case m.queue <- msg:
		return nil
	case <-m.done:
		return api.ErrPushQueueClosed
	case <-m.exited:
		return api.ErrPushQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue appends msg without blocking. It returns api.ErrPushQueueFull
// when there is no room and api.ErrPushQueueClosed once the manager has
// stopped.
func (m *AsyncPushManager) TryEnqueue(msg api.Message) error {
	select {
	case <-m.done:
		return api.ErrPushQueueClosed
	case <-m.exited:
		return api.ErrPushQueueClosed
	default:
	}
	select {
	case m.queue <- msg:
		return nil
	default:
		return api.ErrPushQueueFull
	}
}

// Len returns the number of pending requests.
func (m *AsyncPushManager) Len() int {
	return len(m.queue)
}

// Shutdown stops the goroutine and waits for it to return. Pending requests
// are dropped. Safe to call more than once and from several goroutines, but
// not from the target callback.
func (m *AsyncPushManager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
	if m.started.Load() {
		<-m.exited
	}
}
