// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for the connection listener. Counters are created on
// first use and updated lock-free afterwards.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter names published by the listener.
const (
	MetricConnectionsAccepted = "connections_accepted"
	MetricConnectionsActive   = "connections_active"
	MetricConnectionsClosed   = "connections_closed"
	MetricHandshakeFailures   = "handshake_failures"
	MetricFramesIn            = "frames_in"
	MetricFramesOut           = "frames_out"
	MetricBytesIn             = "bytes_in"
	MetricBytesOut            = "bytes_out"
	MetricAsyncEnqueued       = "async_enqueued"
	MetricAsyncDelivered      = "async_delivered"
)

// MetricsRegistry holds named int64 counters.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	updated  atomic.Int64 // unix nanoseconds
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*atomic.Int64),
	}
}

func (mr *MetricsRegistry) counter(key string) *atomic.Int64 {
	mr.mu.RLock()
	c, ok := mr.counters[key]
	mr.mu.RUnlock()
	if ok {
		return c
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if c, ok = mr.counters[key]; !ok {
		c = new(atomic.Int64)
		mr.counters[key] = c
	}
	return c
}

// Add adds delta to key and returns the new value.
func (mr *MetricsRegistry) Add(key string, delta int64) int64 {
	v := mr.counter(key).Add(delta)
	mr.updated.Store(time.Now().UnixNano())
	return v
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value int64) {
	mr.counter(key).Store(value)
	mr.updated.Store(time.Now().UnixNano())
}

// Get returns the current value of key, zero if never touched.
func (mr *MetricsRegistry) Get(key string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if c, ok := mr.counters[key]; ok {
		return c.Load()
	}
	return 0
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.counters))
	for k, c := range mr.counters {
		out[k] = c.Load()
	}
	return out
}

// Updated returns the time of the last change, zero if none.
func (mr *MetricsRegistry) Updated() time.Time {
	ns := mr.updated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
