// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool is a typed sync.Pool with an optional reset hook run on Put.
type SyncPool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

// NewSyncPool creates a pool whose empty Get calls creator.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool.New = func() any { return creator() }
	return sp
}

// WithReset installs fn to scrub objects before they are pooled.
func (sp *SyncPool[T]) WithReset(fn func(T)) *SyncPool[T] {
	sp.reset = fn
	return sp
}

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	if sp.reset != nil {
		sp.reset(obj)
	}
	sp.pool.Put(obj)
}
