// File: server/registry.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"sort"
	"sync"
)

// ConnInfo describes one registered connection for debug output.
type ConnInfo struct {
	ID       string `json:"id"`
	Fd       int    `json:"fd"`
	Remote   string `json:"remote"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Queued   int    `json:"queued"`
}

// Registry maps socket descriptors to live connections.
// Only the listener loop mutates it; the lock lets other goroutines
// take snapshots.
type Registry struct {
	mu    sync.RWMutex
	conns map[int]*Connection
}

func newRegistry() *Registry {
	return &Registry{conns: make(map[int]*Connection)}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	r.conns[c.fd] = c
	r.mu.Unlock()
}

func (r *Registry) remove(fd int) {
	r.mu.Lock()
	delete(r.conns, fd)
	r.mu.Unlock()
}

// get is called from the loop goroutine only, so it needs no lock.
func (r *Registry) get(fd int) (*Connection, bool) {
	c, ok := r.conns[fd]
	return c, ok
}

func (r *Registry) all() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot describes every registered connection, ordered by descriptor.
func (r *Registry) Snapshot() []ConnInfo {
	conns := r.all()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fd < out[j].Fd })
	return out
}
