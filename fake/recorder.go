// File: fake/recorder.go
// Author: momentics <momentics@gmail.com>
//
// Recorder is a scriptable agent that keeps every call it receives.

package fake

import (
	"sync"

	"github.com/momentics/wspush/api"
)

// Download is one recorded HandleDownload call.
type Download struct {
	Header api.Message
	Stream []byte
}

// Recorder records calls and delegates answers to optional hooks.
// Without hooks it behaves like EchoAgent.
type Recorder struct {
	Peer api.Peer

	// OnRequest overrides HandleRequest when set.
	OnRequest func(peer api.Peer, msg api.Message) (string, error)
	// OnDownload overrides HandleDownload when set.
	OnDownload func(peer api.Peer, header api.Message, stream []byte) (string, error)

	mu        sync.Mutex
	requests  []api.Message
	downloads []Download
	shutdowns int
	closed    chan struct{}
}

// NewRecorder creates a recorder bound to peer.
func NewRecorder(peer api.Peer) *Recorder {
	return &Recorder{Peer: peer, closed: make(chan struct{})}
}

func (r *Recorder) HandleRequest(msg api.Message) (string, error) {
	r.mu.Lock()
	r.requests = append(r.requests, msg)
	hook := r.OnRequest
	r.mu.Unlock()
	if hook != nil {
		return hook(r.Peer, msg)
	}
	return (&EchoAgent{}).HandleRequest(msg)
}

func (r *Recorder) HandleDownload(header api.Message, stream []byte) (string, error) {
	r.mu.Lock()
	r.downloads = append(r.downloads, Download{Header: header, Stream: append([]byte(nil), stream...)})
	hook := r.OnDownload
	r.mu.Unlock()
	if hook != nil {
		return hook(r.Peer, header, stream)
	}
	return (&EchoAgent{}).HandleDownload(header, stream)
}

func (r *Recorder) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns++
	if r.shutdowns == 1 {
		close(r.closed)
	}
}

// Requests returns a copy of the recorded requests.
func (r *Recorder) Requests() []api.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Message(nil), r.requests...)
}

// Downloads returns a copy of the recorded downloads.
func (r *Recorder) Downloads() []Download {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Download(nil), r.downloads...)
}

// Shutdowns returns how many times Shutdown was called.
func (r *Recorder) Shutdowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdowns
}

// Closed is closed by the first Shutdown.
func (r *Recorder) Closed() <-chan struct{} {
	return r.closed
}

// Recorders collects the recorders created through its Factory.
type Recorders struct {
	mu    sync.Mutex
	setup func(*Recorder)
	all   []*Recorder
	ready chan *Recorder
}

// NewRecorders returns a collection whose recorders are passed to setup,
// if non-nil, before first use.
func NewRecorders(setup func(*Recorder)) *Recorders {
	return &Recorders{setup: setup, ready: make(chan *Recorder, 64)}
}

// Factory is an api.AgentFactory producing recorders.
func (rs *Recorders) Factory(peer api.Peer) api.Agent {
	r := NewRecorder(peer)
	if rs.setup != nil {
		rs.setup(r)
	}
	rs.mu.Lock()
	rs.all = append(rs.all, r)
	rs.mu.Unlock()
	select {
	case rs.ready <- r:
	default:
	}
	return r
}

// Next returns a channel yielding recorders in creation order.
func (rs *Recorders) Next() <-chan *Recorder {
	return rs.ready
}

// All returns every recorder created so far.
func (rs *Recorders) All() []*Recorder {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*Recorder(nil), rs.all...)
}
