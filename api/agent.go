// File: api/agent.go
// Package api defines the contract between the transport engine and the
// application layer bound to each connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net"

// Message is one decoded JSON object received from or pushed to a peer.
type Message map[string]any

// Has reports whether key is present at the top level of m.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Agent handles the application messages of one connection.
// Calls on a single Agent are serialized by its connection.
type Agent interface {
	// HandleRequest answers a synchronous or async request. The result is
	// written back as one text frame. A non-nil error tears the connection down.
	HandleRequest(msg Message) (string, error)

	// HandleDownload receives a file header followed by its raw byte stream.
	HandleDownload(header Message, stream []byte) (string, error)

	// Shutdown releases resources bound to the connection. Called at most once.
	Shutdown()
}

// AgentFactory creates the Agent of a freshly upgraded connection.
type AgentFactory func(peer Peer) Agent

// Peer is the agent-facing view of a connection.
type Peer interface {
	// ID returns the unique connection identifier.
	ID() string

	// RemoteAddr returns the client address.
	RemoteAddr() net.Addr

	// Protocol returns the negotiated handshake variant.
	Protocol() string

	// Header returns a handshake request header, case-insensitive.
	Header(name string) string

	// Push schedules msg for out-of-band handling, as if the client had sent
	// it inside an "async" envelope. The reply is written asynchronously.
	// Push never blocks: it returns ErrPushQueueFull when the queue has no
	// room and ErrPushQueueClosed after the connection has closed.
	Push(msg Message) error

	// Send writes payload to the peer as one text frame.
	Send(payload []byte) error
}
