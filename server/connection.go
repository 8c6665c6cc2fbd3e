// File: server/connection.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection drives one client socket through HANDSHAKING, OPEN and CLOSED.
// The listener runs HandleRequest on a worker goroutine for every readiness
// event and never runs two workers for the same connection at once.

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/momentics/wspush/api"
	"github.com/momentics/wspush/control"
	"github.com/momentics/wspush/pool"
	"github.com/momentics/wspush/protocol"
	"github.com/momentics/wspush/reactor"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type connState int32

const (
	stateHandshaking connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// closeGrace bounds best-effort writes issued while failing a connection.
const closeGrace = time.Second

// handshakeResult is published once the upgrade succeeded.
type handshakeResult struct {
	hs  protocol.Handshake
	req *protocol.Request
}

// Connection is one client socket and the agent bound to it.
type Connection struct {
	id      string
	conn    net.Conn
	fd      int
	br      *bufio.Reader
	buf     []byte // frame payload buffer, borrowed from bufs
	bufs    *pool.BytePool
	msg     []byte // reassembly buffer, reused
	cfg     *Config
	log     *slog.Logger
	metrics *control.MetricsRegistry
	factory api.AgentFactory
	limiter *rate.Limiter
	push    *AsyncPushManager

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	handshake atomic.Pointer[handshakeResult]

	agentMu   sync.Mutex // serializes every call into agent
	agent     api.Agent
	agentDone bool

	writeMu sync.Mutex

	lifeMu       sync.Mutex // held while the descriptor is re-armed or closed
	shutdownOnce sync.Once
	releaseOnce  sync.Once
}

func newConnection(conn net.Conn, fd int, cfg *Config, factory api.AgentFactory,
	bufs *pool.BytePool, metrics *control.MetricsRegistry, logger *slog.Logger) *Connection {

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      uuid.New().String(),
		conn:    conn,
		fd:      fd,
		br:      bufio.NewReaderSize(conn, protocol.MaxHandshakeHeadersSize),
		buf:     bufs.GetBuffer(),
		bufs:    bufs,
		cfg:     cfg,
		metrics: metrics,
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.log = logger.With("component", "connection", "conn", c.id)
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	c.push = NewAsyncPushManager(cfg.AsyncQueueSize, c.handleAsync, c.asyncFailed)
	return c
}

// State returns the lifecycle state.
func (c *Connection) State() connState {
	return connState(c.state.Load())
}

// HandleRequest performs one step on a readable socket: the handshake on the
// first readiness, complete messages afterwards for as long as input is
// already buffered. A non-nil error means the connection has failed and must
// be torn down.
func (c *Connection) HandleRequest() error {
	switch c.State() {
	case stateHandshaking:
		if err := c.upgrade(); err != nil {
			return c.fail(err)
		}
		if c.br.Buffered() == 0 {
			return nil
		}
	case stateOpen:
	default:
		return api.ConnectionClosed(nil, "connection is closed")
	}

	for {
		if c.cfg.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		if err := c.serveMessage(); err != nil {
			return c.fail(err)
		}
		if c.br.Buffered() == 0 {
			return nil
		}
	}
}

// upgrade negotiates the handshake and binds the agent.
func (c *Connection) upgrade() error {
	if c.cfg.HandshakeTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	c.writeMu.Lock()
	hs, req, err := protocol.Negotiate(c.br, c.conn, c.cfg.BypassToken)
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.Add(control.MetricHandshakeFailures, 1)
		return err
	}
	c.conn.SetReadDeadline(time.Time{})
	c.handshake.Store(&handshakeResult{hs: hs, req: req})

	c.agentMu.Lock()
	c.agent = c.factory(c)
	c.agentMu.Unlock()
	if c.agent == nil {
		return api.NewError(api.ErrCodeInternal, "agent factory returned nil")
	}

	if !c.state.CompareAndSwap(int32(stateHandshaking), int32(stateOpen)) {
		// shut down while negotiating
		c.notifyAgent()
		return api.ConnectionClosed(nil, "connection is closed")
	}
	c.log.Info("connection upgraded", "protocol", hs.Protocol(), "uri", req.URI,
		"remote", c.conn.RemoteAddr().String())
	return nil
}

// serveMessage reads one message and dispatches it by envelope key.
func (c *Connection) serveMessage() error {
	data, err := c.readMessage()
	if err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return api.ConnectionClosed(err, "rate limit wait")
		}
	}

	var msg api.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return api.ProtocolError("invalid JSON message: %v", err)
	}
	if msg == nil {
		return api.ProtocolError("message is not a JSON object")
	}

	switch {
	case msg.Has("file"):
		stream, err := c.readMessage()
		if err != nil {
			return err
		}
		reply, err := c.callAgent(func(a api.Agent) (string, error) {
			return a.HandleDownload(msg, stream)
		})
		if err != nil {
			return err
		}
		return c.writeText(reply)

	case msg.Has("async"):
		return c.enqueue(msg)

	default:
		reply, err := c.callAgent(func(a api.Agent) (string, error) {
			return a.HandleRequest(msg)
		})
		if err != nil {
			return err
		}
		return c.writeText(reply)
	}
}

// readMessage reassembles one data message, answering control frames that
// arrive between its fragments. The result aliases c.msg.
func (c *Connection) readMessage() ([]byte, error) {
	requireMask := true
	if res := c.handshake.Load(); res != nil {
		requireMask = res.hs.RequireMaskedFrames()
	}

	c.msg = c.msg[:0]
	started := false
	for {
		h, err := protocol.ReadFrameHeader(c.br)
		if err != nil {
			if peerGone(err) {
				return nil, api.ConnectionClosed(err, "peer closed connection")
			}
			return nil, err
		}
		if requireMask && !h.Masked {
			return nil, api.ProtocolError("unmasked client frame")
		}
		payload, err := protocol.ReadPayload(c.br, c.buf, h.Length, h.MaskKey())
		if err != nil {
			if peerGone(err) {
				return nil, api.ConnectionClosed(err, "peer closed connection")
			}
			return nil, err
		}
		c.metrics.Add(control.MetricFramesIn, 1)
		c.metrics.Add(control.MetricBytesIn, int64(len(payload)))

		if h.Opcode.IsControl() {
			if err := c.handleControl(h.Opcode, payload); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case h.Opcode == protocol.OpcodeContinuation && !started:
			return nil, api.ProtocolError("continuation frame without a message")
		case h.Opcode != protocol.OpcodeContinuation && started:
			return nil, api.ProtocolError("%s frame inside a fragmented message", h.Opcode)
		}
		started = true

		if len(c.msg)+len(payload) > c.cfg.MaxMessageSize {
			return nil, api.ProtocolError("message exceeds %d bytes", c.cfg.MaxMessageSize)
		}
		c.msg = append(c.msg, payload...)
		if h.Fin {
			return c.msg, nil
		}
	}
}

func (c *Connection) handleControl(op protocol.Opcode, payload []byte) error {
	switch op {
	case protocol.OpcodePing:
		return c.writeFrame(protocol.OpcodePong, payload)
	case protocol.OpcodePong:
		if c.cfg.PongPolicy == protocol.PongEcho {
			return c.writeFrame(protocol.OpcodePing, payload)
		}
		return nil
	case protocol.OpcodeClose:
		code := protocol.CloseCode(payload)
		var reply []byte
		if code != protocol.CloseNoStatusRcvd {
			reply = protocol.ClosePayload(code, "")
		}
		// the peer may already be gone
		_ = c.writeFrame(protocol.OpcodeClose, reply)
		return api.ConnectionClosed(nil, "close frame received").WithContext("code", code)
	}
	return nil
}

// callAgent runs call under the agent lock. Panics become errors.
func (c *Connection) callAgent(call func(api.Agent) (string, error)) (reply string, err error) {
	c.agentMu.Lock()
	defer c.agentMu.Unlock()
	if c.agent == nil || c.agentDone {
		return "", api.ConnectionClosed(nil, "agent is shut down")
	}
	defer func() {
		if r := recover(); r != nil {
			err = api.Wrap(api.ErrCodeInternal, errors.Errorf("%v", r), "agent panic")
		}
	}()

	reply, err = call(c.agent)
	if err != nil {
		var e *api.Error
		if !errors.As(err, &e) {
			err = api.Wrap(api.ErrCodeInternal, err, "agent failed")
		}
	}
	return reply, err
}

// notifyAgent calls agent.Shutdown at most once.
func (c *Connection) notifyAgent() {
	c.agentMu.Lock()
	defer c.agentMu.Unlock()
	if c.agent == nil || c.agentDone {
		return
	}
	c.agentDone = true
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("agent shutdown panic", "panic", r)
		}
	}()
	c.agent.Shutdown()
}

func (c *Connection) enqueue(msg api.Message) error {
	if err := c.push.Enqueue(c.ctx, msg); err != nil {
		return api.ConnectionClosed(err, "async queue")
	}
	c.metrics.Add(control.MetricAsyncEnqueued, 1)
	return nil
}

// handleAsync is the push manager target: one deferred request, one reply.
func (c *Connection) handleAsync(msg api.Message) error {
	if c.State() != stateOpen {
		return api.ConnectionClosed(nil, "connection is closed")
	}
	reply, err := c.callAgent(func(a api.Agent) (string, error) {
		return a.HandleRequest(msg)
	})
	if err != nil {
		return err
	}
	if err := c.writeText(reply); err != nil {
		return err
	}
	c.metrics.Add(control.MetricAsyncDelivered, 1)
	return nil
}

// asyncFailed stops reading from the socket. The listener observes the end
// of input on the next readiness step and tears the connection down.
func (c *Connection) asyncFailed(err error) {
	if c.State() == stateOpen {
		logFailure(c.log, err, "async request failed")
	}
	if cr, ok := c.conn.(interface{ CloseRead() error }); ok && cr.CloseRead() == nil {
		return
	}
	c.conn.SetReadDeadline(time.Now())
}

func (c *Connection) writeText(s string) error {
	return c.writeFrame(protocol.OpcodeText, []byte(s))
}

// writeFrame sends one unfragmented frame under the write lock.
func (c *Connection) writeFrame(op protocol.Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := protocol.WriteFrame(c.conn, payload, op, true, nil); err != nil {
		return api.ConnectionClosed(err, "write frame")
	}
	c.metrics.Add(control.MetricFramesOut, 1)
	c.metrics.Add(control.MetricBytesOut, int64(len(payload)))
	return nil
}

// fail marks the connection closed and tells the peer why, best effort.
func (c *Connection) fail(err error) error {
	prev := connState(c.state.Swap(int32(stateClosed)))
	if prev == stateClosed {
		return err
	}
	c.cancel()
	c.conn.SetWriteDeadline(time.Now().Add(closeGrace))

	switch code := api.CodeOf(err); {
	case prev == stateHandshaking:
		if code == api.ErrCodeHandshake {
			c.writeMu.Lock()
			_ = protocol.WriteHandshakeReject(c.conn, err)
			c.writeMu.Unlock()
		}
	case code == api.ErrCodeProtocol:
		_ = c.writeFrame(protocol.OpcodeClose, protocol.ClosePayload(protocol.CloseProtocolError, ""))
	case code == api.ErrCodeInternal:
		_ = c.writeFrame(protocol.OpcodeClose, protocol.ClosePayload(protocol.CloseInternalServerErr, ""))
	}
	return err
}

// rearm re-enables readiness notification unless the connection is closed.
// Holding lifeMu keeps the descriptor from being closed and reused meanwhile.
func (c *Connection) rearm(r reactor.EventReactor) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.State() == stateClosed {
		return api.ConnectionClosed(nil, "connection is closed")
	}
	return r.Rearm(c.fd)
}

// Shutdown stops the push manager, notifies the agent once and closes the
// socket once. Safe to call more than once.
func (c *Connection) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.lifeMu.Lock()
		c.state.Store(int32(stateClosed))
		c.cancel()
		err := c.conn.Close()
		c.lifeMu.Unlock()

		c.push.Shutdown()
		c.notifyAgent()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debug("socket close failed", "error", err)
		}
	})
}

// release returns the payload buffer to the pool. The caller guarantees
// that no worker runs for c anymore.
func (c *Connection) release() {
	c.releaseOnce.Do(func() {
		c.bufs.PutBuffer(c.buf)
		c.buf = nil
	})
}

func (c *Connection) info() ConnInfo {
	ci := ConnInfo{
		ID:     c.id,
		Fd:     c.fd,
		Remote: c.conn.RemoteAddr().String(),
		State:  c.State().String(),
		Queued: c.push.Len(),
	}
	if res := c.handshake.Load(); res != nil {
		ci.Protocol = res.hs.Protocol()
	}
	return ci
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the client address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Protocol returns the negotiated handshake variant, empty before the upgrade.
func (c *Connection) Protocol() string {
	if res := c.handshake.Load(); res != nil {
		return res.hs.Protocol()
	}
	return ""
}

// Header returns a header of the upgrade request.
func (c *Connection) Header(name string) string {
	if res := c.handshake.Load(); res != nil {
		return res.req.Header(name)
	}
	return ""
}

// Push schedules msg on the async queue without blocking. Agent callbacks
// hold the agent lock that the queue's goroutine needs, so a full queue
// yields api.ErrPushQueueFull instead of waiting for room.
func (c *Connection) Push(msg api.Message) error {
	if c.State() == stateClosed {
		return api.ErrPushQueueClosed
	}
	if err := c.push.TryEnqueue(msg); err != nil {
		return err
	}
	c.metrics.Add(control.MetricAsyncEnqueued, 1)
	return nil
}

// Send writes payload as one text frame.
func (c *Connection) Send(payload []byte) error {
	if c.State() == stateClosed {
		return api.ConnectionClosed(nil, "connection is closed")
	}
	return c.writeFrame(protocol.OpcodeText, payload)
}

// peerGone reports read errors after which the socket cannot carry a close
// frame. Whether the close was orderly is decided by api.IsGraceful.
func peerGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// logFailure logs err at a level matching its class.
func logFailure(log *slog.Logger, err error, msg string) {
	if api.IsGraceful(err) {
		log.Debug(msg, "error", err)
		return
	}
	log.Warn(msg, "error", err, "code", api.CodeOf(err).String())
}
