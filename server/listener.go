// File: server/listener.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener multiplexes the listening socket and every client socket behind
// one readiness loop. The loop goroutine accepts, owns the registry and
// performs teardown; message work runs on per-event worker goroutines.

package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/wspush/api"
	"github.com/momentics/wspush/control"
	"github.com/momentics/wspush/pool"
	"github.com/momentics/wspush/reactor"
	"github.com/pkg/errors"
)

// acceptTimeout bounds a single Accept so the loop never parks in it.
const acceptTimeout = 100 * time.Millisecond

// ErrAlreadyServing is returned by a second concurrent Serve.
var ErrAlreadyServing = errors.New("listener already serving")

type teardownRequest struct {
	conn *Connection
	err  error
}

// Listener accepts WebSocket clients and drives their connections.
type Listener struct {
	cfg     *Config
	factory api.AgentFactory
	log     *slog.Logger
	metrics *control.MetricsRegistry
	debug   *control.DebugProbes
	buffers *pool.BytePool

	ln      *net.TCPListener
	lfd     int
	reactor reactor.EventReactor
	conns   *Registry
	workers sync.WaitGroup

	mu       sync.Mutex // guards pending, serving and closed
	pending  *queue.Queue
	serving  bool
	closed   bool
	loopDone chan struct{}

	cleanupOnce sync.Once
}

// NewListener binds cfg.ListenAddr and prepares the readiness loop.
// A nil cfg means DefaultConfig(); cfg itself is not modified.
func NewListener(cfg *Config, factory api.AgentFactory, opts ...Option) (*Listener, error) {
	if factory == nil {
		return nil, errors.Wrap(api.ErrInvalidArgument, "nil agent factory")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	l := &Listener{
		cfg:      &c,
		factory:  factory,
		debug:    control.NewDebugProbes(),
		conns:    newRegistry(),
		pending:  queue.New(),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.cfg.Logger == nil {
		l.cfg.Logger = slog.Default()
	}
	if l.metrics == nil {
		l.metrics = control.NewMetricsRegistry()
	}
	if err := l.cfg.validate(); err != nil {
		return nil, err
	}
	l.log = l.cfg.Logger.With("component", "listener")
	l.buffers = pool.NewBytePool(l.cfg.ReadBufferSize)

	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", l.cfg.ListenAddr)
	}
	l.ln = ln.(*net.TCPListener)
	if l.lfd, err = rawFd(l.ln); err != nil {
		l.ln.Close()
		return nil, errors.Wrap(err, "listener descriptor")
	}
	if l.reactor, err = reactor.NewReactor(); err != nil {
		l.ln.Close()
		return nil, errors.Wrap(err, "create reactor")
	}
	if err := l.reactor.Register(l.lfd, reactor.Read); err != nil {
		l.reactor.Close()
		l.ln.Close()
		return nil, errors.Wrap(err, "register listener")
	}

	l.debug.RegisterProbe("connections", func() any { return l.conns.Snapshot() })
	l.debug.RegisterProbe("metrics", func() any { return l.metrics.GetSnapshot() })
	l.debug.RegisterProbe("buffers", func() any { return l.buffers.Outstanding() })
	control.RegisterPlatformProbes(l.debug)
	return l, nil
}

// Serve runs the readiness loop until Shutdown is called or ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return api.ErrListenerClosed
	case l.serving:
		l.mu.Unlock()
		return ErrAlreadyServing
	}
	l.serving = true
	l.mu.Unlock()
	defer close(l.loopDone)

	stop := context.AfterFunc(ctx, func() { l.Shutdown() })
	defer stop()

	l.log.Info("listening", "addr", l.Addr().String())
	err := l.loop()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cleanupOnce.Do(l.cleanup)
	if err != nil {
		l.log.Error("readiness loop failed", "error", err)
	}
	return err
}

func (l *Listener) loop() error {
	events := make([]reactor.Event, l.cfg.EventBatchSize)
	for l.running() {
		n, err := l.reactor.Wait(events, -1)
		if err != nil {
			return errors.Wrap(err, "wait for readiness")
		}
		for _, ev := range events[:n] {
			if ev.Fd == l.lfd {
				if ev.Error || (ev.Hangup && !ev.Readable) {
					return errors.New("listening socket failed")
				}
				l.accept()
				continue
			}
			l.dispatch(ev)
		}
		l.drainTeardowns()
	}
	return nil
}

func (l *Listener) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *Listener) accept() {
	l.ln.SetDeadline(time.Now().Add(acceptTimeout))
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		var ne net.Error
		if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, net.ErrClosed) {
			return
		}
		l.log.Warn("accept failed", "error", err)
		return
	}
	fd, err := rawFd(conn)
	if err != nil {
		l.log.Warn("client descriptor", "error", err)
		conn.Close()
		return
	}

	c := newConnection(conn, fd, l.cfg, l.factory, l.buffers, l.metrics, l.cfg.Logger)
	c.push.Start()
	if err := l.reactor.Register(fd, reactor.Read|reactor.OneShot); err != nil {
		l.log.Warn("register client", "error", err)
		c.Shutdown()
		c.release()
		return
	}
	l.conns.add(c)
	l.metrics.Add(control.MetricConnectionsAccepted, 1)
	l.metrics.Add(control.MetricConnectionsActive, 1)
	l.log.Debug("connection accepted", "conn", c.id, "remote", conn.RemoteAddr().String())
}

func (l *Listener) dispatch(ev reactor.Event) {
	c, ok := l.conns.get(ev.Fd)
	if !ok {
		return
	}
	if ev.Error || (ev.Hangup && !ev.Readable) {
		l.teardown(c, api.ConnectionClosed(nil, "socket hang-up"))
		return
	}
	l.workers.Add(1)
	go l.work(c)
}

func (l *Listener) work(c *Connection) {
	defer l.workers.Done()
	err := c.HandleRequest()
	if err == nil {
		err = c.rearm(l.reactor)
	}
	if err != nil {
		l.requestTeardown(c, err)
	}
}

// requestTeardown hands c back to the loop goroutine.
func (l *Listener) requestTeardown(c *Connection, err error) {
	l.mu.Lock()
	l.pending.Add(teardownRequest{conn: c, err: err})
	l.mu.Unlock()
	if werr := l.reactor.Wake(); werr != nil {
		l.log.Error("wake readiness loop", "error", werr)
	}
}

func (l *Listener) drainTeardowns() {
	for {
		l.mu.Lock()
		if l.pending.Length() == 0 {
			l.mu.Unlock()
			return
		}
		req := l.pending.Remove().(teardownRequest)
		l.mu.Unlock()
		l.teardown(req.conn, req.err)
	}
}

// teardown unregisters, shuts down and forgets c. Requests for a connection
// that is no longer registered are ignored.
func (l *Listener) teardown(c *Connection, err error) {
	if cur, ok := l.conns.get(c.fd); !ok || cur != c {
		return
	}
	if uerr := l.reactor.Unregister(c.fd); uerr != nil {
		l.log.Debug("unregister client", "conn", c.id, "error", uerr)
	}
	c.Shutdown()
	l.conns.remove(c.fd)
	// the failing worker has returned, nothing reads into the buffer
	c.release()
	l.metrics.Add(control.MetricConnectionsClosed, 1)
	l.metrics.Add(control.MetricConnectionsActive, -1)
	logFailure(c.log, err, "connection closed")
}

// cleanup closes everything the loop owns. Runs once.
func (l *Listener) cleanup() {
	l.reactor.Unregister(l.lfd)
	l.ln.Close()
	conns := l.conns.all()
	for _, c := range conns {
		l.reactor.Unregister(c.fd)
		c.Shutdown()
		l.conns.remove(c.fd)
		l.metrics.Add(control.MetricConnectionsClosed, 1)
		l.metrics.Add(control.MetricConnectionsActive, -1)
	}
	l.workers.Wait()
	for _, c := range conns {
		c.release()
	}

	l.mu.Lock()
	for l.pending.Length() > 0 {
		l.pending.Remove()
	}
	l.mu.Unlock()

	if err := l.reactor.Close(); err != nil {
		l.log.Warn("close reactor", "error", err)
	}
	l.log.Info("listener stopped")
}

// Shutdown stops the listener and closes every connection. It is safe to
// call more than once and from several goroutines, but not from an agent
// callback.
func (l *Listener) Shutdown() error {
	l.mu.Lock()
	first := !l.closed
	l.closed = true
	serving := l.serving
	l.mu.Unlock()

	if serving {
		if first {
			if err := l.reactor.Wake(); err != nil {
				return errors.Wrap(err, "wake readiness loop")
			}
		}
		<-l.loopDone
		return nil
	}
	l.cleanupOnce.Do(l.cleanup)
	return nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Metrics exposes the runtime counters.
func (l *Listener) Metrics() *control.MetricsRegistry {
	return l.metrics
}

// Debug exposes the debug probes.
func (l *Listener) Debug() *control.DebugProbes {
	return l.debug
}

// Registry exposes the registered connections.
func (l *Listener) Registry() *Registry {
	return l.conns
}

// Len returns the number of registered connections.
func (l *Listener) Len() int {
	return l.conns.Len()
}

func rawFd(sc syscall.Conn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}
