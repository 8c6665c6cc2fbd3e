package server

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/momentics/wspush/api"
	"github.com/momentics/wspush/control"
	"github.com/momentics/wspush/fake"
	"github.com/momentics/wspush/pool"
	"github.com/momentics/wspush/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConnection(t *testing.T, factory api.AgentFactory) (*Connection, net.Conn) {
	t.Helper()
	srv, cli := net.Pipe()
	t.Cleanup(func() { cli.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	c := newConnection(srv, -1, cfg, factory, pool.NewBytePool(cfg.ReadBufferSize), control.NewMetricsRegistry(), logger)
	c.push.Start()
	t.Cleanup(c.Shutdown)
	return c, cli
}

// handshakePipe drives the upgrade over a pipe, reading the response on the
// client side while the server writes it.
func handshakePipe(t *testing.T, c *Connection, cli net.Conn, request string) (string, error) {
	t.Helper()
	resp := make(chan string, 1)
	go func() {
		cli.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := cli.Write([]byte(request)); err != nil {
			resp <- ""
			return
		}
		br := bufio.NewReader(cli)
		line, _ := br.ReadString('\n')
		for {
			l, err := br.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		resp <- line
	}()
	err := c.HandleRequest()
	select {
	case line := <-resp:
		return line, err
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake response")
		return "", err
	}
}

func TestConnectionStates(t *testing.T) {
	var agent *fake.Recorder
	c, cli := pipeConnection(t, func(p api.Peer) api.Agent {
		agent = fake.NewRecorder(p)
		return agent
	})
	assert.Equal(t, stateHandshaking, c.State())
	assert.Empty(t, c.Protocol())

	line, err := handshakePipe(t, c, cli, "GET / HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n", line)
	assert.Equal(t, stateOpen, c.State())
	assert.Equal(t, protocol.ProtocolWebSocket, c.Protocol())
	assert.Equal(t, "h", c.Header("Host"))
	require.NotNil(t, agent)

	c.Shutdown()
	c.Shutdown()
	assert.Equal(t, stateClosed, c.State())
	assert.Equal(t, 1, agent.Shutdowns())

	err = c.HandleRequest()
	assert.Equal(t, api.ErrCodeConnectionClosed, api.CodeOf(err))
	assert.ErrorIs(t, c.Push(api.Message{"async": 1}), api.ErrPushQueueClosed)
	assert.Error(t, c.Send([]byte("x")))
}

func TestConnectionShutdownBeforeHandshake(t *testing.T) {
	calls := 0
	c, _ := pipeConnection(t, func(p api.Peer) api.Agent {
		calls++
		return fake.NewEchoAgent(p)
	})
	c.Shutdown()
	c.Shutdown()
	assert.Equal(t, 0, calls)
	assert.Equal(t, "closed", c.info().State)
}

func TestConnectionRejectsHandshake(t *testing.T) {
	c, cli := pipeConnection(t, fake.NewEchoAgent)
	line, err := handshakePipe(t, c, cli, "GET / HTTP/1.1\r\nHost: h\r\nUpgrade: h2c\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeHandshake, api.CodeOf(err))
	assert.Equal(t, "HTTP/1.1 400 Bad Request\r\n", line)
	assert.Equal(t, stateClosed, c.State())
	assert.Equal(t, int64(1), c.metrics.Get(control.MetricHandshakeFailures))
}

func TestConnectionNilAgent(t *testing.T) {
	c, cli := pipeConnection(t, func(api.Peer) api.Agent { return nil })
	_, err := handshakePipe(t, c, cli, "GET / HTTP/1.1\r\nHost: h\r\nUpgrade: peezz\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeInternal, api.CodeOf(err))
}
