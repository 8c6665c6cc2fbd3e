package server_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/momentics/wspush/api"
	"github.com/momentics/wspush/protocol"
	"github.com/momentics/wspush/server"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const ioTimeout = 5 * time.Second

func testConfig() *server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ReadBufferSize = 64 * 1024
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

// startListener runs a listener until the returned stop function is called.
// stop shuts the listener down and waits for Serve to return.
func startListener(t *testing.T, cfg *server.Config, factory api.AgentFactory, opts ...server.Option) (*server.Listener, func()) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	l, err := server.NewListener(cfg, factory, opts...)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- l.Serve(context.Background()) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		require.NoError(t, l.Shutdown())
		select {
		case err := <-served:
			require.NoError(t, err)
		case <-time.After(ioTimeout):
			t.Fatal("Serve did not return after Shutdown")
		}
	}
	t.Cleanup(stop)
	return l, stop
}

// rawClient speaks the wire protocol directly, frame by frame.
type rawClient struct {
	t      *testing.T
	conn   net.Conn
	br     *bufio.Reader
	buf    []byte
	masked bool
}

func standardRequest() string {
	return "GET /ws HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
}

func bypassRequest() string {
	return "GET / HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: peezz\r\n" +
		"Connection: Upgrade\r\n\r\n"
}

func dialRaw(t *testing.T, addr net.Addr) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), ioTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, br: bufio.NewReader(conn), buf: make([]byte, 1<<20), masked: true}
}

// upgrade sends a standard handshake and checks the 101 response.
func upgrade(t *testing.T, addr net.Addr) *rawClient {
	t.Helper()
	rc := dialRaw(t, addr)
	rc.write([]byte(standardRequest()))
	status, headers := rc.readResponse()
	require.Equal(t, "HTTP/1.1 101 Switching Protocols", status)
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", headers["sec-websocket-accept"])
	return rc
}

func (rc *rawClient) write(b []byte) {
	rc.t.Helper()
	rc.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err := rc.conn.Write(b)
	require.NoError(rc.t, err)
}

// readResponse reads an HTTP response head and returns the status line and
// lower-cased headers.
func (rc *rawClient) readResponse() (string, map[string]string) {
	rc.t.Helper()
	rc.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	status, err := rc.br.ReadString('\n')
	require.NoError(rc.t, err)
	headers := make(map[string]string)
	for {
		line, err := rc.br.ReadString('\n')
		require.NoError(rc.t, err)
		if line == "\r\n" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		require.True(rc.t, ok, "malformed header line %q", line)
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	return strings.TrimSpace(status), headers
}

func (rc *rawClient) frame(op protocol.Opcode, payload []byte, fin bool) []byte {
	f := &protocol.Frame{Fin: fin, Opcode: op, Masked: rc.masked, Payload: payload}
	if rc.masked {
		f.MaskKey = protocol.NewMaskKey()
	}
	return protocol.AppendFrame(nil, f)
}

func (rc *rawClient) send(op protocol.Opcode, payload []byte, fin bool) {
	rc.t.Helper()
	rc.write(rc.frame(op, payload, fin))
}

func (rc *rawClient) sendText(s string) {
	rc.t.Helper()
	rc.send(protocol.OpcodeText, []byte(s), true)
}

func (rc *rawClient) readFrame() *protocol.Frame {
	rc.t.Helper()
	f, err := rc.tryReadFrame()
	require.NoError(rc.t, err)
	return f
}

func (rc *rawClient) tryReadFrame() (*protocol.Frame, error) {
	rc.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	return protocol.ReadFrame(rc.br, rc.buf)
}

func (rc *rawClient) readText() string {
	rc.t.Helper()
	f := rc.readFrame()
	require.Equal(rc.t, protocol.OpcodeText, f.Opcode, "payload %q", f.Payload)
	require.True(rc.t, f.Fin)
	require.False(rc.t, f.Masked)
	return string(f.Payload)
}

func (rc *rawClient) roundTrip(s string) string {
	rc.t.Helper()
	rc.sendText(s)
	return rc.readText()
}

// expectClosed waits until the server closes the socket, skipping any frames
// still in flight. It returns the close code if a close frame was seen.
func (rc *rawClient) expectClosed() (uint16, bool) {
	rc.t.Helper()
	var code uint16
	seen := false
	start := time.Now()
	for {
		f, err := rc.tryReadFrame()
		if err != nil {
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || time.Since(start) >= ioTimeout {
				rc.t.Fatal("server did not close the connection")
			}
			return code, seen
		}
		if f.Opcode == protocol.OpcodeClose {
			code, seen = protocol.CloseCode(f.Payload), true
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(ioTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
