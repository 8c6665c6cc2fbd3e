// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP upgrade handshake: request-head parsing, strategy selection by the
// Upgrade header, Sec-WebSocket-Accept derivation and response writing.

package protocol

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/momentics/wspush/api"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	RequiredWebSocketVersion = "13"

	// DefaultBypassToken is the Upgrade value of the lightweight client.
	DefaultBypassToken = "peezz"
	// BypassAcceptValue is the fixed Sec-WebSocket-Accept of the bypass variant.
	BypassAcceptValue  = "accept"

	ProtocolWebSocket = "websocket"
)

// Request is the parsed head of an upgrade request.
type Request struct {
	Method  string
	URI     string
	Headers map[string]string // lower-cased names
}

// Header returns the value of name, case-insensitive and trimmed.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// ReadRequest parses an HTTP request head from br. Bytes after the blank
// line stay buffered in br. br must be able to buffer
// MaxHandshakeHeadersSize bytes.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	var h fasthttp.RequestHeader
	if err := h.Read(br); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, api.ConnectionClosed(err, "no data received")
		}
		return nil, api.Wrap(api.ErrCodeHandshake, err, "read upgrade request")
	}

	req := &Request{
		Method:  string(h.Method()),
		URI:     string(h.RequestURI()),
		Headers: make(map[string]string),
	}
	total := 0
	h.VisitAll(func(key, value []byte) {
		total += len(key) + len(value)
		name := strings.ToLower(string(key))
		if _, dup := req.Headers[name]; !dup {
			req.Headers[name] = strings.TrimSpace(string(value))
		}
	})
	if total > MaxHandshakeHeadersSize {
		return nil, api.HandshakeError("handshake headers too large").WithContext("size", total)
	}
	return req, nil
}

// Handshake is one upgrade variant selected by the Upgrade header.
type Handshake interface {
	// Protocol names the variant.
	Protocol() string
	// Accept validates req and returns the Sec-WebSocket-Accept value.
	Accept(req *Request) (string, error)
	// RequireMaskedFrames reports whether client frames must carry a mask.
	RequireMaskedFrames() bool
}

// StandardHandshake derives the accept value from Sec-WebSocket-Key.
type StandardHandshake struct{}

func (StandardHandshake) Protocol() string          { return ProtocolWebSocket }
func (StandardHandshake) RequireMaskedFrames() bool { return true }

func (StandardHandshake) Accept(req *Request) (string, error) {
	key := req.Header("Sec-WebSocket-Key")
	if key == "" {
		return "", api.HandshakeError("missing Sec-WebSocket-Key header")
	}
	if v := req.Header("Sec-WebSocket-Version"); v != "" && v != RequiredWebSocketVersion {
		return "", api.HandshakeError("unsupported WebSocket version; only '13' is supported").
			WithContext("version", v)
	}
	return ComputeAcceptKey(key), nil
}

// BypassHandshake skips key derivation for the proprietary client variant.
type BypassHandshake struct {
	Token string
}

func (b BypassHandshake) Protocol() string              { return b.Token }
func (BypassHandshake) RequireMaskedFrames() bool       { return false }
func (BypassHandshake) Accept(*Request) (string, error) { return BypassAcceptValue, nil }

// SelectHandshake picks the variant named by req's Upgrade header.
// An empty bypassToken disables the bypass variant.
func SelectHandshake(req *Request, bypassToken string) (Handshake, error) {
	upgrade := req.Header("Upgrade")
	switch {
	case upgrade == "":
		return nil, api.HandshakeError("missing Upgrade header")
	case bypassToken != "" && upgrade == bypassToken:
		return BypassHandshake{Token: bypassToken}, nil
	case containsToken(upgrade, ProtocolWebSocket):
		return StandardHandshake{}, nil
	default:
		return nil, api.HandshakeError("unsupported upgrade %q", upgrade)
	}
}

// Negotiate runs the server side of the handshake: it reads the request from
// br, selects the variant and writes the 101 response to w.
func Negotiate(br *bufio.Reader, w io.Writer, bypassToken string) (Handshake, *Request, error) {
	req, err := ReadRequest(br)
	if err != nil {
		return nil, nil, err
	}
	if req.Method != "GET" {
		return nil, req, api.HandshakeError("upgrade requires GET, got %s", req.Method)
	}
	hs, err := SelectHandshake(req, bypassToken)
	if err != nil {
		return nil, req, err
	}
	accept, err := hs.Accept(req)
	if err != nil {
		return nil, req, err
	}
	if err := WriteHandshakeResponse(w, accept); err != nil {
		return nil, req, errors.Wrap(err, "write handshake response")
	}
	return hs, req, nil
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
// This implements the algorithm specified in RFC6455 Section 1.3.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(strings.TrimSpace(clientKey) + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// WriteHandshakeResponse writes the 101 status and upgrade headers.
func WriteHandshakeResponse(w io.Writer, accept string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: websocket\r\n"+
		"Sec-WebSocket-Accept: %s\r\n\r\n", accept)
	return err
}

// WriteHandshakeReject answers a failed upgrade with 400 Bad Request.
func WriteHandshakeReject(w io.Writer, reason error) error {
	body := "bad request"
	if reason != nil {
		body = reason.Error()
	}
	_, err := fmt.Fprintf(w, "HTTP/1.1 400 Bad Request\r\n"+
		"Connection: close\r\n"+
		"Sec-WebSocket-Version: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n\r\n%s", RequiredWebSocketVersion, len(body), body)
	return err
}

// containsToken checks if a comma-separated header value holds token, case-insensitive.
func containsToken(headerValue, token string) bool {
	for _, p := range strings.Split(headerValue, ",") {
		if strings.EqualFold(strings.TrimSpace(p), token) {
			return true
		}
	}
	return false
}
