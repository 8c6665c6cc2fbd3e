// File: api/errors.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy shared by the codec, the connection and the listener.
// Every error ends a connection; the code only drives logging and the
// close status sent to the peer.

package api

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
)

// Common errors used across the library.
var (
	ErrListenerClosed  = errors.New("listener is closed")
	ErrPushQueueClosed = errors.New("async push queue is closed")
	ErrPushQueueFull   = errors.New("async push queue is full")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	// ErrCodeHandshake marks a missing or invalid upgrade request.
	ErrCodeHandshake
	// ErrCodeProtocol marks a malformed frame or message.
	ErrCodeProtocol
	// ErrCodeConnectionClosed marks a close frame, EOF or reset.
	ErrCodeConnectionClosed
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeHandshake:
		return "handshake"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeConnectionClosed:
		return "closed"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Cause returns the underlying error for errors.Cause.
func (e *Error) Cause() error { return e.cause }

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to cause. A nil cause yields a plain error.
func Wrap(code ErrorCode, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// HandshakeError reports a rejected upgrade request.
func HandshakeError(format string, args ...any) *Error {
	return NewError(ErrCodeHandshake, fmt.Sprintf(format, args...))
}

// ProtocolError reports a frame or message that violates the wire format.
func ProtocolError(format string, args ...any) *Error {
	return NewError(ErrCodeProtocol, fmt.Sprintf(format, args...))
}

// ConnectionClosed reports an orderly or abrupt end of the peer stream.
func ConnectionClosed(cause error, message string) *Error {
	return Wrap(ErrCodeConnectionClosed, cause, message)
}

// CodeOf returns the code of the first *Error in err's chain.
// Bare EOF is reported as ErrCodeConnectionClosed.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Cause(err) == io.EOF {
		return ErrCodeConnectionClosed
	}
	return ErrCodeInternal
}

// IsGraceful reports whether err describes a peer that went away in an
// orderly way: a close frame, end of stream, or a socket closed locally.
// Resets and deadline expiries are not graceful even though they end the
// connection.
func IsGraceful(err error) bool {
	if err == nil || CodeOf(err) != ErrCodeConnectionClosed {
		return false
	}
	root := errors.Cause(err)
	return root == nil ||
		errors.Is(root, io.EOF) ||
		errors.Is(root, io.ErrUnexpectedEOF) ||
		errors.Is(root, net.ErrClosed) ||
		errors.Is(root, ErrPushQueueClosed) ||
		errors.Is(root, context.Canceled)
}
