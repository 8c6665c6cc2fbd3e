// File: server/config.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"log/slog"
	"time"

	"github.com/momentics/wspush/api"
	"github.com/momentics/wspush/protocol"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr       string              // TCP bind address, e.g. "localhost:8100"
	ReadBufferSize   int                 // per-connection frame payload buffer
	MaxMessageSize   int                 // upper bound of a reassembled message
	AsyncQueueSize   int                 // capacity of each async push queue
	EventBatchSize   int                 // readiness events fetched per wait
	HandshakeTimeout time.Duration       // deadline for reading the upgrade request
	ReadTimeout      time.Duration       // optional per-message read deadline
	WriteTimeout     time.Duration       // optional per-frame write deadline
	BypassToken      string              // Upgrade value selecting the bypass handshake, empty disables it
	PongPolicy       protocol.PongPolicy // how incoming pongs are answered
	RateLimit        rate.Limit          // inbound messages per second, 0 = unlimited
	RateBurst        int                 // burst allowance of RateLimit
	Logger           *slog.Logger        // nil means slog.Default()
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       "localhost:8100",
		ReadBufferSize:   128 * 1024,
		MaxMessageSize:   16 << 20,
		AsyncQueueSize:   64,
		EventBatchSize:   128,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      0,
		WriteTimeout:     0,
		BypassToken:      protocol.DefaultBypassToken,
		PongPolicy:       protocol.PongIgnore,
		RateLimit:        0,
		RateBurst:        1,
	}
}

func (c *Config) validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.Wrap(api.ErrInvalidArgument, "ListenAddr is empty")
	case c.ReadBufferSize < protocol.MaxControlPayloadLen:
		return errors.Wrapf(api.ErrInvalidArgument, "ReadBufferSize %d is below %d", c.ReadBufferSize, protocol.MaxControlPayloadLen)
	case c.MaxMessageSize <= 0:
		return errors.Wrapf(api.ErrInvalidArgument, "MaxMessageSize %d", c.MaxMessageSize)
	case c.AsyncQueueSize <= 0:
		return errors.Wrapf(api.ErrInvalidArgument, "AsyncQueueSize %d", c.AsyncQueueSize)
	case c.EventBatchSize <= 0:
		return errors.Wrapf(api.ErrInvalidArgument, "EventBatchSize %d", c.EventBatchSize)
	case c.HandshakeTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return errors.Wrap(api.ErrInvalidArgument, "negative timeout")
	case c.PongPolicy != protocol.PongIgnore && c.PongPolicy != protocol.PongEcho:
		return errors.Wrapf(api.ErrInvalidArgument, "PongPolicy %d", int(c.PongPolicy))
	case c.RateLimit < 0:
		return errors.Wrapf(api.ErrInvalidArgument, "RateLimit %v", c.RateLimit)
	case c.RateLimit > 0 && c.RateBurst < 1:
		return errors.Wrapf(api.ErrInvalidArgument, "RateBurst %d with RateLimit %v", c.RateBurst, c.RateLimit)
	}
	return nil
}
