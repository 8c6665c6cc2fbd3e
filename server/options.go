// File: server/options.go
// Package server defines functional options for the Listener.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"log/slog"

	"github.com/momentics/wspush/control"
	"github.com/momentics/wspush/protocol"
	"golang.org/x/time/rate"
)

// Option customizes listener initialization.
type Option func(*Listener)

// WithLogger routes listener and connection logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(ln *Listener) {
		ln.cfg.Logger = l
	}
}

// WithMetrics shares an existing registry instead of a private one.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(ln *Listener) {
		ln.metrics = m
	}
}

// WithRateLimit throttles inbound messages of every connection.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(ln *Listener) {
		ln.cfg.RateLimit = limit
		ln.cfg.RateBurst = burst
	}
}

// WithPongPolicy overrides how incoming pongs are answered.
func WithPongPolicy(p protocol.PongPolicy) Option {
	return func(ln *Listener) {
		ln.cfg.PongPolicy = p
	}
}
