// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness multiplexer behind the connection
// listener: epoll (Linux) and poll(2) (Darwin, BSD) implementations with a
// cross-goroutine wake-up and one-shot read interest.
package reactor
