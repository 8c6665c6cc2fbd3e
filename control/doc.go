// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection for the wspush listener.
//
// Provides concurrent-safe primitives:
//   - Named int64 counters with snapshot reads
//   - Probe registration and state export
package control
