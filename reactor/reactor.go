// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral event reactor interface for IO readiness multiplexing.

package reactor

// Interest selects the notifications a descriptor is registered for.
type Interest uint8

const (
	// Read reports the descriptor readable (or hung up / in error).
	Read Interest = 1 << iota
	// OneShot disables the descriptor after one event until Rearm.
	OneShot
)

// EventReactor defines basic reactor operations across OS platforms.
// Register, Unregister and Wait belong to the loop goroutine; Rearm and
// Wake may be called from any goroutine.
type EventReactor interface {
	// Register adds fd to the interest set.
	Register(fd int, interest Interest) error

	// Rearm re-enables a one-shot descriptor after its event was handled.
	Rearm(fd int) error

	// Unregister removes fd from the interest set.
	Unregister(fd int) error

	// Wait blocks until events are available, Wake is called or timeoutMs
	// elapses (negative blocks indefinitely). Wake-ups are consumed
	// internally and never reported, so n may be zero.
	Wait(events []Event, timeoutMs int) (n int, err error)

	// Wake interrupts a blocked Wait. No-op after Close.
	Wake() error

	// Close cleans up resources (epfd, wake descriptors).
	Close() error
}

// Event contains event information returned by Wait call.
type Event struct {
	Fd       int
	Readable bool
	Hangup   bool
	Error    bool
}
