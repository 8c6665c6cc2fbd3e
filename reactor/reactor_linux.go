//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor implementation and factory. An eventfd
// registered alongside the sockets carries wake-ups from other goroutines.

package reactor

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// linuxReactor is an epoll-based event reactor.
type linuxReactor struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent

	mu     sync.Mutex // guards closed against Wake/Rearm from other goroutines
	closed bool
}

// NewReactor constructs a new platform-specific EventReactor for Linux.
func NewReactor() (EventReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return &linuxReactor{epfd: epfd, wakefd: wakefd}, nil
}

func epollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&Read != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

// Register adds file descriptor to epoll.
func (r *linuxReactor) Register(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev))
}

// Rearm re-enables a one-shot descriptor.
func (r *linuxReactor) Rearm(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	ev := unix.EpollEvent{Events: epollEvents(Read | OneShot), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev))
}

// Unregister removes fd from epoll.
func (r *linuxReactor) Unregister(fd int) error {
	// non-nil event for kernels before 2.6.9
	var ev unix.EpollEvent
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, &ev))
}

// Wait waits for epoll events and fills the result into events slice.
func (r *linuxReactor) Wait(events []Event, timeoutMs int) (int, error) {
	if len(r.raw) < len(events) {
		r.raw = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(r.epfd, r.raw[:len(events)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		raw := r.raw[i]
		fd := int(raw.Fd)
		if fd == r.wakefd {
			r.drainWake()
			continue
		}
		events[out] = Event{
			Fd:       fd,
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Hangup:   raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    raw.Events&unix.EPOLLERR != 0,
		}
		out++
	}
	return out, nil
}

func (r *linuxReactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake increments the eventfd counter, making the next Wait return.
func (r *linuxReactor) Wake() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(r.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

// Close closes the epoll instance and the wake descriptor.
func (r *linuxReactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	unix.Close(r.wakefd)
	return os.NewSyscallError("close", unix.Close(r.epfd))
}
