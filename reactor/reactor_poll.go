//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// File: reactor/reactor_poll.go
// Author: momentics <momentics@gmail.com>
//
// poll(2)-based reactor for platforms without epoll. The interest set is
// rebuilt on every Wait; a self-pipe carries wake-ups and one-shot
// descriptors are disarmed after each delivered event.

package reactor

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

type pollEntry struct {
	interest Interest
	armed    bool
}

type pollReactor struct {
	mu     sync.Mutex
	fds    map[int]*pollEntry
	wakeR  int
	wakeW  int
	closed bool
	pfds   []unix.PollFd
}

// NewReactor constructs a poll(2) reactor.
func NewReactor() (EventReactor, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}
	return &pollReactor{fds: make(map[int]*pollEntry), wakeR: p[0], wakeW: p[1]}, nil
}

func (r *pollReactor) Register(fd int, interest Interest) error {
	r.mu.Lock()
	if _, ok := r.fds[fd]; ok {
		r.mu.Unlock()
		return os.NewSyscallError("register", unix.EEXIST)
	}
	r.fds[fd] = &pollEntry{interest: interest, armed: true}
	r.mu.Unlock()
	return nil
}

func (r *pollReactor) Rearm(fd int) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return os.ErrClosed
	}
	e, ok := r.fds[fd]
	if !ok {
		r.mu.Unlock()
		return os.NewSyscallError("rearm", unix.ENOENT)
	}
	e.armed = true
	r.mu.Unlock()
	return r.Wake()
}

func (r *pollReactor) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fds[fd]; !ok {
		return os.NewSyscallError("unregister", unix.ENOENT)
	}
	delete(r.fds, fd)
	return nil
}

func (r *pollReactor) Wait(events []Event, timeoutMs int) (int, error) {
	r.mu.Lock()
	r.pfds = append(r.pfds[:0], unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
	for fd, e := range r.fds {
		if e.armed && e.interest&Read != 0 {
			r.pfds = append(r.pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
	}
	pfds := r.pfds
	r.mu.Unlock()

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("poll", err)
	}
	if n == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := 0
	for _, p := range pfds {
		if p.Revents == 0 {
			continue
		}
		fd := int(p.Fd)
		if fd == r.wakeR {
			r.drainWake()
			continue
		}
		e, ok := r.fds[fd]
		if !ok || !e.armed {
			continue
		}
		if out == len(events) {
			// left armed, reported by the next Wait
			continue
		}
		if e.interest&OneShot != 0 {
			e.armed = false
		}
		events[out] = Event{
			Fd:       fd,
			Readable: p.Revents&(unix.POLLIN|unix.POLLHUP) != 0,
			Hangup:   p.Revents&unix.POLLHUP != 0,
			Error:    p.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		}
		out++
	}
	return out, nil
}

func (r *pollReactor) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(r.wakeR, buf[:]); err != nil || n == 0 {
			return
		}
	}
}

func (r *pollReactor) Wake() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if _, err := unix.Write(r.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("pipe write", err)
	}
	return nil
}

func (r *pollReactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.fds = nil
	unix.Close(r.wakeW)
	return os.NewSyscallError("close", unix.Close(r.wakeR))
}
