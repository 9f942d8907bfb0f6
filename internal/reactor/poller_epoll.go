//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 128

// epollPoller is a level-triggered epoll backend. The registration token
// travels in the event's Pad field.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEpollEvents),
	}, nil
}

func (e *epollPoller) ctl(op, fd int, events Events, token uint32) error {
	ev := unix.EpollEvent{Fd: int32(fd), Pad: int32(token)}
	if events&Readable != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if events&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(e.epfd, op, fd, &ev)
}

func (e *epollPoller) add(fd int, events Events, token uint32) error {
	if err := e.ctl(unix.EPOLL_CTL_ADD, fd, events, token); err != nil {
		return fmt.Errorf("epoll ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (e *epollPoller) mod(fd int, events Events, token uint32) error {
	if err := e.ctl(unix.EPOLL_CTL_MOD, fd, events, token); err != nil {
		return fmt.Errorf("epoll ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (e *epollPoller) del(fd int) error {
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	// the kernel drops closed descriptors from the set on its own
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
}

func (e *epollPoller) wait(timeout time.Duration, ready []readyEvent) ([]readyEvent, error) {
	n, err := unix.EpollWait(e.epfd, e.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := e.events[i]
		var events Events
		if ev.Events&unix.EPOLLIN != 0 {
			events |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			events |= Writable
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			events |= Error
		}
		ready = append(ready, readyEvent{fd: int(ev.Fd), token: uint32(ev.Pad), events: events})
	}
	return ready, nil
}

func (e *epollPoller) close() error {
	return unix.Close(e.epfd)
}
