//go:build unix

package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type pollEntry struct {
	events Events
	token  uint32
}

// pollPoller is a poll(2) backend. It is the platform poller on Unix systems
// without epoll and is built on every Unix so Linux tests cover it as well.
type pollPoller struct {
	entries map[int]pollEntry
	fds     []unix.PollFd
	tokens  []uint32
}

func newPollPoller() (poller, error) {
	return &pollPoller{entries: make(map[int]pollEntry)}, nil
}

func (p *pollPoller) add(fd int, events Events, token uint32) error {
	if _, ok := p.entries[fd]; ok {
		return fmt.Errorf("poll add fd=%d: %w", fd, unix.EEXIST)
	}
	p.entries[fd] = pollEntry{events: events, token: token}
	return nil
}

func (p *pollPoller) mod(fd int, events Events, token uint32) error {
	if _, ok := p.entries[fd]; !ok {
		return fmt.Errorf("poll mod fd=%d: %w", fd, unix.ENOENT)
	}
	p.entries[fd] = pollEntry{events: events, token: token}
	return nil
}

func (p *pollPoller) del(fd int) error {
	delete(p.entries, fd)
	return nil
}

func (p *pollPoller) wait(timeout time.Duration, ready []readyEvent) ([]readyEvent, error) {
	p.fds = p.fds[:0]
	p.tokens = p.tokens[:0]
	for fd, e := range p.entries {
		pfd := unix.PollFd{Fd: int32(fd)}
		if e.events&Readable != 0 {
			pfd.Events |= unix.POLLIN
		}
		if e.events&Writable != 0 {
			pfd.Events |= unix.POLLOUT
		}
		p.fds = append(p.fds, pfd)
		p.tokens = append(p.tokens, e.token)
	}

	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return ready, nil
	}

	for i, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		var events Events
		if pfd.Revents&unix.POLLIN != 0 {
			events |= Readable
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			events |= Writable
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			events |= Error
		}
		ready = append(ready, readyEvent{fd: int(pfd.Fd), token: p.tokens[i], events: events})
	}
	return ready, nil
}

func (p *pollPoller) close() error {
	p.entries = nil
	return nil
}
