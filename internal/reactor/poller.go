package reactor

import "time"

// poller is the OS readiness backend. Registrations carry a token that is
// handed back with every event so stale events can be told apart from events
// for a later registration of the same descriptor.
type poller interface {
	add(fd int, events Events, token uint32) error
	mod(fd int, events Events, token uint32) error
	del(fd int) error
	// wait blocks for at most timeout (forever when negative) and appends
	// every ready descriptor to ready.
	wait(timeout time.Duration, ready []readyEvent) ([]readyEvent, error)
	close() error
}

// readyEvent is one descriptor reported ready by a poller.
type readyEvent struct {
	fd     int
	token  uint32
	events Events
}

// timeoutMillis rounds a wait timeout up to whole milliseconds so a timer
// due in less than a millisecond does not turn the wait into a busy loop.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}
