package reactor

import (
	"container/heap"
	"context"
	"time"

	"github.com/eapache/queue"
)

// ctxPollInterval bounds a single poller wait when Run was given a
// cancellable context, so cancellation is observed without a wakeup fd.
const ctxPollInterval = 250 * time.Millisecond

// Loop is a single-threaded reactor. It is not safe for concurrent use.
type Loop struct {
	poller poller

	timers   timerHeap
	timerSeq uint64

	// polls holds every live (not closing) poll keyed by descriptor.
	polls     map[int]*Poll
	started   int
	nextToken uint32

	// closing is a FIFO of *Poll whose close callbacks have not run yet.
	closing *queue.Queue

	// ready is reused by every poller wait.
	ready []readyEvent

	now     time.Time
	clock   func() time.Time
	running bool
	closed  bool
}

// New constructs a Loop backed by the platform poller.
func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return newLoop(p), nil
}

func newLoop(p poller) *Loop {
	l := &Loop{
		poller:  p,
		polls:   make(map[int]*Poll),
		closing: queue.New(),
		clock:   time.Now,
	}
	l.now = l.clock()
	return l
}

// Now returns the loop's cached time, refreshed at the start of every iteration.
func (l *Loop) Now() time.Time {
	return l.now
}

// Alive reports whether Run would keep iterating: a poll is started,
// a timer is armed or a close callback is pending.
func (l *Loop) Alive() bool {
	return l.started > 0 || l.timers.Len() > 0 || l.closing.Length() > 0
}

// Run dispatches events until the loop is no longer alive or ctx is done.
// A panic raised by a callback propagates out of Run unchanged.
func (l *Loop) Run(ctx context.Context) error {
	if l.running {
		return ErrReentrantRun
	}
	if l.closed {
		return ErrLoopClosed
	}
	l.running = true
	defer func() { l.running = false }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.now = l.clock()
		l.runTimers()

		if !l.Alive() {
			return nil
		}

		timeout := l.pollTimeout()
		if ctx.Done() != nil && (timeout < 0 || timeout > ctxPollInterval) {
			timeout = ctxPollInterval
		}

		ready, err := l.poller.wait(timeout, l.ready[:0])
		l.ready = ready
		if err != nil {
			return err
		}

		// timers armed from readiness callbacks count from the end of the wait
		l.now = l.clock()
		for _, ev := range ready {
			l.dispatch(ev.fd, ev.token, ev.events)
		}

		l.runClosing()
	}
}

// Close releases the poller. Handles still registered are dropped without
// running their callbacks.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.polls = nil
	l.started = 0
	for l.closing.Length() > 0 {
		l.closing.Remove()
	}
	return l.poller.close()
}

// pollTimeout returns how long the poller may block: zero when close
// callbacks are waiting, the time until the next timer, or negative to block
// until readiness.
func (l *Loop) pollTimeout() time.Duration {
	if l.closing.Length() > 0 {
		return 0
	}
	if l.timers.Len() == 0 {
		return -1
	}
	d := l.timers[0].when.Sub(l.clock())
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) runTimers() {
	for l.timers.Len() > 0 {
		t := l.timers[0]
		if t.when.After(l.now) {
			return
		}
		heap.Pop(&l.timers)
		t.fire()
	}
}

// dispatch delivers a readiness event to the poll registered under token.
// Events for a poll that has been stopped, closed or replaced since the
// poller collected them are dropped.
func (l *Loop) dispatch(fd int, token uint32, events Events) {
	p := l.polls[fd]
	if p == nil || p.token != token || !p.active {
		return
	}
	events &= p.events | Error
	if events == 0 {
		return
	}
	if events&Error != 0 {
		// surface errors through the directions the caller asked for so the
		// owner performs the I/O that reveals the failure
		events |= p.events
	}
	p.cb(p, events)
}

func (l *Loop) runClosing() {
	// callbacks queued while this phase runs wait for the next iteration
	for n := l.closing.Length(); n > 0; n-- {
		p := l.closing.Remove().(*Poll)
		p.finishClose()
	}
}

func (l *Loop) token() uint32 {
	l.nextToken++
	if l.nextToken == 0 {
		l.nextToken = 1
	}
	return l.nextToken
}
