package multi

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/eapache/queue"
)

const (
	defaultResolveTimeout = 10 * time.Second
	defaultBufferSize     = 32 * 1024

	// maxReadsPerAction bounds the reads made for one readiness report so a
	// fast peer cannot starve the other sockets. Watches are level-triggered,
	// so unread data is reported again.
	maxReadsPerAction = 64
)

// Action is the kind of interest the engine announces for a socket.
type Action int

const (
	// ActionIn asks the owner to report read readiness.
	ActionIn Action = iota + 1
	// ActionOut asks the owner to report write readiness.
	ActionOut
	// ActionRemove tells the owner the engine no longer needs the socket.
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionIn:
		return "in"
	case ActionOut:
		return "out"
	case ActionRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Select is the set of readiness conditions passed to SocketAction.
type Select int

const (
	SelectIn Select = 1 << iota
	SelectOut
	SelectErr
)

// SocketFunc receives interest changes. It must only record the change:
// calling back into a drive method returns ErrReentrantDrive.
type SocketFunc func(fd int, action Action) error

// TimerFunc receives the delay after which Timeout should be called. A
// negative value means no timeout is needed anymore.
type TimerFunc func(timeoutMs int64)

// MessageKind identifies an entry of the finished queue.
type MessageKind int

// MessageDone reports a finished transfer.
const MessageDone MessageKind = 1

// Message is an entry of the finished queue.
type Message struct {
	Kind     MessageKind
	Transfer *Transfer
	Err      error
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options configure an engine. Zero values disable the matching limit.
type Options struct {
	ConnectTimeout  time.Duration
	TransferTimeout time.Duration
	UserAgent       string
	Resolver        Resolver
	BufferSize      int
}

// Multi drives any number of transfers without blocking. It is not safe for
// concurrent use; every method must be called from the owner's loop.
type Multi struct {
	opts     Options
	socketFn SocketFunc
	timerFn  TimerFunc

	transfers map[*Transfer]struct{}
	pending   []*Transfer
	sockets   map[int]*Transfer
	finished  *queue.Queue
	running   int

	timerSet bool
	driving  bool
	closed   bool

	buf []byte
	now func() time.Time
}

// New returns an empty engine.
func New(opts Options) *Multi {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Multi{
		opts:      opts,
		transfers: make(map[*Transfer]struct{}),
		sockets:   make(map[int]*Transfer),
		finished:  queue.New(),
		buf:       make([]byte, opts.BufferSize),
		now:       time.Now,
	}
}

// SetSocketFunc installs the interest callback.
func (m *Multi) SetSocketFunc(fn SocketFunc) { m.socketFn = fn }

// SetTimerFunc installs the timeout callback.
func (m *Multi) SetTimerFunc(fn TimerFunc) { m.timerFn = fn }

// Running returns the number of transfers that have not finished.
func (m *Multi) Running() int { return m.running }

// Add queues a transfer. It starts on the next drive call, which the engine
// requests through the timer callback with a zero delay.
func (m *Multi) Add(t *Transfer) error {
	if m.closed {
		return ErrEngineClosed
	}
	if t.multi != nil || t.released {
		return ErrAlreadyAdded
	}
	t.multi = m
	t.state = statePending
	t.startedAt = m.now()
	if m.opts.TransferTimeout > 0 {
		t.deadline = t.startedAt.Add(m.opts.TransferTimeout)
	}
	m.transfers[t] = struct{}{}
	m.pending = append(m.pending, t)
	m.running++
	m.updateTimer()
	return nil
}

// SocketAction drives the transfer owning fd with the given readiness. It
// also expires overdue transfers. It returns the number still running.
func (m *Multi) SocketAction(fd int, sel Select) (int, error) {
	if err := m.enter(); err != nil {
		return m.running, err
	}
	t := m.sockets[fd]
	if t != nil {
		m.perform(t, sel)
	}
	m.expire(m.now())
	m.leave()

	if t == nil {
		return m.running, ErrUnknownSocket
	}
	return m.running, nil
}

// Timeout starts queued transfers and expires overdue ones. It returns the
// number still running.
func (m *Multi) Timeout() (int, error) {
	if err := m.enter(); err != nil {
		return m.running, err
	}
	pending := m.pending
	m.pending = nil
	for _, t := range pending {
		m.start(t)
	}
	m.expire(m.now())
	m.leave()
	return m.running, nil
}

// InfoRead pops the next finished-queue entry.
func (m *Multi) InfoRead() (Message, bool) {
	if m.finished.Length() == 0 {
		return Message{}, false
	}
	return m.finished.Remove().(Message), true
}

// Remove detaches a transfer from the engine, aborting it if it is still
// running. A removed transfer cannot be added again.
func (m *Multi) Remove(t *Transfer) error {
	if _, ok := m.transfers[t]; !ok || t.multi != m {
		return ErrNotAdded
	}
	delete(m.transfers, t)
	if t.state == stateDone {
		return nil
	}

	m.closeSocket(t)
	if t.state == statePending {
		for i, p := range m.pending {
			if p == t {
				m.pending = append(m.pending[:i], m.pending[i+1:]...)
				break
			}
		}
	}
	t.state = stateDone
	t.finishedAt = m.now()
	m.running--
	if !m.driving {
		m.updateTimer()
	}
	return nil
}

// Close aborts every transfer still owned by the engine and drops unread
// finished-queue entries. Sockets are closed without interest callbacks.
func (m *Multi) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for t := range m.transfers {
		if t.cancelResolve != nil {
			t.cancelResolve()
			t.cancelResolve = nil
		}
		if t.fd >= 0 {
			delete(m.sockets, t.fd)
			closeFd(t.fd)
			t.fd = -1
		}
		t.state = stateDone
	}
	clear(m.transfers)
	m.pending = nil
	m.running = 0
	for m.finished.Length() > 0 {
		m.finished.Remove()
	}
	return nil
}

func (m *Multi) enter() error {
	if m.closed {
		return ErrEngineClosed
	}
	if m.driving {
		return ErrReentrantDrive
	}
	m.driving = true
	return nil
}

func (m *Multi) leave() {
	m.driving = false
	m.updateTimer()
}

// updateTimer reports the delay until the earliest deadline after every
// drive call, since the owner's timer may have been stopped in the meantime.
// Once no deadline remains, -1 is reported a single time.
func (m *Multi) updateTimer() {
	if m.timerFn == nil {
		return
	}
	next, ok := m.nextDeadline()
	if !ok {
		if m.timerSet {
			m.timerSet = false
			m.timerFn(-1)
		}
		return
	}
	m.timerSet = true

	d := next.Sub(m.now())
	if d < 0 {
		d = 0
	}
	ms := int64((d + time.Millisecond - 1) / time.Millisecond)
	m.timerFn(ms)
}

func (m *Multi) nextDeadline() (time.Time, bool) {
	if len(m.pending) > 0 {
		return m.now(), true
	}
	var next time.Time
	for t := range m.transfers {
		if t.state == stateDone {
			continue
		}
		for _, d := range [...]time.Time{t.connectPhaseDeadline(), t.deadline} {
			if !d.IsZero() && (next.IsZero() || d.Before(next)) {
				next = d
			}
		}
	}
	return next, !next.IsZero()
}

func (m *Multi) expire(now time.Time) {
	for t := range m.transfers {
		switch {
		case t.state == stateDone || t.state == statePending:
		case (t.state == stateResolving || t.state == stateConnecting) && !t.connectDeadline.IsZero() && !now.Before(t.connectDeadline):
			m.finish(t, timeoutError(ErrConnectTimeout, t))
		case !t.deadline.IsZero() && !now.Before(t.deadline):
			m.finish(t, timeoutError(ErrTimeout, t))
		}
	}
}

// watch announces interest in one direction for the transfer's socket. It
// reports false if the owner refused and the transfer was failed.
func (m *Multi) watch(t *Transfer, action Action) bool {
	if t.watching == action {
		return true
	}
	t.watching = action
	if m.socketFn == nil {
		return true
	}
	if err := m.socketFn(t.fd, action); err != nil {
		t.watching = 0
		m.finish(t, fmt.Errorf("watch socket: %w", err))
		return false
	}
	return true
}

// closeSocket withdraws interest before closing so the owner has dropped its
// watch by the time the descriptor number can be reused.
func (m *Multi) closeSocket(t *Transfer) {
	if t.cancelResolve != nil {
		t.cancelResolve()
		t.cancelResolve = nil
	}
	if t.fd < 0 {
		return
	}
	fd := t.fd
	if t.watching != 0 {
		t.watching = 0
		if m.socketFn != nil {
			_ = m.socketFn(fd, ActionRemove)
		}
	}
	delete(m.sockets, fd)
	closeFd(fd)
	t.fd = -1
}

func (m *Multi) finish(t *Transfer, err error) {
	if t.state == stateDone {
		return
	}
	m.closeSocket(t)
	t.state = stateDone
	t.err = err
	t.finishedAt = m.now()
	m.running--
	m.finished.Add(Message{Kind: MessageDone, Transfer: t, Err: err})
}
