package reactor

// Events is a set of readiness conditions.
type Events uint32

const (
	// Readable means the descriptor can be read without blocking.
	Readable Events = 1 << iota
	// Writable means the descriptor can be written without blocking.
	Writable
	// Error means the poller reported an error or hang-up on the descriptor.
	Error
)

// PollFunc receives readiness for a started poll.
type PollFunc func(p *Poll, events Events)

// Poll watches one descriptor for readiness. A Poll stays bound to its
// descriptor until it is closed; closing is two-phase, and the handle is only
// finalized from the loop's close phase.
type Poll struct {
	loop   *Loop
	fd     int
	token  uint32
	events Events
	cb     PollFunc

	registered bool
	active     bool
	closing    bool
	closed     bool
	onClose    func()
}

// NewPoll creates an idle poll for fd. The descriptor must already be in
// non-blocking mode.
func (l *Loop) NewPoll(fd int) (*Poll, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	if _, ok := l.polls[fd]; ok {
		return nil, ErrFdInUse
	}
	p := &Poll{loop: l, fd: fd}
	l.polls[fd] = p
	return p, nil
}

// Fd returns the watched descriptor.
func (p *Poll) Fd() int { return p.fd }

// Start begins (or changes) watching for events and replaces the callback.
func (p *Poll) Start(events Events, cb PollFunc) error {
	l := p.loop
	if l.closed {
		return ErrLoopClosed
	}
	if p.closing {
		return ErrHandleClosing
	}
	events &= Readable | Writable

	// a new token per start makes events gathered for the previous
	// registration unmatchable
	token := l.token()
	var err error
	if p.registered {
		err = l.poller.mod(p.fd, events, token)
	} else {
		err = l.poller.add(p.fd, events, token)
	}
	if err != nil {
		return err
	}

	p.registered = true
	p.token = token
	p.events = events
	p.cb = cb
	if !p.active {
		p.active = true
		l.started++
	}
	return nil
}

// Stop stops watching without releasing the handle.
func (p *Poll) Stop() error {
	if !p.registered {
		return nil
	}
	l := p.loop
	p.registered = false
	p.token = 0
	if p.active {
		p.active = false
		l.started--
	}
	if l.closed {
		return nil
	}
	return l.poller.del(p.fd)
}

// Active reports whether the poll is started.
func (p *Poll) Active() bool { return p.active }

// Closing reports whether Close has been called.
func (p *Poll) Closing() bool { return p.closing }

// Closed reports whether the close callback has run.
func (p *Poll) Closed() bool { return p.closed }

// Close stops the poll and releases its descriptor binding. onClose runs
// from the loop's close phase, after any event already collected for this
// poll has been discarded. Closing twice is a no-op.
func (p *Poll) Close(onClose func()) {
	if p.closing {
		return
	}
	_ = p.Stop()
	p.closing = true
	p.onClose = onClose
	p.cb = nil

	l := p.loop
	if l.polls[p.fd] == p {
		delete(l.polls, p.fd)
	}
	if l.closed {
		p.finishClose()
		return
	}
	l.closing.Add(p)
}

func (p *Poll) finishClose() {
	p.closed = true
	cb := p.onClose
	p.onClose = nil
	if cb != nil {
		cb()
	}
}
