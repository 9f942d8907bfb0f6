package engine

import (
	"fmt"

	"github.com/datallboy/multifetch/internal/domain"
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/multi"
	"github.com/datallboy/multifetch/internal/reactor"
)

// ReadyFunc receives readiness for a live watch.
type ReadyFunc func(w *SocketWatch, events reactor.Events)

// SocketWatch pairs a descriptor the engine is interested in with the reactor
// poll that watches it. It is only finalized from the poll's close callback.
type SocketWatch struct {
	fd        int
	poll      *reactor.Poll
	direction multi.Action
	closing   bool
	closed    bool
}

func (w *SocketWatch) Fd() int { return w.fd }

// Direction returns the last requested direction, ActionIn or ActionOut.
func (w *SocketWatch) Direction() multi.Action { return w.direction }

// Closing reports whether the engine has withdrawn interest in the descriptor.
func (w *SocketWatch) Closing() bool { return w.closing }

// Closed reports whether the reactor has released the poll.
func (w *SocketWatch) Closed() bool { return w.closed }

// WatchRegistry maps each descriptor the engine wants watched to its
// SocketWatch. It is only mutated by OnInterestChanged.
type WatchRegistry struct {
	loop    *reactor.Loop
	log     *logger.Logger
	watches map[int]*SocketWatch
	onReady ReadyFunc

	// closing counts watches removed from the map whose close callback
	// has not run yet
	closing int
}

func NewWatchRegistry(loop *reactor.Loop, log *logger.Logger) *WatchRegistry {
	return &WatchRegistry{
		loop:    loop,
		log:     log,
		watches: make(map[int]*SocketWatch),
	}
}

// SetReadyFunc installs the callback that receives readiness for every watch.
func (r *WatchRegistry) SetReadyFunc(fn ReadyFunc) { r.onReady = fn }

// OnInterestChanged is installed as the engine's socket callback.
func (r *WatchRegistry) OnInterestChanged(fd int, action multi.Action) error {
	var events reactor.Events
	switch action {
	case multi.ActionIn:
		events = reactor.Readable
	case multi.ActionOut:
		events = reactor.Writable
	case multi.ActionRemove:
		r.remove(fd)
		return nil
	default:
		panic(domain.Violation("watch registry", "unknown socket action %d for fd %d", int(action), fd))
	}

	w, existing := r.watches[fd]
	if !existing {
		p, err := r.loop.NewPoll(fd)
		if err != nil {
			return fmt.Errorf("watch fd %d: %w", fd, err)
		}
		w = &SocketWatch{fd: fd, poll: p}
		r.watches[fd] = w
	}

	err := w.poll.Start(events, func(_ *reactor.Poll, ev reactor.Events) {
		if r.onReady != nil {
			r.onReady(w, ev)
		}
	})
	if err != nil {
		if !existing {
			r.remove(fd)
		}
		return fmt.Errorf("watch fd %d for %s: %w", fd, action, err)
	}

	if existing && w.direction != action {
		r.log.Debug("Watch fd %d: %s -> %s", fd, w.direction, action)
	}
	w.direction = action
	return nil
}

// remove drops the association before closing the poll, so a descriptor
// number reused by the OS is never matched to the old watch.
func (r *WatchRegistry) remove(fd int) {
	w, ok := r.watches[fd]
	if !ok {
		return
	}
	delete(r.watches, fd)

	w.closing = true
	r.closing++
	w.poll.Close(func() {
		w.closed = true
		w.poll = nil
		r.closing--
	})
}

// Lookup returns the live watch for fd.
func (r *WatchRegistry) Lookup(fd int) (*SocketWatch, bool) {
	w, ok := r.watches[fd]
	return w, ok
}

// Current reports whether w is still the registry's watch for its descriptor.
func (r *WatchRegistry) Current(w *SocketWatch) bool {
	return !w.closing && r.watches[w.fd] == w
}

// Len returns the number of live watches.
func (r *WatchRegistry) Len() int { return len(r.watches) }

// Closing returns the number of watches waiting for their close callback.
func (r *WatchRegistry) Closing() int { return r.closing }

// CloseAll withdraws every live watch. Used when a run is abandoned with
// transfers still in flight.
func (r *WatchRegistry) CloseAll() {
	for fd := range r.watches {
		r.remove(fd)
	}
}
