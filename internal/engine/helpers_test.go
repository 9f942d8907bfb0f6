package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/datallboy/multifetch/internal/app"
	"github.com/datallboy/multifetch/internal/domain"
	"github.com/datallboy/multifetch/internal/infra/config"
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/multi"
	"github.com/datallboy/multifetch/internal/reactor"
	"github.com/datallboy/multifetch/internal/sink"
)

// fakeEngine is a scripted transfer engine. Scripts run inside drive calls
// and may call the installed callbacks, like a real engine would.
type fakeEngine struct {
	socketFn multi.SocketFunc
	timerFn  multi.TimerFunc

	added    []*multi.Transfer
	removed  map[*multi.Transfer]int
	finished []multi.Message
	running  int
	closed   bool
	addErr   error

	driving  bool
	nested   int
	timeouts int
	actions  []fakeAction

	// re-reported after every drive call; negative means no deadline
	nextTimeout int64

	onTimeout func(e *fakeEngine, n int)
	onSocket  func(e *fakeEngine, fd int, sel multi.Select)
}

type fakeAction struct {
	fd  int
	sel multi.Select
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		removed:     make(map[*multi.Transfer]int),
		nextTimeout: -1,
	}
}

func (e *fakeEngine) SetSocketFunc(fn multi.SocketFunc) { e.socketFn = fn }
func (e *fakeEngine) SetTimerFunc(fn multi.TimerFunc)   { e.timerFn = fn }

func (e *fakeEngine) Add(t *multi.Transfer) error {
	if e.addErr != nil {
		return e.addErr
	}
	e.added = append(e.added, t)
	e.running++
	if e.timerFn != nil {
		e.timerFn(0)
	}
	return nil
}

func (e *fakeEngine) Timeout() (int, error) {
	if e.driving {
		e.nested++
		return e.running, multi.ErrReentrantDrive
	}
	e.driving = true
	e.timeouts++
	if e.onTimeout != nil {
		e.onTimeout(e, e.timeouts)
	}
	e.driving = false
	e.reportTimer()
	return e.running, nil
}

func (e *fakeEngine) SocketAction(fd int, sel multi.Select) (int, error) {
	if e.driving {
		e.nested++
		return e.running, multi.ErrReentrantDrive
	}
	e.driving = true
	e.actions = append(e.actions, fakeAction{fd: fd, sel: sel})
	if e.onSocket != nil {
		e.onSocket(e, fd, sel)
	}
	e.driving = false
	e.reportTimer()
	return e.running, nil
}

func (e *fakeEngine) reportTimer() {
	if e.nextTimeout >= 0 && e.timerFn != nil {
		e.timerFn(e.nextTimeout)
	}
}

func (e *fakeEngine) InfoRead() (multi.Message, bool) {
	if len(e.finished) == 0 {
		return multi.Message{}, false
	}
	msg := e.finished[0]
	e.finished = e.finished[1:]
	return msg, true
}

func (e *fakeEngine) Remove(t *multi.Transfer) error {
	e.removed[t]++
	return nil
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

func (e *fakeEngine) byURL(url string) *multi.Transfer {
	for _, t := range e.added {
		if t.URL == url {
			return t
		}
	}
	return nil
}

// finish queues a done message for the transfer added for url.
func (e *fakeEngine) finish(url string, err error) {
	t := e.byURL(url)
	if t == nil {
		panic("no transfer for " + url)
	}
	e.finished = append(e.finished, multi.Message{Kind: multi.MessageDone, Transfer: t, Err: err})
	e.running--
}

type fakeSink struct {
	name     string
	buf      bytes.Buffer
	closes   int
	closeErr error
}

func (s *fakeSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *fakeSink) Dest() string                { return s.name }
func (s *fakeSink) Close() error {
	s.closes++
	return s.closeErr
}

type fakeOpener struct {
	sinks    map[string]*fakeSink
	fail     map[string]bool
	closeErr error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{sinks: make(map[string]*fakeSink), fail: make(map[string]bool)}
}

func (o *fakeOpener) Open(_ context.Context, name string) (sink.Sink, error) {
	if o.fail[name] {
		return nil, errors.New("permission denied")
	}
	s := &fakeSink{name: name, closeErr: o.closeErr}
	o.sinks[name] = s
	return s, nil
}

func (o *fakeOpener) CloseAll() error { return nil }

type recordingHooks struct {
	added []string
	done  []domain.Report
}

func (h *recordingHooks) OnAdded(seq int, url, dest string) { h.added = append(h.added, dest) }
func (h *recordingHooks) OnDone(r domain.Report)            { h.done = append(h.done, r) }

func newTestLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.New()
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func runLoop(t *testing.T, l *reactor.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("run loop: %v", err)
	}
}

// socketPair returns a connected, non-blocking pair of stream sockets.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func testLogger(w io.Writer) *logger.Logger {
	if w == nil {
		w = io.Discard
	}
	return logger.NewWriter(w, logger.LevelDebug)
}

func testApp(opener sink.Opener, log *logger.Logger) (*app.Context, *bytes.Buffer) {
	cfg := &config.Config{Download: config.DownloadConfig{NameFormat: "%d.txt"}}
	a := app.NewContext(cfg, log, opener)
	var out bytes.Buffer
	a.Out = &out
	return a, &out
}

// components wires the pieces of a coordinator by hand.
type components struct {
	loop       *reactor.Loop
	engine     *fakeEngine
	opener     *fakeOpener
	inflight   *inflight
	registry   *WatchRegistry
	timeouts   *TimeoutDriver
	dispatcher *ReadinessDispatcher
	drain      *CompletionDrain
	submitter  *DownloadSubmitter
	reports    []domain.Report
	logs       *bytes.Buffer
}

func newComponents(t *testing.T) *components {
	t.Helper()
	c := &components{
		loop:     newTestLoop(t),
		engine:   newFakeEngine(),
		opener:   newFakeOpener(),
		inflight: newInflight(),
		logs:     &bytes.Buffer{},
	}
	log := testLogger(c.logs)
	c.registry = NewWatchRegistry(c.loop, log)
	c.drain = NewCompletionDrain(c.engine, c.inflight, log, func(r domain.Report) {
		c.reports = append(c.reports, r)
	})
	c.timeouts = NewTimeoutDriver(c.loop, c.engine, c.drain, log)
	c.dispatcher = NewReadinessDispatcher(c.registry, c.timeouts, c.engine, c.drain, log)
	c.submitter = NewDownloadSubmitter(c.engine, c.opener, "%d.txt", c.inflight, log)
	c.engine.SetSocketFunc(c.registry.OnInterestChanged)
	c.engine.SetTimerFunc(c.timeouts.OnTimeoutRequested)
	return c
}

func expectViolation(t *testing.T, fn func()) *domain.ProtocolViolation {
	t.Helper()
	var pv *domain.ProtocolViolation
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			var ok bool
			if pv, ok = r.(*domain.ProtocolViolation); !ok {
				panic(r)
			}
		}()
		fn()
	}()
	if pv == nil {
		t.Fatal("expected a protocol violation panic")
	}
	return pv
}
