package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/multifetch/internal/app"
	"github.com/datallboy/multifetch/internal/domain"
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/multi"
	"github.com/datallboy/multifetch/internal/reactor"
)

// maxExitCode keeps the failure count inside the range shells treat as a
// normal exit status.
const maxExitCode = 125

var ErrAlreadyRun = errors.New("coordinator has already run")

// Multi is the transfer engine as seen by the coordinator.
type Multi interface {
	SetSocketFunc(fn multi.SocketFunc)
	SetTimerFunc(fn multi.TimerFunc)
	Add(t *multi.Transfer) error
	SocketAction(fd int, sel multi.Select) (int, error)
	Timeout() (int, error)
	InfoRead() (multi.Message, bool)
	Remove(t *multi.Transfer) error
	Close() error
}

// Hooks observe a run. Every method is called from the loop goroutine.
type Hooks interface {
	OnAdded(seq int, url, dest string)
	OnDone(r domain.Report)
}

type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Result summarizes a finished run.
type Result struct {
	RunID     string
	Submitted int
	Failed    int
	Reports   []domain.Report
}

// ExitCode is the number of submissions that failed, capped at 125.
// Transfer failures do not count.
func (r Result) ExitCode() int {
	return min(r.Failed, maxExitCode)
}

// Coordinator runs one batch of downloads on a reactor loop.
type Coordinator struct {
	app    *app.Context
	engine Multi
	loop   *reactor.Loop
	log    *logger.Logger
	hooks  Hooks

	state      State
	inflight   *inflight
	registry   *WatchRegistry
	timeouts   *TimeoutDriver
	dispatcher *ReadinessDispatcher
	drain      *CompletionDrain
	submitter  *DownloadSubmitter

	run        *domain.Run
	historyCtx context.Context
	result     Result
}

type Option func(*Coordinator)

// WithHooks registers observers for added and finished downloads.
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

// New wires the components and binds the engine's callbacks. The caller
// keeps ownership of loop; the coordinator closes engine when Run returns.
func New(a *app.Context, engine Multi, loop *reactor.Loop, opts ...Option) *Coordinator {
	c := &Coordinator{
		app:      a,
		engine:   engine,
		loop:     loop,
		log:      a.Logger,
		inflight: newInflight(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.registry = NewWatchRegistry(loop, c.log)
	c.drain = NewCompletionDrain(engine, c.inflight, c.log, c.report)
	c.timeouts = NewTimeoutDriver(loop, engine, c.drain, c.log)
	c.dispatcher = NewReadinessDispatcher(c.registry, c.timeouts, engine, c.drain, c.log)
	c.submitter = NewDownloadSubmitter(engine, a.Sinks, a.Config.Download.NameFormat, c.inflight, c.log)
	if c.hooks != nil {
		c.submitter.onAdded = c.hooks.OnAdded
	}

	engine.SetSocketFunc(c.registry.OnInterestChanged)
	engine.SetTimerFunc(c.timeouts.OnTimeoutRequested)
	return c
}

// State returns the current state.
func (c *Coordinator) State() State { return c.state }

// Registry exposes the watch registry for inspection.
func (c *Coordinator) Registry() *WatchRegistry { return c.registry }

// Run submits urls and runs the loop until nothing is left to do or ctx is
// done. The last argument is submitted first; each URL is numbered by its
// position in urls, starting at 1. A broken engine contract is returned as a
// *domain.ProtocolViolation.
func (c *Coordinator) Run(ctx context.Context, urls []string) (res Result, err error) {
	if c.state != StateUninitialized {
		return Result{}, ErrAlreadyRun
	}
	c.state = StateRunning

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		pv, ok := r.(*domain.ProtocolViolation)
		if !ok {
			panic(r)
		}
		c.log.Error("Aborting run: %v", pv)
		c.abandon()
		c.finish()
		res, err = c.result, pv
	}()

	c.beginHistory(ctx)

	for seq := len(urls); seq >= 1; seq-- {
		rawURL := urls[seq-1]
		if err := c.submitter.Submit(ctx, rawURL, seq); err != nil {
			c.result.Failed++
			var soe *domain.SinkOpenError
			if errors.As(err, &soe) {
				c.log.Error("Error opening %s: %v", soe.Dest, soe.Err)
			} else {
				c.log.Error("Could not add %s: %v", logger.RedactURL(rawURL), err)
			}
			continue
		}
		c.result.Submitted++
	}

	loopErr := c.loop.Run(ctx)

	c.state = StateDraining
	c.drain.Drain()

	if loopErr != nil {
		c.log.Warn("Run interrupted with %d downloads in flight: %v", c.inflight.len(), loopErr)
		c.abandon()
	} else if c.registry.Len() != 0 || c.inflight.len() != 0 {
		pv := domain.Violation("coordinator", "loop idle with %d watches and %d transfers outstanding",
			c.registry.Len(), c.inflight.len())
		c.abandon()
		c.finish()
		return c.result, pv
	}

	c.finish()
	return c.result, loopErr
}

// abandon drops watches and closes the sinks of transfers that will never be
// reported.
func (c *Coordinator) abandon() {
	c.timeouts.Stop()
	c.registry.CloseAll()
	for t, dl := range c.inflight.byTransfer {
		if err := dl.sink.Close(); err != nil {
			c.log.Warn("Closing %s: %v", dl.sink.Dest(), err)
		}
		t.Release()
		delete(c.inflight.byTransfer, t)
	}
}

func (c *Coordinator) finish() {
	if err := c.engine.Close(); err != nil {
		c.log.Warn("Closing transfer engine: %v", err)
	}
	c.state = StateTerminated
	c.finishHistory()
}

// report is the drain's sink for finished downloads.
func (c *Coordinator) report(r domain.Report) {
	c.result.Reports = append(c.result.Reports, r)

	if r.OK() {
		c.log.Info("Finished %s -> %s (%d bytes, HTTP %d, %s)",
			logger.RedactURL(r.EffectiveURL), r.Dest, r.Bytes, r.StatusCode, r.Duration.Round(time.Millisecond))
	} else {
		c.log.Warn("Download %s -> %s failed: %s", logger.RedactURL(r.URL), r.Dest, r.Err)
	}

	if c.app.Out != nil {
		fmt.Fprintf(c.app.Out, "%s DONE\n", r.EffectiveURL)
	}

	if c.run != nil {
		if err := c.app.History.SaveReport(c.historyCtx, c.run.ID, r); err != nil {
			c.log.Warn("Could not save history for %s: %v", r.TransferID, err)
		}
	}

	if c.hooks != nil {
		c.hooks.OnDone(r)
	}
}

func (c *Coordinator) beginHistory(ctx context.Context) {
	if c.app.History == nil {
		return
	}
	// history writes must survive cancellation of the run itself
	c.historyCtx = context.WithoutCancel(ctx)
	run, err := c.app.History.BeginRun(c.historyCtx, time.Now())
	if err != nil {
		c.log.Warn("History disabled for this run: %v", err)
		return
	}
	c.run = run
	c.result.RunID = run.ID
}

func (c *Coordinator) finishHistory() {
	if c.run == nil {
		return
	}
	c.run.FinishedAt = time.Now()
	c.run.Submitted = c.result.Submitted
	c.run.Failed = c.result.Failed
	if err := c.app.History.FinishRun(c.historyCtx, c.run); err != nil {
		c.log.Warn("Could not finish history for run %s: %v", c.run.ID, err)
	}
	c.run = nil
}
