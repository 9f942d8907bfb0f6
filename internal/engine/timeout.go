package engine

import (
	"time"

	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/reactor"
)

// minTimeout replaces requests of zero or less. The engine is then driven
// from the next timer phase instead of from inside its own callback.
const minTimeout = time.Millisecond

// TimeoutDriver owns the single timer shared by every transfer.
type TimeoutDriver struct {
	timer  *reactor.Timer
	engine Multi
	drain  *CompletionDrain
	log    *logger.Logger

	fired int
}

func NewTimeoutDriver(loop *reactor.Loop, engine Multi, drain *CompletionDrain, log *logger.Logger) *TimeoutDriver {
	return &TimeoutDriver{
		timer:  loop.NewTimer(),
		engine: engine,
		drain:  drain,
		log:    log,
	}
}

// OnTimeoutRequested is installed as the engine's timer callback. It re-arms
// the timer, replacing any deadline that is still pending.
func (d *TimeoutDriver) OnTimeoutRequested(timeoutMs int64) {
	delay := time.Duration(timeoutMs) * time.Millisecond
	if delay <= 0 {
		delay = minTimeout
	}
	if err := d.timer.Start(delay, d.OnTimerFired); err != nil {
		d.log.Error("Could not arm transfer timeout: %v", err)
	}
}

// OnTimerFired drives the engine for expired timeouts. The timer is one-shot,
// so it is already disarmed here.
func (d *TimeoutDriver) OnTimerFired() {
	d.fired++
	if _, err := d.engine.Timeout(); err != nil {
		d.log.Warn("Timeout drive failed: %v", err)
	}
	d.drain.Drain()
}

// Stop disarms the timer.
func (d *TimeoutDriver) Stop() { d.timer.Stop() }

// Armed reports whether a deadline is pending.
func (d *TimeoutDriver) Armed() bool { return d.timer.Active() }

// Deadline returns the pending deadline, or the zero time.
func (d *TimeoutDriver) Deadline() time.Time { return d.timer.Deadline() }

// Fired returns how many times the timer has driven the engine.
func (d *TimeoutDriver) Fired() int { return d.fired }
