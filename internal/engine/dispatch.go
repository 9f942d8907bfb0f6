package engine

import (
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/multi"
	"github.com/datallboy/multifetch/internal/reactor"
)

// ReadinessDispatcher turns reactor readiness into socket drives of the engine.
type ReadinessDispatcher struct {
	registry *WatchRegistry
	timeouts *TimeoutDriver
	engine   Multi
	drain    *CompletionDrain
	log      *logger.Logger

	stale int
}

func NewReadinessDispatcher(registry *WatchRegistry, timeouts *TimeoutDriver, engine Multi, drain *CompletionDrain, log *logger.Logger) *ReadinessDispatcher {
	d := &ReadinessDispatcher{
		registry: registry,
		timeouts: timeouts,
		engine:   engine,
		drain:    drain,
		log:      log,
	}
	registry.SetReadyFunc(d.OnSocketReady)
	return d
}

// OnSocketReady drives the engine for one ready watch, then drains finished
// transfers. Readiness for a watch that is no longer current is dropped.
func (d *ReadinessDispatcher) OnSocketReady(w *SocketWatch, events reactor.Events) {
	if !d.registry.Current(w) {
		d.stale++
		d.log.Debug("Ignoring readiness for released fd %d", w.fd)
		return
	}

	// the drive below reports the engine's next deadline again
	d.timeouts.Stop()

	var sel multi.Select
	if events&reactor.Readable != 0 {
		sel |= multi.SelectIn
	}
	if events&reactor.Writable != 0 {
		sel |= multi.SelectOut
	}
	if events&reactor.Error != 0 {
		sel |= multi.SelectErr
	}

	if _, err := d.engine.SocketAction(w.fd, sel); err != nil {
		d.log.Warn("Socket drive for fd %d failed: %v", w.fd, err)
	}
	d.drain.Drain()
}

// Stale returns how many notifications were dropped.
func (d *ReadinessDispatcher) Stale() int { return d.stale }
