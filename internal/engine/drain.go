package engine

import (
	"fmt"
	"time"

	"github.com/datallboy/multifetch/internal/domain"
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/multi"
)

// CompletionDrain retires finished transfers after every drive call.
type CompletionDrain struct {
	engine   Multi
	inflight *inflight
	log      *logger.Logger
	onReport func(domain.Report)

	reported map[*multi.Transfer]struct{}
}

func NewCompletionDrain(engine Multi, tracked *inflight, log *logger.Logger, onReport func(domain.Report)) *CompletionDrain {
	return &CompletionDrain{
		engine:   engine,
		inflight: tracked,
		log:      log,
		onReport: onReport,
		reported: make(map[*multi.Transfer]struct{}),
	}
}

// Drain pops the engine's finished queue until it is empty and returns the
// number of transfers retired. Draining an empty queue does nothing.
func (d *CompletionDrain) Drain() int {
	n := 0
	for {
		msg, ok := d.engine.InfoRead()
		if !ok {
			return n
		}
		if msg.Kind != multi.MessageDone {
			panic(domain.Violation("completion drain", "unexpected message kind %d", int(msg.Kind)))
		}
		d.retire(msg)
		n++
	}
}

func (d *CompletionDrain) retire(msg multi.Message) {
	t := msg.Transfer
	if t == nil {
		panic(domain.Violation("completion drain", "finished message without a transfer"))
	}
	if _, dup := d.reported[t]; dup {
		panic(domain.Violation("completion drain", "transfer %s finished twice", t.ID))
	}
	dl, ok := d.inflight.take(t)
	if !ok {
		panic(domain.Violation("completion drain", "finished transfer %s was never added", t.ID))
	}
	d.reported[t] = struct{}{}

	if err := d.engine.Remove(t); err != nil {
		d.log.Warn("Could not remove transfer %s from engine: %v", t.ID, err)
	}
	r := domain.Report{
		TransferID:   t.ID,
		Seq:          dl.seq,
		URL:          t.URL,
		EffectiveURL: t.EffectiveURL(),
		Dest:         dl.sink.Dest(),
		Bytes:        t.BytesWritten(),
		StatusCode:   t.StatusCode(),
		Duration:     t.Duration(),
		FinishedAt:   time.Now(),
	}
	t.Release()

	closeErr := dl.sink.Close()
	switch {
	case msg.Err != nil:
		r.Err = msg.Err.Error()
	case closeErr != nil:
		r.Err = fmt.Sprintf("close destination: %v", closeErr)
	}

	if d.onReport != nil {
		d.onReport(r)
	}
}

// Reported returns how many transfers have been retired.
func (d *CompletionDrain) Reported() int { return len(d.reported) }
