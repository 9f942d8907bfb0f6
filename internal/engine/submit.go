package engine

import (
	"context"
	"fmt"

	"github.com/datallboy/multifetch/internal/domain"
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/multi"
	"github.com/datallboy/multifetch/internal/sink"
)

// download is a transfer added to the engine and not yet retired.
type download struct {
	seq  int
	sink sink.Sink
}

// inflight tracks added transfers between DownloadSubmitter and CompletionDrain.
type inflight struct {
	byTransfer map[*multi.Transfer]*download
}

func newInflight() *inflight {
	return &inflight{byTransfer: make(map[*multi.Transfer]*download)}
}

func (f *inflight) put(t *multi.Transfer, dl *download) { f.byTransfer[t] = dl }

func (f *inflight) take(t *multi.Transfer) (*download, bool) {
	dl, ok := f.byTransfer[t]
	if ok {
		delete(f.byTransfer, t)
	}
	return dl, ok
}

func (f *inflight) len() int { return len(f.byTransfer) }

// DownloadSubmitter opens the destination for a download and adds its
// transfer to the engine.
type DownloadSubmitter struct {
	engine     Multi
	sinks      sink.Opener
	nameFormat string
	inflight   *inflight
	log        *logger.Logger
	onAdded    func(seq int, url, dest string)
}

func NewDownloadSubmitter(engine Multi, sinks sink.Opener, nameFormat string, tracked *inflight, log *logger.Logger) *DownloadSubmitter {
	return &DownloadSubmitter{
		engine:     engine,
		sinks:      sinks,
		nameFormat: nameFormat,
		inflight:   tracked,
		log:        log,
	}
}

// DestName returns the destination name for the download numbered seq.
func (s *DownloadSubmitter) DestName(seq int) string {
	return fmt.Sprintf(s.nameFormat, seq)
}

// Submit opens the destination for seq and adds a transfer of rawURL into it.
// A destination that cannot be opened is returned as a *domain.SinkOpenError
// and nothing is added to the engine.
func (s *DownloadSubmitter) Submit(ctx context.Context, rawURL string, seq int) error {
	name := s.DestName(seq)
	out, err := s.sinks.Open(ctx, name)
	if err != nil {
		return &domain.SinkOpenError{Dest: name, Err: err}
	}

	t := multi.NewTransfer(rawURL, out)
	if err := s.engine.Add(t); err != nil {
		_ = out.Close()
		return fmt.Errorf("add transfer for %s: %w", logger.RedactURL(rawURL), err)
	}
	s.inflight.put(t, &download{seq: seq, sink: out})

	s.log.Info("Added download %s -> %s", logger.RedactURL(rawURL), out.Dest())
	if s.onAdded != nil {
		s.onAdded(seq, rawURL, out.Dest())
	}
	return nil
}
