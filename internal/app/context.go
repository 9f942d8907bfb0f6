package app

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/datallboy/multifetch/internal/domain"
	"github.com/datallboy/multifetch/internal/infra/config"
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/sink"
)

// HistoryStore records runs and their finished transfers.
// This allows the coordinator to persist history without importing the store package
type HistoryStore interface {
	BeginRun(ctx context.Context, startedAt time.Time) (*domain.Run, error)
	SaveReport(ctx context.Context, runID string, r domain.Report) error
	FinishRun(ctx context.Context, run *domain.Run) error
}

// Context holds the environment and shared resources for a multifetch run.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	// Sinks opens download destinations
	Sinks sink.Opener

	// History is optional; nil disables persistence
	History HistoryStore

	// Out receives one "<url> DONE" line per finished download
	Out io.Writer
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger, sinks sink.Opener) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
		Sinks:  sinks,
		Out:    os.Stdout,
	}
}
