// Package sink opens the destinations that downloaded bodies are written to.
package sink

import (
	"context"
	"errors"
	"io"
)

// ErrNoBucket is returned by NewBucketOpener for an empty bucket URL.
var ErrNoBucket = errors.New("no bucket url configured")

// Sink is an open destination. Close flushes it; a sink is closed exactly once.
type Sink interface {
	io.WriteCloser
	Dest() string
}

// Opener creates a sink for a destination name relative to its root.
type Opener interface {
	Open(ctx context.Context, name string) (Sink, error)
	// CloseAll closes sinks that were opened but never closed.
	CloseAll() error
}
