package multi

import (
	"io"
	"net/netip"
	"net/url"
	"time"

	"github.com/segmentio/ksuid"
)

type state int

const (
	statePending state = iota
	stateResolving
	stateConnecting
	stateSending
	stateReadingHeader
	stateReadingBody
	stateDone
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateResolving:
		return "resolving"
	case stateConnecting:
		return "connecting"
	case stateSending:
		return "sending"
	case stateReadingHeader:
		return "reading_header"
	case stateReadingBody:
		return "reading_body"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Transfer is a single GET whose response body is streamed to a sink.
type Transfer struct {
	ID   string
	URL  string
	Sink io.Writer

	multi *Multi
	state state

	target   *url.URL
	addrs    []netip.AddrPort
	resolved <-chan resolveResult
	addrIdx  int
	fd       int
	watching Action
	connErr  error

	// cancelResolve stops a lookup still running for the transfer
	cancelResolve func()

	connectDeadline time.Time
	deadline        time.Time
	startedAt       time.Time
	finishedAt      time.Time

	request []byte
	sent    int
	header  []byte
	body    bodyDecoder

	statusCode int
	written    int64
	err        error
	released   bool
}

// NewTransfer prepares a transfer of rawURL into sink. It is not started
// until it is added to an engine.
func NewTransfer(rawURL string, sink io.Writer) *Transfer {
	return &Transfer{
		ID:   ksuid.New().String(),
		URL:  rawURL,
		Sink: sink,
		fd:   -1,
	}
}

// EffectiveURL returns the URL that was last requested, falling back to URL.
func (t *Transfer) EffectiveURL() string {
	if t.target != nil {
		return t.target.String()
	}
	return t.URL
}

// StatusCode returns the response status code, or 0 if no header was received.
func (t *Transfer) StatusCode() int { return t.statusCode }

// BytesWritten returns the number of body bytes written to the sink.
func (t *Transfer) BytesWritten() int64 { return t.written }

// Err returns the terminal error of a finished transfer.
func (t *Transfer) Err() error { return t.err }

// Done reports whether the transfer has finished.
func (t *Transfer) Done() bool { return t.state == stateDone }

// Duration returns how long the transfer ran, or has been running.
func (t *Transfer) Duration() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	if t.finishedAt.IsZero() {
		return time.Since(t.startedAt)
	}
	return t.finishedAt.Sub(t.startedAt)
}

// Release drops the buffers held by a transfer that has been removed from
// its engine. A released transfer cannot be added again.
func (t *Transfer) Release() {
	t.released = true
	t.request = nil
	t.header = nil
	t.addrs = nil
	t.resolved = nil
	t.body = bodyDecoder{}
}
