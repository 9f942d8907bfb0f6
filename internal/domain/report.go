package domain

import "time"

// Report is the outcome of one finished download.
type Report struct {
	TransferID   string
	Seq          int
	URL          string
	EffectiveURL string
	Dest         string
	Bytes        int64
	StatusCode   int
	Err          string
	Duration     time.Duration
	FinishedAt   time.Time
}

// OK reports whether the transfer finished without a network or protocol error.
// The HTTP status is not taken into account.
func (r Report) OK() bool { return r.Err == "" }

// Run summarizes one invocation of the coordinator.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Submitted  int
	Failed     int
}
