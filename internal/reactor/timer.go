package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot timer owned by a Loop. Starting an armed timer
// replaces its previous deadline and callback.
type Timer struct {
	loop *Loop
	cb   func()
	when time.Time
	seq  uint64

	// index < 0 while the timer is not armed
	index int
}

// NewTimer returns a disarmed timer bound to the loop.
func (l *Loop) NewTimer() *Timer {
	return &Timer{loop: l, index: -1}
}

// Start arms the timer to run cb once, d after the loop's cached time.
// The callback never runs before the loop's next timer phase.
func (t *Timer) Start(d time.Duration, cb func()) error {
	l := t.loop
	if l.closed {
		return ErrLoopClosed
	}
	if d < 0 {
		d = 0
	}
	t.Stop()

	l.timerSeq++
	t.cb = cb
	t.seq = l.timerSeq
	t.when = l.now.Add(d)
	heap.Push(&l.timers, t)
	return nil
}

// Stop disarms the timer. It reports whether the timer was armed.
func (t *Timer) Stop() bool {
	if t.index < 0 || t.loop.closed {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	return t.index >= 0
}

// Deadline returns the time the timer fires at, or the zero time when disarmed.
func (t *Timer) Deadline() time.Time {
	if t.index < 0 {
		return time.Time{}
	}
	return t.when
}

func (t *Timer) fire() {
	cb := t.cb
	t.cb = nil
	if cb != nil {
		cb()
	}
}

// timerHeap is a priority queue of armed timers, earliest first.
// Timers sharing a deadline fire in the order they were started.
type timerHeap []*Timer

// Len implements [heap.Interface].
func (h timerHeap) Len() int { return len(h) }

// Less implements [heap.Interface].
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

// Swap implements [heap.Interface].
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push implements [heap.Interface].
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

// Pop implements [heap.Interface].
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = -1
	return t
}
