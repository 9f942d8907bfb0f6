//go:build unix

package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var pollerBackends = map[string]func() (poller, error){
	"platform": newPoller,
	"poll":     newPollPoller,
}

func TestPoller_ReportsReadinessWithToken(t *testing.T) {
	for name, newBackend := range pollerBackends {
		t.Run(name, func(t *testing.T) {
			p, err := newBackend()
			if err != nil {
				t.Fatalf("new poller: %v", err)
			}
			defer p.close()
			a, b := socketPair(t)

			if err := p.add(a, Readable, 7); err != nil {
				t.Fatalf("add: %v", err)
			}
			if err := p.add(a, Readable, 8); err == nil {
				t.Error("expected adding a registered descriptor to fail")
			}

			ready, err := p.wait(0, nil)
			if err != nil || len(ready) != 0 {
				t.Fatalf("expected nothing ready, got %v (%v)", ready, err)
			}

			if _, err := unix.Write(b, []byte("x")); err != nil {
				t.Fatalf("write: %v", err)
			}
			ready, err = p.wait(time.Second, ready[:0])
			if err != nil || len(ready) != 1 {
				t.Fatalf("expected one ready descriptor, got %v (%v)", ready, err)
			}
			if ev := ready[0]; ev.fd != a || ev.token != 7 || ev.events&Readable == 0 {
				t.Errorf("unexpected event %+v", ev)
			}

			if err := p.mod(a, Writable, 9); err != nil {
				t.Fatalf("mod: %v", err)
			}
			ready, err = p.wait(time.Second, ready[:0])
			if err != nil || len(ready) != 1 {
				t.Fatalf("expected one ready descriptor, got %v (%v)", ready, err)
			}
			if ev := ready[0]; ev.token != 9 || ev.events&Writable == 0 || ev.events&Readable != 0 {
				t.Errorf("unexpected event after mod %+v", ev)
			}

			if err := p.del(a); err != nil {
				t.Fatalf("del: %v", err)
			}
			ready, err = p.wait(10*time.Millisecond, ready[:0])
			if err != nil || len(ready) != 0 {
				t.Fatalf("expected nothing after del, got %v (%v)", ready, err)
			}
		})
	}
}

func TestLoop_PollBackend(t *testing.T) {
	pp, err := newPollPoller()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	l := newLoop(pp)
	t.Cleanup(func() { _ = l.Close() })
	a, b := socketPair(t)

	p, _ := l.NewPoll(a)
	var seen []Events
	onReadable := func(p *Poll, events Events) {
		seen = append(seen, events&(Readable|Writable))
		p.Close(nil)
	}
	err = p.Start(Writable, func(p *Poll, events Events) {
		seen = append(seen, events&(Readable|Writable))
		if err := p.Start(Readable, onReadable); err != nil {
			t.Errorf("restart: %v", err)
		}
		_, _ = unix.Write(b, []byte("x"))
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	fired := false
	timer := l.NewTimer()
	_ = timer.Start(5*time.Millisecond, func() { fired = true })

	runLoop(t, l)

	if len(seen) != 2 || seen[0] != Writable || seen[1] != Readable {
		t.Fatalf("expected [writable readable], got %v", seen)
	}
	if !fired || !p.Closed() {
		t.Errorf("expected timer fired and poll closed (fired=%v closed=%v)", fired, p.Closed())
	}
}
