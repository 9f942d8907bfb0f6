// Package reactor implements a single-threaded event loop that multiplexes
// socket readiness and timer expiry into callbacks.
//
// All handles belong to one Loop and must only be touched from the goroutine
// running Loop.Run, or before Run is called. Callbacks always run from the
// loop's dispatch, never from inside the call that scheduled them.
//
// Each iteration of the loop runs, in order:
//   - due timers, in deadline order
//   - one wait on the poller, dispatching readiness to started polls
//   - close callbacks queued by Poll.Close during the previous phases
//
// Run returns once no poll is started, no timer is armed and no close
// callback is pending.
package reactor
