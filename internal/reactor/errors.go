package reactor

import "errors"

var (
	// ErrLoopClosed is returned when a handle is created or started on a closed loop.
	ErrLoopClosed = errors.New("reactor: loop is closed")

	// ErrHandleClosing is returned when a poll that is closing or closed is started again.
	ErrHandleClosing = errors.New("reactor: handle is closing")

	// ErrFdInUse is returned when a second poll is created for a descriptor that
	// already has a live poll on the same loop.
	ErrFdInUse = errors.New("reactor: descriptor already has a poll handle")

	// ErrReentrantRun is returned when Run is called from inside a loop callback.
	ErrReentrantRun = errors.New("reactor: cannot call Run from within the loop")
)
