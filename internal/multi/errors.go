package multi

import "errors"

var (
	// ErrUnsupportedScheme is the terminal error of a transfer whose URL is not http.
	ErrUnsupportedScheme = errors.New("unsupported protocol scheme")

	// ErrConnectTimeout is the terminal error of a transfer that could not connect in time.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrTimeout is the terminal error of a transfer that exceeded its total time budget.
	ErrTimeout = errors.New("transfer timed out")

	// ErrPartialBody is the terminal error of a transfer whose connection closed before
	// the announced body was complete.
	ErrPartialBody = errors.New("connection closed before body was complete")

	// ErrMalformedResponse is the terminal error of a transfer with an unparseable response.
	ErrMalformedResponse = errors.New("malformed http response")

	// ErrAlreadyAdded is returned by Add for a transfer that is already in an engine.
	ErrAlreadyAdded = errors.New("transfer already added")

	// ErrNotAdded is returned by Remove for a transfer that is not in this engine.
	ErrNotAdded = errors.New("transfer not added to this engine")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrUnknownSocket is returned by SocketAction for a descriptor the engine does not own.
	ErrUnknownSocket = errors.New("socket not owned by the engine")

	// ErrReentrantDrive is returned when a drive call is made from inside an engine callback.
	ErrReentrantDrive = errors.New("drive call made from inside an engine callback")
)
