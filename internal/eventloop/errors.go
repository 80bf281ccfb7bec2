package eventloop

import "errors"

var (
	errAlreadyRunning = errors.New("eventloop: already running")

	// ErrWatchUnsupported is returned by WatchReadable where poll(2) is unavailable.
	ErrWatchUnsupported = errors.New("eventloop: readiness watch unsupported on this platform")
)
