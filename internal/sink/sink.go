// Package sink forwards captured frames to the network.
//
// A sink borrows a capture buffer on Submit and hands it back through its
// Releaser exactly once, either when the frame is on the wire or when the
// transmission failed. Sinks run on the event loop; the socket calls run off
// the loop through eventloop.Scheduler.Async.
package sink

import (
	"fmt"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/core"
)

// Result is the outcome of Submit.
type Result int

const (
	// Accepted means the sink now owns the buffer and will release it.
	Accepted Result = iota
	// Dropped means the sink did not take the buffer; the caller releases it.
	Dropped
)

func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "dropped"
}

// Releaser gives a borrowed buffer back to the capture device.
type Releaser func(*capture.Buffer)

// FrameSink is the transport-independent frame consumer.
type FrameSink interface {
	// Submit offers a Filled or InFlight buffer to the sink.
	Submit(b *capture.Buffer) Result
	// Drain stops accepting frames and calls done on the loop once no
	// transmission reads device memory any more.
	Drain(done func())
	// Close releases the socket. Call after Drain has completed.
	Close() error
	// Mode reports the transport kind.
	Mode() core.Mode
}

// ErrPeerClosed is reported when the stream peer closes its end.
var ErrPeerClosed = fmt.Errorf("%w: peer closed connection", core.ErrTransportFailure)

func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", core.ErrTransportFailure, op, err)
}
