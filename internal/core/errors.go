// Package core defines sentinel errors.
package core

import "errors"

// Error taxonomy. Operation-level errors in the capture, sink and supervisor
// packages wrap one of these so callers can classify with errors.Is.
var (
	// Device open and capability failures. Fatal, the process exits.
	ErrDeviceUnavailable = errors.New("camrelay: device unavailable")

	// Format or buffer-count negotiation rejected. Fatal.
	ErrNegotiationFailed = errors.New("camrelay: negotiation failed")

	// EAGAIN on dequeue. Ignored, retried on the next readiness event.
	ErrTransientIO = errors.New("camrelay: transient io")

	// Unexpected ioctl failure mid-stream. Fatal, triggers the stop sequence.
	ErrDeviceFault = errors.New("camrelay: device fault")

	// Write or send error. Recoverable in stream mode, fatal in datagram mode.
	ErrTransportFailure = errors.New("camrelay: transport failure")

	// Double release, release without dequeue and similar misuse.
	ErrLogicViolation = errors.New("camrelay: logic violation")

	// Configuration errors
	ErrConfigInvalid = errors.New("camrelay: invalid configuration")

	// Relay lifecycle errors
	ErrRelayStopped = errors.New("camrelay: relay stopped")
)

// IsFatal reports whether err terminates the capture session.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTransientIO), errors.Is(err, ErrLogicViolation):
		return false
	}
	return true
}
