package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"firestige.xyz/camrelay/internal/core"
)

// Operation errors. Each wraps a core taxonomy sentinel.
var (
	ErrNotFound        = fmt.Errorf("%w: no such device node", core.ErrDeviceUnavailable)
	ErrUnsupported     = fmt.Errorf("%w: capture or streaming capability missing", core.ErrDeviceUnavailable)
	ErrFormatRejected  = fmt.Errorf("%w: format rejected", core.ErrNegotiationFailed)
	ErrDeviceRejected  = fmt.Errorf("%w: buffer request rejected", core.ErrNegotiationFailed)
	ErrInvalidArgument = fmt.Errorf("%w: invalid buffer count", core.ErrNegotiationFailed)
	ErrDeviceError     = fmt.Errorf("%w: device error", core.ErrDeviceFault)
	ErrWouldBlock      = fmt.Errorf("%w: no frame ready", core.ErrTransientIO)
	ErrInvalidState    = fmt.Errorf("%w: invalid buffer state", core.ErrLogicViolation)
	ErrBadIndex        = fmt.Errorf("%w: buffer index out of range", core.ErrLogicViolation)
)

// MappingError reports a buffer that could not be queried or mapped.
type MappingError struct {
	Index uint32
	Err   error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map buffer %d: %v", e.Index, e.Err)
}

func (e *MappingError) Unwrap() []error { return []error{core.ErrDeviceFault, e.Err} }

func wrap(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}

func classifyOpen(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return wrap(ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", core.ErrDeviceUnavailable, err)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN)
}
