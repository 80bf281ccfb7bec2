// Package v4l2 is the device boundary: a thin, allocation-free wrapper over the
// Video4Linux2 streaming-I/O ioctls used by the capture layer.
//
// Only memory-mapped streaming is supported. Everything above this package talks
// to the Device interface so that the buffer lifecycle can be exercised against
// a fake device in tests.
package v4l2

import (
	"errors"
	"fmt"
	"time"

	"firestige.xyz/camrelay/internal/core"
)

// Capability flags (videodev2.h).
const (
	CapVideoCapture = 0x00000001
	CapStreaming    = 0x04000000
	CapDeviceCaps   = 0x80000000
)

// FieldAny lets the driver choose the field order.
const FieldAny = 0

// ErrUnsupportedPlatform is returned by Open on builds without V4L2 support.
var ErrUnsupportedPlatform = errors.New("v4l2: unsupported platform")

// Capability is the result of VIDIOC_QUERYCAP.
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Capabilities uint32
	DeviceCaps   uint32
}

// effective returns the per-node caps when the driver reports them.
func (c Capability) effective() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// CanCapture reports V4L2_CAP_VIDEO_CAPTURE.
func (c Capability) CanCapture() bool { return c.effective()&CapVideoCapture != 0 }

// CanStream reports V4L2_CAP_STREAMING.
func (c Capability) CanStream() bool { return c.effective()&CapStreaming != 0 }

// PixFormat mirrors the single-planar v4l2_pix_format fields we negotiate.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  core.FourCC
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
}

// Fract is a v4l2_fract time-per-frame.
type Fract struct {
	Numerator   uint32
	Denominator uint32
}

// FPS returns frames per second for a time-per-frame fraction.
func (f Fract) FPS() float64 {
	if f.Numerator == 0 {
		return 0
	}
	return float64(f.Denominator) / float64(f.Numerator)
}

// BufferInfo is the result of VIDIOC_QUERYBUF for an mmap buffer.
type BufferInfo struct {
	Index  uint32
	Offset uint32
	Length uint32
}

// Dequeued describes a buffer returned by VIDIOC_DQBUF.
type Dequeued struct {
	Index     uint32
	BytesUsed uint32
	Sequence  uint32
	Timestamp time.Time
}

// Device is an open V4L2 capture node.
//
// All methods are non-blocking; the node is opened with O_NONBLOCK so Dequeue
// returns an error wrapping syscall.EAGAIN when no buffer is ready.
type Device interface {
	Fd() int
	QueryCapability() (Capability, error)
	SetFormat(f PixFormat) error
	GetFormat() (PixFormat, error)
	SetFrameInterval(f Fract) error
	GetFrameInterval() (Fract, error)
	RequestBuffers(count uint32) (uint32, error)
	QueryBuffer(index uint32) (BufferInfo, error)
	Map(info BufferInfo) ([]byte, error)
	Unmap(mem []byte) error
	Queue(index uint32) error
	Dequeue() (Dequeued, error)
	StreamOn() error
	StreamOff() error
	Close() error
}

// Opener opens a device node by path.
type Opener func(path string) (Device, error)

// OpError records a failed device operation.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }
