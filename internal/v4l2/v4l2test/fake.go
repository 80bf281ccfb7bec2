// Package v4l2test provides an in-memory v4l2.Device for tests.
package v4l2test

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/v4l2"
)

// Device is a scriptable fake capture node. Buffers are plain byte slices;
// Fill marks a queued buffer as completed so the next Dequeue returns it.
type Device struct {
	Caps         v4l2.Capability
	Grant        uint32 // buffers granted by RequestBuffers, 0 = grant the request
	GrantZero    bool   // grant nothing at all
	BufferLength uint32

	// Format negotiation; AdjustFormat rewrites the requested format the way a
	// driver would (nil = accept verbatim).
	AdjustFormat func(v4l2.PixFormat) v4l2.PixFormat
	Interval     v4l2.Fract

	// Fault injection.
	SetFormatErr   error
	ReqBufsErr     error
	QueryBufErr    map[uint32]error
	MapErr         map[uint32]error
	QueueErr       error
	DequeueErr     error
	StreamOnErr    error
	StreamOffErr   error
	SetIntervalErr error

	format    v4l2.PixFormat
	queued    map[uint32]bool
	ready     []v4l2.Dequeued
	mapped    map[uint32][]byte
	sequence  uint32
	streaming bool
	closed    bool

	// Counters for assertions.
	ReqBufsCalls   int
	MapCalls       int
	UnmapCalls     int
	QueueCalls     int
	StreamOnCalls  int
	StreamOffCalls int
}

// New returns a device with capture and streaming capability.
func New() *Device {
	return &Device{
		Caps: v4l2.Capability{
			Driver:       "fake",
			Card:         "Fake Camera",
			Capabilities: v4l2.CapVideoCapture | v4l2.CapStreaming,
		},
		BufferLength: 4096,
		Interval:     v4l2.Fract{Numerator: 1, Denominator: 30},
		queued:       make(map[uint32]bool),
		mapped:       make(map[uint32][]byte),
	}
}

// Opener returns a v4l2.Opener that hands out d for path and ENOENT otherwise.
func (d *Device) Opener(path string) v4l2.Opener {
	return func(p string) (v4l2.Device, error) {
		if p != path {
			return nil, &v4l2.OpError{Op: "open", Path: p, Err: syscall.ENOENT}
		}
		d.closed = false
		return d, nil
	}
}

func (d *Device) Fd() int { return 42 }

func (d *Device) QueryCapability() (v4l2.Capability, error) { return d.Caps, nil }

func (d *Device) SetFormat(f v4l2.PixFormat) error {
	if d.SetFormatErr != nil {
		return &v4l2.OpError{Op: "VIDIOC_S_FMT", Err: d.SetFormatErr}
	}
	if d.AdjustFormat != nil {
		f = d.AdjustFormat(f)
	}
	d.format = f
	return nil
}

func (d *Device) GetFormat() (v4l2.PixFormat, error) { return d.format, nil }

func (d *Device) SetFrameInterval(f v4l2.Fract) error {
	if d.SetIntervalErr != nil {
		return &v4l2.OpError{Op: "VIDIOC_S_PARM", Err: d.SetIntervalErr}
	}
	d.Interval = f
	return nil
}

func (d *Device) GetFrameInterval() (v4l2.Fract, error) { return d.Interval, nil }

func (d *Device) RequestBuffers(count uint32) (uint32, error) {
	d.ReqBufsCalls++
	if d.ReqBufsErr != nil {
		return 0, &v4l2.OpError{Op: "VIDIOC_REQBUFS", Err: d.ReqBufsErr}
	}
	if count == 0 || d.GrantZero {
		return 0, nil
	}
	if d.Grant != 0 && d.Grant < count {
		return d.Grant, nil
	}
	return count, nil
}

func (d *Device) QueryBuffer(index uint32) (v4l2.BufferInfo, error) {
	if err := d.QueryBufErr[index]; err != nil {
		return v4l2.BufferInfo{}, &v4l2.OpError{Op: "VIDIOC_QUERYBUF", Err: err}
	}
	return v4l2.BufferInfo{Index: index, Offset: index * d.BufferLength, Length: d.BufferLength}, nil
}

func (d *Device) Map(info v4l2.BufferInfo) ([]byte, error) {
	d.MapCalls++
	if err := d.MapErr[info.Index]; err != nil {
		return nil, &v4l2.OpError{Op: "mmap", Err: err}
	}
	mem := make([]byte, info.Length)
	d.mapped[info.Index] = mem
	return mem, nil
}

func (d *Device) Unmap(mem []byte) error {
	d.UnmapCalls++
	for i, m := range d.mapped {
		if len(m) > 0 && len(mem) > 0 && &m[0] == &mem[0] {
			delete(d.mapped, i)
			return nil
		}
	}
	return &v4l2.OpError{Op: "munmap", Err: syscall.EINVAL}
}

func (d *Device) Queue(index uint32) error {
	d.QueueCalls++
	if d.QueueErr != nil {
		return &v4l2.OpError{Op: "VIDIOC_QBUF", Err: d.QueueErr}
	}
	if d.queued[index] {
		return &v4l2.OpError{Op: "VIDIOC_QBUF", Err: syscall.EINVAL}
	}
	d.queued[index] = true
	return nil
}

func (d *Device) Dequeue() (v4l2.Dequeued, error) {
	if d.DequeueErr != nil {
		return v4l2.Dequeued{}, &v4l2.OpError{Op: "VIDIOC_DQBUF", Err: d.DequeueErr}
	}
	if !d.streaming || len(d.ready) == 0 {
		return v4l2.Dequeued{}, &v4l2.OpError{Op: "VIDIOC_DQBUF", Err: syscall.EAGAIN}
	}
	dq := d.ready[0]
	d.ready = d.ready[1:]
	return dq, nil
}

func (d *Device) StreamOn() error {
	d.StreamOnCalls++
	if d.StreamOnErr != nil {
		return &v4l2.OpError{Op: "VIDIOC_STREAMON", Err: d.StreamOnErr}
	}
	d.streaming = true
	return nil
}

func (d *Device) StreamOff() error {
	d.StreamOffCalls++
	if d.StreamOffErr != nil {
		return &v4l2.OpError{Op: "VIDIOC_STREAMOFF", Err: d.StreamOffErr}
	}
	d.streaming = false
	d.ready = nil
	clear(d.queued)
	return nil
}

func (d *Device) Close() error {
	d.closed = true
	return nil
}

// Fill completes a queued buffer with data, making it available to Dequeue.
func (d *Device) Fill(index uint32, data []byte) error {
	if !d.queued[index] {
		return fmt.Errorf("v4l2test: buffer %d is not queued", index)
	}
	mem, ok := d.mapped[index]
	if !ok {
		return fmt.Errorf("v4l2test: buffer %d is not mapped", index)
	}
	if len(data) > len(mem) {
		return errors.New("v4l2test: frame larger than buffer")
	}
	copy(mem, data)
	delete(d.queued, index)
	d.sequence++
	d.ready = append(d.ready, v4l2.Dequeued{
		Index:     index,
		BytesUsed: uint32(len(data)),
		Sequence:  d.sequence,
		Timestamp: time.Now(),
	})
	return nil
}

// FillNext completes the lowest-indexed queued buffer.
func (d *Device) FillNext(data []byte) (uint32, error) {
	for i := uint32(0); i < uint32(len(d.mapped)); i++ {
		if d.queued[i] {
			return i, d.Fill(i, data)
		}
	}
	return 0, errors.New("v4l2test: no queued buffer")
}

// Streaming reports whether StreamOn was issued without a matching StreamOff.
func (d *Device) Streaming() bool { return d.streaming }

// Closed reports whether Close was called.
func (d *Device) Closed() bool { return d.closed }

// Mapped returns the number of currently mapped buffers.
func (d *Device) Mapped() int { return len(d.mapped) }

// Queued reports whether index is owned by the fake driver.
func (d *Device) Queued(index uint32) bool { return d.queued[index] }

// Format returns the negotiated format.
func (d *Device) Format() v4l2.PixFormat { return d.format }

var _ v4l2.Device = (*Device)(nil)

// DefaultFormat is a 1080p H264 request.
var DefaultFormat = v4l2.PixFormat{Width: 1920, Height: 1080, PixelFormat: core.PixelFormatH264}
