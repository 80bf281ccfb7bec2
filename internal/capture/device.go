// Package capture manages a V4L2 memory-mapped capture session: the buffer
// ring shared with the driver and the readiness-driven frame pump on top of
// it.
//
// Everything here runs on the event loop goroutine and is not safe for
// concurrent use.
package capture

import (
	"errors"
	"fmt"

	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/v4l2"
)

// State is the lifecycle state of a Device.
type State int

const (
	Closed State = iota
	Negotiating
	Streaming
	Stopping
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Negotiating:
		return "negotiating"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultBufferCount is used when Options.BufferCount is zero.
const DefaultBufferCount = 4

// Options is the format requested at Open.
type Options struct {
	Path        string
	Width       uint32
	Height      uint32
	PixelFormat core.FourCC
	FrameRate   uint32
	BufferCount uint32
}

// Format is the format the driver actually applied.
type Format struct {
	Driver       string      `json:"driver"`
	Card         string      `json:"card"`
	Width        uint32      `json:"width"`
	Height       uint32      `json:"height"`
	PixelFormat  core.FourCC `json:"-"`
	BytesPerLine uint32      `json:"bytes_per_line"`
	SizeImage    uint32      `json:"size_image"`
	FrameRate    float64     `json:"frame_rate"`
}

// Device is a capture session on one V4L2 node.
type Device struct {
	reactor eventloop.Reactor
	open    v4l2.Opener

	dev      v4l2.Device
	pool     *BufferPool
	watch    eventloop.Watch
	state    State
	streamOn bool

	path      string
	requested uint32
	format    Format
	frames    uint64

	onFrame func(*Buffer)
	onFault func(error)
}

// NewDevice creates a closed device that opens nodes with open and receives
// readiness notifications from reactor.
func NewDevice(reactor eventloop.Reactor, open v4l2.Opener) *Device {
	return &Device{reactor: reactor, open: open}
}

// OnFrame sets the consumer of dequeued buffers. The consumer owns the
// buffer until it hands it back with Release. Without a consumer every frame
// is released immediately.
func (d *Device) OnFrame(fn func(*Buffer)) { d.onFrame = fn }

// OnFault sets the callback for fatal mid-stream errors. Readiness callbacks
// are already stopped when it runs; the owner is expected to call Stop once
// nothing borrows device memory any more. Without a callback the device
// stops itself.
func (d *Device) OnFault(fn func(error)) { d.onFault = fn }

func (d *Device) State() State      { return d.state }
func (d *Device) Format() Format    { return d.format }
func (d *Device) Path() string      { return d.path }
func (d *Device) Frames() uint64    { return d.frames }
func (d *Device) Pool() *BufferPool { return d.pool }
func (d *Device) Streaming() bool   { return d.state == Streaming }

// Open opens the node, checks its capabilities and negotiates the format.
func (d *Device) Open(opts Options) error {
	if d.state != Closed {
		return violation(fmt.Errorf("%w: open while %s", ErrInvalidState, d.state))
	}

	dev, err := d.open(opts.Path)
	if err != nil {
		return classifyOpen(err)
	}
	d.dev = dev
	d.path = opts.Path
	d.state = Negotiating

	if err := d.negotiate(opts); err != nil {
		_ = dev.Close()
		d.dev = nil
		d.state = Closed
		return err
	}

	d.requested = opts.BufferCount
	if d.requested == 0 {
		d.requested = DefaultBufferCount
	}
	d.pool = NewBufferPool(dev)

	log.GetLogger().WithFields(map[string]interface{}{
		core.LabelDevicePath:  d.path,
		core.LabelPixelFormat: d.format.PixelFormat.String(),
		"width":               d.format.Width,
		"height":              d.format.Height,
		"bytes_per_line":      d.format.BytesPerLine,
		"size_image":          d.format.SizeImage,
		"fps":                 d.format.FrameRate,
	}).Info("device opened")
	return nil
}

func (d *Device) negotiate(opts Options) error {
	caps, err := d.dev.QueryCapability()
	if err != nil {
		return wrap(ErrUnsupported, err)
	}
	if !caps.CanCapture() {
		return fmt.Errorf("%w: %s is not a video capture device", ErrUnsupported, opts.Path)
	}
	if !caps.CanStream() {
		return fmt.Errorf("%w: %s does not support streaming i/o", ErrUnsupported, opts.Path)
	}

	req := v4l2.PixFormat{
		Width:       opts.Width,
		Height:      opts.Height,
		PixelFormat: opts.PixelFormat,
		Field:       v4l2.FieldAny,
	}
	if err := d.dev.SetFormat(req); err != nil {
		return wrap(ErrFormatRejected, err)
	}
	if opts.FrameRate > 0 {
		if err := d.dev.SetFrameInterval(v4l2.Fract{Numerator: 1, Denominator: opts.FrameRate}); err != nil {
			return wrap(ErrFormatRejected, err)
		}
	}
	interval, err := d.dev.GetFrameInterval()
	if err != nil {
		return wrap(ErrFormatRejected, err)
	}
	eff, err := d.dev.GetFormat()
	if err != nil {
		return wrap(ErrFormatRejected, err)
	}
	if eff.PixelFormat != opts.PixelFormat {
		return fmt.Errorf("%w: driver chose %s instead of %s", ErrFormatRejected, eff.PixelFormat, opts.PixelFormat)
	}

	// some drivers report nonsense strides
	bpl := eff.BytesPerLine
	if floor := eff.Width * 2; bpl < floor {
		bpl = floor
	}
	size := eff.SizeImage
	if floor := bpl * eff.Height; size < floor {
		size = floor
	}

	d.format = Format{
		Driver:       caps.Driver,
		Card:         caps.Card,
		Width:        eff.Width,
		Height:       eff.Height,
		PixelFormat:  eff.PixelFormat,
		BytesPerLine: bpl,
		SizeImage:    size,
		FrameRate:    interval.FPS(),
	}
	return nil
}

// Start negotiates and maps the buffer ring, queues every buffer, turns the
// stream on and registers for readiness. Calling it while streaming is a
// no-op. A failed Start leaves nothing mapped and may be retried.
func (d *Device) Start() error {
	switch d.state {
	case Streaming:
		return nil
	case Negotiating:
	default:
		return violation(fmt.Errorf("%w: start while %s", ErrInvalidState, d.state))
	}

	granted, err := d.pool.Negotiate(d.requested)
	if err != nil {
		return fmt.Errorf("start %s: %w", d.path, err)
	}
	if granted < d.requested {
		log.GetLogger().WithField(core.LabelDevicePath, d.path).
			Warnf("driver granted %d of %d buffers", granted, d.requested)
	}

	if err := d.pool.MapAll(); err != nil {
		d.unwind()
		return fmt.Errorf("start %s: %w", d.path, err)
	}
	for i := uint32(0); i < granted; i++ {
		if err := d.pool.Enqueue(i); err != nil {
			d.unwind()
			return fmt.Errorf("start %s: %w", d.path, err)
		}
	}

	if err := d.dev.StreamOn(); err != nil {
		d.unwind()
		return fmt.Errorf("start %s: %w", d.path, wrap(ErrDeviceError, err))
	}
	d.streamOn = true

	watch, err := d.reactor.WatchReadable(d.dev.Fd(), d.OnReadable)
	if err != nil {
		d.unwind()
		return fmt.Errorf("start %s: %w", d.path, wrap(ErrDeviceError, err))
	}
	d.watch = watch
	d.state = Streaming

	log.GetLogger().WithField(core.LabelDevicePath, d.path).Infof("streaming with %d buffers", granted)
	return nil
}

func (d *Device) unwind() {
	if d.streamOn {
		_ = d.dev.StreamOff()
		d.streamOn = false
	}
	if err := d.pool.Teardown(); err != nil {
		log.GetLogger().WithError(err).Warn("teardown after failed start")
	}
}

// OnReadable dequeues at most one frame. The reactor calls it again while
// frames remain, which bounds the work done per loop turn.
func (d *Device) OnReadable() {
	if d.state != Streaming || d.watch == nil {
		return
	}

	b, err := d.pool.Dequeue()
	if err != nil {
		if errors.Is(err, core.ErrTransientIO) || errors.Is(err, core.ErrLogicViolation) {
			return
		}
		d.fault(err)
		return
	}

	d.frames++
	d.pool.lend(b)
	if d.onFrame == nil {
		d.Release(b)
		return
	}
	d.onFrame(b)
}

// Release returns a borrowed buffer to the driver. Buffers released after
// Stop are ignored.
func (d *Device) Release(b *Buffer) {
	if d.pool == nil || d.state != Streaming {
		return
	}
	err := d.pool.Release(b.Index())
	if err == nil || errors.Is(err, core.ErrLogicViolation) {
		return
	}
	d.fault(err)
}

func (d *Device) fault(err error) {
	if d.watch != nil {
		_ = d.watch.Close()
		d.watch = nil
	}
	log.GetLogger().WithError(err).WithField(core.LabelDevicePath, d.path).Error("capture fault")

	if d.onFault != nil {
		d.onFault(err)
		return
	}
	_ = d.Stop()
}

// Stop turns the stream off, unmaps every buffer and closes the node. It is
// safe to call in any state and more than once.
func (d *Device) Stop() error {
	if d.state == Closed || d.state == Stopping {
		return nil
	}
	d.state = Stopping

	var errs []error
	if d.watch != nil {
		if err := d.watch.Close(); err != nil {
			errs = append(errs, err)
		}
		d.watch = nil
	}
	if d.streamOn {
		if err := d.dev.StreamOff(); err != nil {
			errs = append(errs, wrap(ErrDeviceError, err))
		}
		d.streamOn = false
	}
	if d.pool != nil {
		if err := d.pool.Teardown(); err != nil {
			errs = append(errs, err)
		}
		d.pool = nil
	}
	if err := d.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	d.dev = nil
	d.state = Closed

	log.GetLogger().WithField(core.LabelDevicePath, d.path).Infof("device stopped after %d frames", d.frames)
	return errors.Join(errs...)
}
