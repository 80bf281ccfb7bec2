package capture

import (
	"errors"
	"fmt"
	"time"

	"firestige.xyz/camrelay/internal/v4l2"
)

// BufferState is the ownership state of one capture buffer.
type BufferState int

const (
	// Free buffers are mapped but owned by nobody.
	Free BufferState = iota
	// Queued buffers are owned by the driver.
	Queued
	// Filled buffers hold a frame returned by the driver.
	Filled
	// InFlight buffers are lent to a sink.
	InFlight
)

func (s BufferState) String() string {
	switch s {
	case Free:
		return "free"
	case Queued:
		return "queued"
	case Filled:
		return "filled"
	case InFlight:
		return "in-flight"
	}
	return fmt.Sprintf("BufferState(%d)", int(s))
}

// Buffer is one memory-mapped capture buffer. The frame bytes are only valid
// while the buffer is Filled or InFlight.
type Buffer struct {
	index     uint32
	mem       []byte
	used      int
	state     BufferState
	sequence  uint32
	timestamp time.Time
}

func (b *Buffer) Index() uint32        { return b.index }
func (b *Buffer) State() BufferState   { return b.state }
func (b *Buffer) Cap() int             { return len(b.mem) }
func (b *Buffer) Len() int             { return b.used }
func (b *Buffer) Sequence() uint32     { return b.sequence }
func (b *Buffer) Timestamp() time.Time { return b.timestamp }

// Bytes returns the valid part of the frame, aliasing device memory.
func (b *Buffer) Bytes() []byte { return b.mem[:b.used] }

// BufferPool owns the driver-negotiated buffer ring. Buffers live in a
// fixed arena and are addressed by index; every index coming from the driver
// or a caller is validated before use.
type BufferPool struct {
	dev     v4l2.Device
	buffers []Buffer
}

// NewBufferPool creates an empty pool bound to dev.
func NewBufferPool(dev v4l2.Device) *BufferPool {
	return &BufferPool{dev: dev}
}

// Count returns the number of negotiated buffers.
func (p *BufferPool) Count() int { return len(p.buffers) }

// Buffer returns the buffer at index.
func (p *BufferPool) Buffer(index uint32) (*Buffer, error) {
	if int(index) >= len(p.buffers) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, index, len(p.buffers))
	}
	return &p.buffers[index], nil
}

// CountState returns how many buffers are in state s.
func (p *BufferPool) CountState(s BufferState) int {
	n := 0
	for i := range p.buffers {
		if p.buffers[i].state == s {
			n++
		}
	}
	return n
}

// Negotiate asks the driver for requested buffers and sizes the arena to what
// it grants, which may be fewer.
func (p *BufferPool) Negotiate(requested uint32) (uint32, error) {
	if len(p.buffers) > 0 {
		return 0, violation(fmt.Errorf("%w: pool already holds %d buffers", ErrInvalidState, len(p.buffers)))
	}
	if requested == 0 {
		return 0, fmt.Errorf("%w: zero buffers requested", ErrInvalidArgument)
	}

	granted, err := p.dev.RequestBuffers(requested)
	if err != nil {
		return 0, wrap(ErrDeviceRejected, err)
	}
	if granted == 0 {
		return 0, fmt.Errorf("%w: driver granted zero buffers", ErrInvalidArgument)
	}

	p.buffers = make([]Buffer, granted)
	for i := range p.buffers {
		p.buffers[i] = Buffer{index: uint32(i), state: Free}
	}
	return granted, nil
}

// MapAll maps every negotiated buffer. On failure the buffers mapped by this
// call are unmapped again.
func (p *BufferPool) MapAll() error {
	for i := range p.buffers {
		b := &p.buffers[i]
		info, err := p.dev.QueryBuffer(b.index)
		if err == nil {
			b.mem, err = p.dev.Map(info)
		}
		if err != nil {
			b.mem = nil
			p.unmapRange(i)
			return &MappingError{Index: b.index, Err: err}
		}
	}
	return nil
}

func (p *BufferPool) unmapRange(n int) {
	for i := 0; i < n; i++ {
		if p.buffers[i].mem != nil {
			_ = p.dev.Unmap(p.buffers[i].mem)
			p.buffers[i].mem = nil
		}
	}
}

// Enqueue hands a Free buffer to the driver.
func (p *BufferPool) Enqueue(index uint32) error {
	b, err := p.Buffer(index)
	if err != nil {
		return violation(err)
	}
	if b.state != Free || b.mem == nil {
		return violation(fmt.Errorf("%w: enqueue buffer %d in state %s", ErrInvalidState, index, b.state))
	}
	if err := p.dev.Queue(index); err != nil {
		return wrap(ErrDeviceError, err)
	}
	b.state = Queued
	return nil
}

// Dequeue takes the next completed frame from the driver. It returns
// ErrWouldBlock when nothing is ready.
func (p *BufferPool) Dequeue() (*Buffer, error) {
	dq, err := p.dev.Dequeue()
	if err != nil {
		if isWouldBlock(err) {
			return nil, wrap(ErrWouldBlock, err)
		}
		return nil, wrap(ErrDeviceError, err)
	}

	b, err := p.Buffer(dq.Index)
	if err != nil {
		return nil, wrap(ErrDeviceError, err)
	}
	if b.state != Queued {
		return nil, violation(fmt.Errorf("%w: driver returned buffer %d in state %s", ErrInvalidState, dq.Index, b.state))
	}

	b.used = int(dq.BytesUsed)
	if b.used > len(b.mem) {
		b.used = len(b.mem)
	}
	b.sequence = dq.Sequence
	b.timestamp = dq.Timestamp
	b.state = Filled
	return b, nil
}

// lend marks a Filled buffer as borrowed by a sink.
func (p *BufferPool) lend(b *Buffer) {
	b.state = InFlight
}

// Release gives a Filled or InFlight buffer back to the driver. Releasing a
// buffer that was never dequeued, or releasing twice, is a logic violation and
// leaves the state untouched.
func (p *BufferPool) Release(index uint32) error {
	b, err := p.Buffer(index)
	if err != nil {
		return violation(err)
	}
	if b.state != Filled && b.state != InFlight {
		return violation(fmt.Errorf("%w: release buffer %d in state %s", ErrInvalidState, index, b.state))
	}

	b.used = 0
	if err := p.dev.Queue(index); err != nil {
		b.state = Free
		return wrap(ErrDeviceError, err)
	}
	b.state = Queued
	return nil
}

// Teardown unmaps every buffer whatever its state and returns the ring to
// the driver. Calling it again is a no-op.
func (p *BufferPool) Teardown() error {
	if p.buffers == nil {
		return nil
	}
	var errs []error
	for i := range p.buffers {
		b := &p.buffers[i]
		if b.mem == nil {
			continue
		}
		if err := p.dev.Unmap(b.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmap buffer %d: %w", b.index, err))
		}
		b.mem = nil
	}
	p.buffers = nil
	if _, err := p.dev.RequestBuffers(0); err != nil {
		errs = append(errs, fmt.Errorf("free buffers: %w", err))
	}
	return errors.Join(errs...)
}
