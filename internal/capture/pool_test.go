package capture

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/v4l2/v4l2test"
)

func streamingPool(t *testing.T, count uint32) (*BufferPool, *v4l2test.Device) {
	t.Helper()
	dev := v4l2test.New()
	p := NewBufferPool(dev)
	granted, err := p.Negotiate(count)
	require.NoError(t, err)
	require.NoError(t, p.MapAll())
	for i := uint32(0); i < granted; i++ {
		require.NoError(t, p.Enqueue(i))
	}
	require.NoError(t, dev.StreamOn())
	return p, dev
}

func TestNegotiateUsesGrantedCount(t *testing.T) {
	dev := v4l2test.New()
	dev.Grant = 2
	p := NewBufferPool(dev)

	granted, err := p.Negotiate(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), granted)
	assert.Equal(t, 2, p.Count())
	assert.Equal(t, 2, p.CountState(Free))
}

func TestNegotiateErrors(t *testing.T) {
	t.Run("zero requested", func(t *testing.T) {
		_, err := NewBufferPool(v4l2test.New()).Negotiate(0)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
	t.Run("zero granted", func(t *testing.T) {
		dev := v4l2test.New()
		dev.GrantZero = true
		_, err := NewBufferPool(dev).Negotiate(4)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.ErrorIs(t, err, core.ErrNegotiationFailed)
	})
	t.Run("driver refuses", func(t *testing.T) {
		dev := v4l2test.New()
		dev.ReqBufsErr = syscall.EINVAL
		_, err := NewBufferPool(dev).Negotiate(4)
		assert.ErrorIs(t, err, ErrDeviceRejected)
		assert.ErrorIs(t, err, syscall.EINVAL)
		assert.True(t, core.IsFatal(err))
	})
	t.Run("already negotiated", func(t *testing.T) {
		p := NewBufferPool(v4l2test.New())
		_, err := p.Negotiate(2)
		require.NoError(t, err)
		_, err = p.Negotiate(2)
		assert.ErrorIs(t, err, core.ErrLogicViolation)
		assert.Equal(t, 2, p.Count())
	})
}

func TestMapAllUnwindsOnFailure(t *testing.T) {
	dev := v4l2test.New()
	dev.MapErr = map[uint32]error{2: syscall.ENOMEM}
	p := NewBufferPool(dev)
	_, err := p.Negotiate(4)
	require.NoError(t, err)

	err = p.MapAll()
	var mapErr *MappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, uint32(2), mapErr.Index)
	assert.ErrorIs(t, err, syscall.ENOMEM)
	assert.ErrorIs(t, err, core.ErrDeviceFault)
	assert.Zero(t, dev.Mapped())
	assert.Equal(t, 2, dev.UnmapCalls)
}

func TestMapAllQueryFailure(t *testing.T) {
	dev := v4l2test.New()
	dev.QueryBufErr = map[uint32]error{0: syscall.EINVAL}
	p := NewBufferPool(dev)
	_, err := p.Negotiate(3)
	require.NoError(t, err)

	var mapErr *MappingError
	require.ErrorAs(t, p.MapAll(), &mapErr)
	assert.Equal(t, uint32(0), mapErr.Index)
	assert.Zero(t, dev.MapCalls)
}

func TestBufferLifecycle(t *testing.T) {
	p, dev := streamingPool(t, 4)
	assert.Equal(t, 4, p.CountState(Queued))

	idx, err := dev.FillNext([]byte("frame-0"))
	require.NoError(t, err)

	b, err := p.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, idx, b.Index())
	assert.Equal(t, Filled, b.State())
	assert.Equal(t, []byte("frame-0"), b.Bytes())
	assert.Equal(t, 7, b.Len())
	assert.Equal(t, 4096, b.Cap())
	assert.Equal(t, uint32(1), b.Sequence())

	p.lend(b)
	assert.Equal(t, InFlight, b.State())

	require.NoError(t, p.Release(b.Index()))
	assert.Equal(t, Queued, b.State())
	assert.Zero(t, b.Len())
	assert.True(t, dev.Queued(idx))
}

func TestDequeueWouldBlock(t *testing.T) {
	p, _ := streamingPool(t, 2)

	b, err := p.Dequeue()
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.ErrorIs(t, err, core.ErrTransientIO)
	assert.False(t, core.IsFatal(err))
	assert.Equal(t, 2, p.CountState(Queued))
}

func TestDequeueDeviceError(t *testing.T) {
	p, dev := streamingPool(t, 2)
	dev.DequeueErr = syscall.EIO

	_, err := p.Dequeue()
	assert.ErrorIs(t, err, ErrDeviceError)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.True(t, core.IsFatal(err))
}

func TestReleaseViolationsLeaveStateUntouched(t *testing.T) {
	p, dev := streamingPool(t, 2)
	require.NoError(t, dev.Fill(0, []byte("x")))
	b, err := p.Dequeue()
	require.NoError(t, err)
	p.lend(b)
	require.NoError(t, p.Release(0))
	queueCalls := dev.QueueCalls

	t.Run("double release", func(t *testing.T) {
		err := p.Release(0)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.ErrorIs(t, err, core.ErrLogicViolation)
		assert.False(t, core.IsFatal(err))
	})
	t.Run("release without dequeue", func(t *testing.T) {
		assert.ErrorIs(t, p.Release(1), core.ErrLogicViolation)
	})
	t.Run("release out of range", func(t *testing.T) {
		assert.ErrorIs(t, p.Release(7), ErrBadIndex)
	})
	t.Run("enqueue twice", func(t *testing.T) {
		assert.ErrorIs(t, p.Enqueue(1), core.ErrLogicViolation)
	})

	assert.Equal(t, queueCalls, dev.QueueCalls)
	assert.Equal(t, 2, p.CountState(Queued))
}

func TestNoDequeueOfInFlightBuffer(t *testing.T) {
	p, dev := streamingPool(t, 2)
	require.NoError(t, dev.Fill(0, []byte("a")))
	b, err := p.Dequeue()
	require.NoError(t, err)
	p.lend(b)

	// a misbehaving driver hands back a buffer we still lend out
	require.NoError(t, dev.Fill(1, []byte("b")))
	b1, err := p.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), b1.Index())

	require.NoError(t, dev.Queue(0))
	require.NoError(t, dev.Fill(0, []byte("c")))
	_, err = p.Dequeue()
	assert.ErrorIs(t, err, core.ErrLogicViolation)
	assert.Equal(t, InFlight, b.State())
}

func TestReleaseQueueFailureIsFatal(t *testing.T) {
	p, dev := streamingPool(t, 2)
	require.NoError(t, dev.Fill(0, []byte("a")))
	b, err := p.Dequeue()
	require.NoError(t, err)

	dev.QueueErr = syscall.ENODEV
	err = p.Release(b.Index())
	assert.ErrorIs(t, err, ErrDeviceError)
	assert.True(t, core.IsFatal(err))
	assert.Equal(t, Free, b.State())
}

func TestTeardownUnmapsEverythingOnce(t *testing.T) {
	p, dev := streamingPool(t, 4)
	require.NoError(t, dev.Fill(1, []byte("a")))
	b, err := p.Dequeue()
	require.NoError(t, err)
	p.lend(b)

	require.NoError(t, p.Teardown())
	assert.Zero(t, dev.Mapped())
	assert.Equal(t, 4, dev.UnmapCalls)
	assert.Zero(t, p.Count())

	require.NoError(t, p.Teardown())
	assert.Equal(t, 4, dev.UnmapCalls)
}

func TestTeardownNegotiateMapYieldsGrantedCount(t *testing.T) {
	dev := v4l2test.New()
	p := NewBufferPool(dev)

	for _, tc := range []struct{ request, grant uint32 }{{4, 0}, {8, 3}, {1, 0}, {6, 6}} {
		dev.Grant = tc.grant
		granted, err := p.Negotiate(tc.request)
		require.NoError(t, err)
		require.NoError(t, p.MapAll())

		want := tc.request
		if tc.grant != 0 {
			want = tc.grant
		}
		assert.Equal(t, want, granted)
		assert.Equal(t, int(want), p.Count())
		assert.Equal(t, int(want), dev.Mapped())

		require.NoError(t, p.Teardown())
		assert.Zero(t, dev.Mapped())
	}
}

func TestTeardownReportsUnmapErrors(t *testing.T) {
	p, dev := streamingPool(t, 2)
	// unmapping memory the device does not know about fails
	p.buffers[0].mem = make([]byte, 16)

	err := p.Teardown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmap buffer 0")
	assert.Equal(t, 1, dev.Mapped())
	assert.True(t, errors.Is(err, syscall.EINVAL))
}
