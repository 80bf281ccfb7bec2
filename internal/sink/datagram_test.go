package sink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/core"
)

var testDst = &net.UDPAddr{IP: net.IPv4(225, 0, 0, 37), Port: 8000}

func newDatagram(t *testing.T, bufLen uint32, mss int) (*DatagramSink, *packetRecorder, *frameSource) {
	t.Helper()
	fs := newFrameSource(t, bufLen)
	w := &packetRecorder{}
	return NewDatagramSink(fs.loop, fs.release, w, testDst, mss), w, fs
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestEncodeHeader(t *testing.T) {
	var h [HeaderSize]byte
	EncodeHeader(h[:], 1500000)
	assert.Equal(t, []byte("V4L2"), h[:4])
	assert.Equal(t, uint32(1500000), binary.LittleEndian.Uint32(h[4:]))
	assert.Equal(t, []byte{'V', '4', 'L', '2', 0x60, 0xe3, 0x16, 0x00}, h[:])
}

func TestDatagramLargeFrame(t *testing.T) {
	s, w, fs := newDatagram(t, 1536*1024, 1400)
	frame := pattern(1500000)
	b := fs.next(t, frame)

	require.Equal(t, Accepted, s.Submit(b))
	fs.loop.Drain()

	require.Len(t, w.segments, 1+1071+1)
	assert.Equal(t, HeaderSize, len(w.segments[0]))
	assert.Equal(t, []byte("V4L2"), w.segments[0][:4])
	assert.Equal(t, uint32(1500000), binary.LittleEndian.Uint32(w.segments[0][4:]))
	for i := 1; i <= 1071; i++ {
		require.Len(t, w.segments[i], 1400, "segment %d", i)
	}
	assert.Len(t, w.segments[1072], 600)
	assert.True(t, bytes.Equal(frame, w.payload()))

	assert.Equal(t, capture.Queued, b.State())
	assert.False(t, s.Busy())
	assert.Equal(t, uint64(1), s.FramesSent())
	assert.Equal(t, uint64(1073), s.SegmentsSent())
}

func TestDatagramSegmentation(t *testing.T) {
	cases := []struct {
		size, mss int
	}{
		{0, 1400},
		{1, 1400},
		{1400, 1400},
		{2800, 1400},
		{2801, 1400},
		{100, 4},
		{7, 3},
		{4096, 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("P=%d,M=%d", tc.size, tc.mss), func(t *testing.T) {
			s, w, fs := newDatagram(t, 4096, tc.mss)
			frame := pattern(tc.size)
			require.Equal(t, Accepted, s.Submit(fs.next(t, frame)))
			fs.loop.Drain()

			headerSegs := (HeaderSize + tc.mss - 1) / tc.mss
			payloadSegs := (tc.size + tc.mss - 1) / tc.mss
			require.Len(t, w.segments, headerSegs+payloadSegs)

			var header []byte
			for _, seg := range w.segments[:headerSegs] {
				header = append(header, seg...)
			}
			assert.Equal(t, uint32(tc.size), binary.LittleEndian.Uint32(header[4:]))

			var payload []byte
			for i, seg := range w.segments[headerSegs:] {
				assert.LessOrEqual(t, len(seg), tc.mss)
				if i < payloadSegs-1 {
					assert.Len(t, seg, tc.mss)
				}
				payload = append(payload, seg...)
			}
			assert.True(t, bytes.Equal(frame, payload))
		})
	}
}

func TestDatagramHeaderSplitAcrossSegments(t *testing.T) {
	s, w, fs := newDatagram(t, 4096, 4)
	require.Equal(t, Accepted, s.Submit(fs.next(t, []byte("abcdef"))))
	fs.loop.Drain()

	require.Len(t, w.segments, 4)
	assert.Equal(t, []byte("V4L2"), w.segments[0])
	assert.Equal(t, []byte{6, 0, 0, 0}, w.segments[1])
	assert.Equal(t, []byte("abcd"), w.segments[2])
	assert.Equal(t, []byte("ef"), w.segments[3])
}

func TestDatagramSegmentsAreSequential(t *testing.T) {
	s, w, fs := newDatagram(t, 4096, 1000)
	fs.loop.ManualAsync = true
	b := fs.next(t, pattern(2500))

	require.Equal(t, Accepted, s.Submit(b))
	for i := 0; i < 4; i++ {
		ops := fs.loop.Pending()
		require.Len(t, ops, 1, "only one segment in flight at step %d", i)
		require.NoError(t, ops[0].Complete())
	}
	assert.Empty(t, fs.loop.Pending())
	assert.Len(t, w.segments, 4)
	assert.Equal(t, capture.Queued, b.State())

	// every segment went out of the same scratch memory
	for _, p := range w.scratch[1:] {
		assert.Same(t, w.scratch[0], p)
	}
}

func TestDatagramDropsWhileBusy(t *testing.T) {
	s, _, fs := newDatagram(t, 4096, 1000)
	fs.loop.ManualAsync = true
	first := fs.next(t, pattern(10))
	second := fs.next(t, pattern(10))

	require.Equal(t, Accepted, s.Submit(first))
	assert.True(t, s.Busy())
	assert.Equal(t, Dropped, s.Submit(second))
	assert.Equal(t, capture.InFlight, second.State())

	assert.Equal(t, 2, fs.loop.CompleteAll())
	assert.False(t, s.Busy())
	assert.Equal(t, capture.Queued, first.State())
}

func TestDatagramSendFailureIsFatal(t *testing.T) {
	s, w, fs := newDatagram(t, 4096, 1000)
	w.failAt = 2
	var fatal error
	s.OnFatal(func(err error) { fatal = err })

	b := fs.next(t, pattern(3000))
	require.Equal(t, Accepted, s.Submit(b))
	fs.loop.Drain()

	require.Error(t, fatal)
	assert.ErrorIs(t, fatal, core.ErrTransportFailure)
	assert.ErrorIs(t, fatal, errSendFailed)
	assert.Equal(t, 2, w.attempts, "no segments after the failed one")
	assert.Len(t, w.segments, 1)
	assert.Equal(t, capture.Queued, b.State())
	assert.False(t, s.Busy())

	assert.Equal(t, Dropped, s.Submit(fs.next(t, pattern(10))))
}

func TestDatagramDrain(t *testing.T) {
	s, w, fs := newDatagram(t, 4096, 1000)
	fs.loop.ManualAsync = true
	b := fs.next(t, pattern(1500))
	require.Equal(t, Accepted, s.Submit(b))

	drained := false
	s.Drain(func() { drained = true })
	assert.False(t, drained)

	fs.loop.CompleteAll()
	assert.True(t, drained)
	assert.Len(t, w.segments, 3, "the frame in flight is finished")
	assert.Equal(t, capture.Queued, b.State())

	assert.Equal(t, Dropped, s.Submit(fs.next(t, pattern(10))))
	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestDatagramDrainWhenIdle(t *testing.T) {
	s, _, _ := newDatagram(t, 4096, 1000)
	drained := false
	s.Drain(func() { drained = true })
	assert.True(t, drained)
}
