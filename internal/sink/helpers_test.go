package sink

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventloop/looptest"
	"firestige.xyz/camrelay/internal/v4l2/v4l2test"
)

// frameSource produces real capture buffers backed by the fake device.
type frameSource struct {
	loop *looptest.Loop
	fake *v4l2test.Device
	dev  *capture.Device
	got  *capture.Buffer
}

func newFrameSource(t *testing.T, bufLen uint32) *frameSource {
	t.Helper()
	fs := &frameSource{loop: looptest.New(), fake: v4l2test.New()}
	fs.fake.BufferLength = bufLen
	fs.dev = capture.NewDevice(fs.loop, fs.fake.Opener("/dev/video0"))
	fs.dev.OnFrame(func(b *capture.Buffer) { fs.got = b })
	require.NoError(t, fs.dev.Open(capture.Options{
		Path:        "/dev/video0",
		Width:       640,
		Height:      480,
		PixelFormat: core.PixelFormatH264,
		BufferCount: 4,
	}))
	require.NoError(t, fs.dev.Start())
	return fs
}

func (fs *frameSource) next(t *testing.T, data []byte) *capture.Buffer {
	t.Helper()
	_, err := fs.fake.FillNext(data)
	require.NoError(t, err)
	fs.got = nil
	fs.loop.Signal(fs.fake.Fd())
	require.NotNil(t, fs.got)
	return fs.got
}

func (fs *frameSource) release(b *capture.Buffer) { fs.dev.Release(b) }

// recordingConn is a net.Conn that records writes.
type recordingConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	deadline time.Time
	closed   bool
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(p)
}

func (c *recordingConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *recordingConn) LocalAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (c *recordingConn) RemoteAddr() net.Addr            { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8000} }
func (c *recordingConn) SetDeadline(t time.Time) error   { return c.SetWriteDeadline(t) }
func (c *recordingConn) SetReadDeadline(time.Time) error { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// packetRecorder is a PacketWriter that copies every datagram.
type packetRecorder struct {
	segments [][]byte
	scratch  []*byte
	failAt   int // 1-based segment that fails, 0 = never
	attempts int
	closed   bool
}

var errSendFailed = errors.New("sendto: network is unreachable")

func (w *packetRecorder) WriteTo(p []byte, _ net.Addr) (int, error) {
	w.attempts++
	if w.failAt != 0 && w.attempts == w.failAt {
		return 0, errSendFailed
	}
	if len(p) > 0 {
		w.scratch = append(w.scratch, &p[0])
	}
	w.segments = append(w.segments, append([]byte(nil), p...))
	return len(p), nil
}

func (w *packetRecorder) Close() error {
	w.closed = true
	return nil
}

func (w *packetRecorder) payload() []byte {
	var out []byte
	for _, s := range w.segments[1:] {
		out = append(out, s...)
	}
	return out
}
