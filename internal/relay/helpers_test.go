package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventbus"
	"firestige.xyz/camrelay/internal/eventloop/looptest"
	"firestige.xyz/camrelay/internal/sink"
	"firestige.xyz/camrelay/internal/v4l2/v4l2test"
)

const devicePath = "/dev/video0"

// memConn is a net.Conn whose writes never block.
type memConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	closed bool
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	return c.buf.Write(p)
}

func (c *memConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *memConn) LocalAddr() net.Addr              { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (c *memConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8000} }
func (c *memConn) SetDeadline(time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

// dialer fails the first failures attempts and then returns memConns.
type dialer struct {
	failures int
	attempts int
	conns    []*memConn
}

func (d *dialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	d.attempts++
	if d.attempts <= d.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errRefused}
	}
	c := &memConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

var errRefused = syscall.ECONNREFUSED

// packets records datagrams.
type packets struct {
	segments [][]byte
	failAt   int
	sent     int
	closed   bool
}

func (p *packets) WriteTo(b []byte, _ net.Addr) (int, error) {
	p.sent++
	if p.failAt != 0 && p.sent == p.failAt {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errRefused}
	}
	p.segments = append(p.segments, append([]byte(nil), b...))
	return len(b), nil
}

func (p *packets) Close() error {
	p.closed = true
	return nil
}

type harness struct {
	loop    *looptest.Loop
	fake    *v4l2test.Device
	dialer  *dialer
	packets *packets
	bus     *eventbus.InMemoryEventBus
	events  *eventLog
	relay   *Relay
}

type eventLog struct {
	mu     sync.Mutex
	topics []string
	last   map[string]eventbus.Lifecycle
}

func (l *eventLog) handle(ev *eventbus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topics = append(l.topics, ev.Topic)
	l.last[ev.Topic] = ev.Payload.(eventbus.Lifecycle)
	return nil
}

func streamOptions() Options {
	return Options{
		Device: capture.Options{
			Path:        devicePath,
			Width:       1280,
			Height:      720,
			PixelFormat: core.PixelFormatH264,
			FrameRate:   30,
			BufferCount: 4,
		},
		Mode:          core.ModeStream,
		Address:       "127.0.0.1:8000",
		Stream:        StreamOptions{Backoff: time.Second},
		StatsInterval: time.Second,
	}
}

func datagramOptions(mss int) Options {
	o := streamOptions()
	o.Mode = core.ModeDatagram
	o.Address = "225.0.0.37:8000"
	o.Datagram = DatagramOptions{MaxSegmentSize: mss, TTL: 1, Loopback: true}
	return o
}

func newHarness(t *testing.T, opts Options, bufLen uint32) *harness {
	t.Helper()
	h := &harness{
		loop:    looptest.New(),
		fake:    v4l2test.New(),
		dialer:  &dialer{},
		packets: &packets{},
		bus:     eventbus.NewInMemoryEventBus(1, 64),
		events:  &eventLog{last: make(map[string]eventbus.Lifecycle)},
	}
	h.fake.BufferLength = bufLen
	require.NoError(t, h.bus.Subscribe(eventbus.TopicAll, h.events.handle))
	t.Cleanup(func() { _ = h.bus.Close() })

	h.relay = New(h.loop, opts, Deps{
		Opener: h.fake.Opener(devicePath),
		Dialer: h.dialer,
		OpenPackets: func(o sink.ChannelOptions) (sink.PacketWriter, net.Addr, error) {
			dst, err := net.ResolveUDPAddr("udp4", o.Address)
			if err != nil {
				return nil, nil, err
			}
			return h.packets, dst, nil
		},
		Events: h.bus,
		Clock:  h.loop.Now,
	})
	return h
}

// frame fills the next queued buffer and lets the device deliver it.
func (h *harness) frame(t *testing.T, data []byte) {
	t.Helper()
	_, err := h.fake.FillNext(data)
	require.NoError(t, err)
	require.True(t, h.loop.Signal(h.fake.Fd()))
}

// topics closes the bus and returns the published topics in order.
func (h *harness) topics(t *testing.T) []string {
	t.Helper()
	require.NoError(t, h.bus.Close())
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	return append([]string(nil), h.events.topics...)
}
