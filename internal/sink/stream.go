package sink

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/metrics"
)

// ConnState is the state of the stream connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Draining
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// StreamOptions configures a StreamSink.
type StreamOptions struct {
	// LengthPrefix prepends each frame with its length as a 4-byte
	// big-endian integer. Without it frames are written back to back.
	LengthPrefix bool
	// WriteTimeout bounds a single frame write. Zero means no deadline.
	WriteTimeout time.Duration
	// DetectPeerClose reads from the connection to notice an orderly close
	// by the peer between writes.
	DetectPeerClose bool
}

// StreamSink writes whole frames to a connected stream socket with at most
// one write outstanding. Frames arriving while a write is pending, or while
// there is no connection, are dropped.
type StreamSink struct {
	sched   eventloop.Scheduler
	release Releaser
	opts    StreamOptions

	conn    net.Conn
	gen     uint64
	state   ConnState
	pending *capture.Buffer
	prefix  [4]byte
	peerErr error

	onLost func(error)
	idle   []func()

	frames uint64
	bytes  uint64
}

var _ FrameSink = (*StreamSink)(nil)

// NewStreamSink creates a disconnected stream sink.
func NewStreamSink(sched eventloop.Scheduler, release Releaser, opts StreamOptions) *StreamSink {
	return &StreamSink{sched: sched, release: release, opts: opts}
}

// OnConnectionLost registers the callback run when an attached connection
// fails. It is not called for connections closed by Drain or Close.
func (s *StreamSink) OnConnectionLost(fn func(error)) { s.onLost = fn }

func (s *StreamSink) Mode() core.Mode    { return core.ModeStream }
func (s *StreamSink) State() ConnState   { return s.state }
func (s *StreamSink) Pending() bool      { return s.pending != nil }
func (s *StreamSink) FramesSent() uint64 { return s.frames }
func (s *StreamSink) BytesSent() uint64  { return s.bytes }

// Connecting records that a connection attempt is under way.
func (s *StreamSink) Connecting() {
	if s.state == Disconnected {
		s.setState(Connecting)
	}
}

// Disconnected records that a connection attempt failed.
func (s *StreamSink) Disconnected() {
	if s.state == Connecting {
		s.setState(Disconnected)
	}
}

// Attach hands a freshly connected socket to the sink.
func (s *StreamSink) Attach(conn net.Conn) {
	if s.state == Draining {
		_ = conn.Close()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.gen++
	s.conn = conn
	s.peerErr = nil
	s.setState(Connected)

	if s.opts.DetectPeerClose {
		gen := s.gen
		s.sched.Async(func() error {
			return awaitPeerClose(conn)
		}, func(err error) {
			s.peerClosed(gen, err)
		})
	}
}

// awaitPeerClose discards inbound data until the connection ends.
func awaitPeerClose(conn net.Conn) error {
	_, err := io.Copy(io.Discard, conn)
	if err == nil {
		return io.EOF
	}
	return err
}

func (s *StreamSink) peerClosed(gen uint64, err error) {
	if gen != s.gen || s.state != Connected {
		return
	}
	lost := fmt.Errorf("%w: %v", ErrPeerClosed, err)
	if s.pending != nil {
		// reported when the outstanding write completes
		s.peerErr = lost
		return
	}
	s.lose(lost)
}

// Submit starts an asynchronous write of b.
func (s *StreamSink) Submit(b *capture.Buffer) Result {
	switch {
	case s.state != Connected:
		metrics.FramesDroppedTotal.WithLabelValues(metrics.DropDisconnected).Inc()
		return Dropped
	case s.pending != nil:
		metrics.FramesDroppedTotal.WithLabelValues(metrics.DropBusy).Inc()
		return Dropped
	}

	s.pending = b
	conn, gen := s.conn, s.gen
	payload := b.Bytes()
	var bufs net.Buffers
	if s.opts.LengthPrefix {
		binary.BigEndian.PutUint32(s.prefix[:], uint32(len(payload)))
		bufs = net.Buffers{s.prefix[:], payload}
	} else {
		bufs = net.Buffers{payload}
	}
	timeout := s.opts.WriteTimeout

	s.sched.Async(func() error {
		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}
		_, err := bufs.WriteTo(conn)
		return err
	}, func(err error) {
		s.writeDone(gen, b, len(payload), err)
	})
	return Accepted
}

func (s *StreamSink) writeDone(gen uint64, b *capture.Buffer, n int, err error) {
	s.pending = nil
	s.release(b)

	if err == nil {
		s.frames++
		s.bytes += uint64(n)
		metrics.FramesSentTotal.WithLabelValues(string(core.ModeStream)).Inc()
		metrics.BytesSentTotal.WithLabelValues(string(core.ModeStream)).Add(float64(n))
	}
	if gen == s.gen && s.state == Connected {
		switch {
		case err != nil:
			s.lose(transportError("write", err))
		case s.peerErr != nil:
			s.lose(s.peerErr)
		}
	}

	if s.pending == nil {
		s.notifyIdle()
	}
}

func (s *StreamSink) lose(err error) {
	metrics.TransportFailuresTotal.WithLabelValues(string(core.ModeStream)).Inc()
	log.GetLogger().WithError(err).Warn("stream connection lost")

	s.closeConn()
	s.setState(Disconnected)
	if s.onLost != nil {
		s.onLost(err)
	}
}

func (s *StreamSink) closeConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.peerErr = nil
	s.gen++
}

// Drain stops accepting frames; done runs once the pending write, if any,
// has completed.
func (s *StreamSink) Drain(done func()) {
	s.setState(Draining)
	if s.pending == nil {
		s.closeConn()
		done()
		return
	}
	s.idle = append(s.idle, done)
}

func (s *StreamSink) notifyIdle() {
	if s.state != Draining || len(s.idle) == 0 {
		return
	}
	s.closeConn()
	waiters := s.idle
	s.idle = nil
	for _, fn := range waiters {
		fn()
	}
}

// Close closes the connection without waiting for a pending write.
func (s *StreamSink) Close() error {
	s.setState(Draining)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.gen++
	return err
}

func (s *StreamSink) setState(st ConnState) {
	s.state = st
	metrics.ConnectionState.Set(float64(st))
}
