package sink

import (
	"encoding/binary"
	"net"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/metrics"
)

// Frame header sent ahead of every datagram frame.
const (
	HeaderMagic = "V4L2"
	HeaderSize  = 8
)

// EncodeHeader writes the frame header for a payload of size bytes.
func EncodeHeader(dst []byte, size uint32) {
	copy(dst[:4], HeaderMagic)
	binary.LittleEndian.PutUint32(dst[4:HeaderSize], size)
}

// PacketWriter is the datagram socket used by DatagramSink.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
}

// DatagramSink sends each frame as a header segment followed by payload
// segments of at most the maximum segment size. Segments go out strictly one
// at a time through a single scratch buffer: the next segment is copied only
// after the previous send completed.
type DatagramSink struct {
	sched   eventloop.Scheduler
	release Releaser
	conn    PacketWriter
	dst     net.Addr
	mss     int
	scratch []byte

	header  [HeaderSize]byte
	cur     *capture.Buffer
	units   [2][]byte
	unit    int
	off     int
	failed  bool
	closing bool

	onFatal func(error)
	idle    []func()

	frames   uint64
	segments uint64
}

var _ FrameSink = (*DatagramSink)(nil)

// NewDatagramSink creates a sink sending to dst over conn.
func NewDatagramSink(sched eventloop.Scheduler, release Releaser, conn PacketWriter, dst net.Addr, maxSegmentSize int) *DatagramSink {
	if maxSegmentSize < 1 {
		maxSegmentSize = 1
	}
	return &DatagramSink{
		sched:   sched,
		release: release,
		conn:    conn,
		dst:     dst,
		mss:     maxSegmentSize,
		scratch: make([]byte, maxSegmentSize),
	}
}

// OnFatal registers the callback run when a send fails. Datagram mode does
// not reconnect, so the owner is expected to shut the relay down.
func (s *DatagramSink) OnFatal(fn func(error)) { s.onFatal = fn }

func (s *DatagramSink) Mode() core.Mode       { return core.ModeDatagram }
func (s *DatagramSink) Busy() bool            { return s.cur != nil }
func (s *DatagramSink) FramesSent() uint64    { return s.frames }
func (s *DatagramSink) SegmentsSent() uint64  { return s.segments }
func (s *DatagramSink) Destination() net.Addr { return s.dst }
func (s *DatagramSink) MaxSegmentSize() int   { return s.mss }

// Submit starts sending b. A frame is dropped while a previous one is still
// being sent.
func (s *DatagramSink) Submit(b *capture.Buffer) Result {
	switch {
	case s.failed || s.closing:
		metrics.FramesDroppedTotal.WithLabelValues(metrics.DropClosed).Inc()
		return Dropped
	case s.cur != nil:
		metrics.FramesDroppedTotal.WithLabelValues(metrics.DropBusy).Inc()
		return Dropped
	}

	payload := b.Bytes()
	EncodeHeader(s.header[:], uint32(len(payload)))
	s.cur = b
	s.units = [2][]byte{s.header[:], payload}
	s.unit, s.off = 0, 0
	s.sendNext()
	return Accepted
}

// sendNext copies the next segment into scratch and sends it.
func (s *DatagramSink) sendNext() {
	for s.unit < len(s.units) && s.off >= len(s.units[s.unit]) {
		s.unit++
		s.off = 0
	}
	if s.unit == len(s.units) {
		s.finish()
		return
	}

	data := s.units[s.unit]
	n := len(data) - s.off
	if n > s.mss {
		n = s.mss
	}
	seg := s.scratch[:n]
	copy(seg, data[s.off:s.off+n])

	conn, dst := s.conn, s.dst
	s.sched.Async(func() error {
		_, err := conn.WriteTo(seg, dst)
		return err
	}, func(err error) {
		if err != nil {
			s.abort(err)
			return
		}
		s.segments++
		metrics.SegmentsSentTotal.Inc()
		s.off += n
		s.sendNext()
	})
}

func (s *DatagramSink) finish() {
	b := s.cur
	n := len(s.units[1])
	s.cur = nil
	s.units = [2][]byte{}
	s.frames++
	metrics.FramesSentTotal.WithLabelValues(string(core.ModeDatagram)).Inc()
	metrics.BytesSentTotal.WithLabelValues(string(core.ModeDatagram)).Add(float64(n))

	s.release(b)
	s.notifyIdle()
}

func (s *DatagramSink) abort(err error) {
	b := s.cur
	s.cur = nil
	s.units = [2][]byte{}
	s.failed = true
	metrics.TransportFailuresTotal.WithLabelValues(string(core.ModeDatagram)).Inc()

	s.release(b)
	s.notifyIdle()

	err = transportError("send", err)
	log.GetLogger().WithError(err).WithField(core.LabelPeerAddr, s.dst.String()).Error("datagram send failed")
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

// Drain stops accepting frames; done runs once the current frame, if any, has
// been sent or aborted.
func (s *DatagramSink) Drain(done func()) {
	s.closing = true
	if s.cur == nil {
		done()
		return
	}
	s.idle = append(s.idle, done)
}

func (s *DatagramSink) notifyIdle() {
	waiters := s.idle
	s.idle = nil
	for _, fn := range waiters {
		fn()
	}
}

// Close closes the socket.
func (s *DatagramSink) Close() error {
	s.closing = true
	return s.conn.Close()
}
