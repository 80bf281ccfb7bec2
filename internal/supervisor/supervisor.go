// Package supervisor keeps the stream transport connected.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/metrics"
)

// DefaultBackoff is the delay between connection attempts.
const DefaultBackoff = time.Second

// State is the supervisor's view of the connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Dialer opens the outgoing connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Link is the stream sink side of the connection.
type Link interface {
	Connecting()
	Disconnected()
	Attach(conn net.Conn)
}

// Capture is the device side: started on the first successful connect.
type Capture interface {
	Streaming() bool
	Start() error
}

// Options configures a Supervisor.
type Options struct {
	Network     string // defaults to "tcp"
	Address     string
	Backoff     time.Duration
	DialTimeout time.Duration
}

// Supervisor drives Disconnected → Connecting → Connected with unbounded,
// fixed-delay retries. All methods run on the event loop.
type Supervisor struct {
	sched   eventloop.Scheduler
	dialer  Dialer
	link    Link
	capture Capture
	opts    Options

	state    State
	timer    eventloop.Timer
	cancel   context.CancelFunc
	attempt  uint64
	lastErr  error
	upSince  time.Time
	onUp     func(net.Addr)
	onDown   func(error)
	onFailed func(error)
}

// New creates a supervisor in the Disconnected state. Nothing happens until
// Start.
func New(sched eventloop.Scheduler, dialer Dialer, link Link, capture Capture, opts Options) *Supervisor {
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Supervisor{
		sched:   sched,
		dialer:  dialer,
		link:    link,
		capture: capture,
		opts:    opts,
	}
}

// OnConnected registers a callback for every established connection.
func (s *Supervisor) OnConnected(fn func(remote net.Addr)) { s.onUp = fn }

// OnDisconnected registers a callback for every lost connection.
func (s *Supervisor) OnDisconnected(fn func(error)) { s.onDown = fn }

// OnCaptureFailed registers the callback run when capture cannot be started
// after a connect. The supervisor stops itself first.
func (s *Supervisor) OnCaptureFailed(fn func(error)) { s.onFailed = fn }

func (s *Supervisor) State() State     { return s.state }
func (s *Supervisor) Attempts() uint64 { return s.attempt }
func (s *Supervisor) LastError() error { return s.lastErr }
func (s *Supervisor) Address() string  { return s.opts.Address }

// ConnectedSince returns when the current connection was made, or the zero
// time when not connected.
func (s *Supervisor) ConnectedSince() time.Time {
	if s.state != Connected {
		return time.Time{}
	}
	return s.upSince
}

// Start makes the first connection attempt immediately.
func (s *Supervisor) Start() {
	if s.state != Disconnected || s.timer != nil || s.cancel != nil {
		return
	}
	s.connect()
}

func (s *Supervisor) connect() {
	s.timer = nil
	s.state = Connecting
	s.attempt++
	s.link.Connecting()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.opts.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.opts.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.cancel = cancel

	log.GetLogger().WithFields(map[string]interface{}{
		core.LabelPeerAddr: s.opts.Address,
		"attempt":          s.attempt,
	}).Debug("connecting")

	attempt := s.attempt
	dialer, network, address := s.dialer, s.opts.Network, s.opts.Address
	var conn net.Conn
	s.sched.Async(func() error {
		var err error
		conn, err = dialer.DialContext(ctx, network, address)
		return err
	}, func(err error) {
		cancel()
		s.dialed(attempt, conn, err)
	})
}

func (s *Supervisor) dialed(attempt uint64, conn net.Conn, err error) {
	if s.state != Connecting || attempt != s.attempt {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s.cancel = nil

	if err != nil {
		metrics.ConnectAttemptsTotal.WithLabelValues(metrics.ConnectFailure).Inc()
		s.lastErr = fmt.Errorf("%w: connect %s: %w", core.ErrTransportFailure, s.opts.Address, err)
		log.GetLogger().WithError(err).WithField(core.LabelPeerAddr, s.opts.Address).
			Warnf("connect failed, retrying in %s", s.opts.Backoff)
		s.link.Disconnected()
		s.disconnected()
		return
	}

	metrics.ConnectAttemptsTotal.WithLabelValues(metrics.ConnectSuccess).Inc()
	s.state = Connected
	s.lastErr = nil
	s.upSince = time.Now()
	s.link.Attach(conn)
	log.GetLogger().WithField(core.LabelPeerAddr, conn.RemoteAddr().String()).Info("connected")
	if s.onUp != nil {
		s.onUp(conn.RemoteAddr())
	}

	if !s.capture.Streaming() {
		if err := s.capture.Start(); err != nil {
			s.Shutdown()
			if s.onFailed != nil {
				s.onFailed(err)
			}
		}
	}
}

// ConnectionLost is called by the sink when an established connection fails.
func (s *Supervisor) ConnectionLost(err error) {
	if s.state != Connected {
		return
	}
	s.lastErr = err
	if s.onDown != nil {
		s.onDown(err)
	}
	s.disconnected()
}

func (s *Supervisor) disconnected() {
	s.state = Disconnected
	s.timer = s.sched.AfterFunc(s.opts.Backoff, func() {
		if s.state == Disconnected {
			s.connect()
		}
	})
}

// Shutdown cancels the pending timer or dial and suppresses further
// attempts. An established connection is left to the sink.
func (s *Supervisor) Shutdown() {
	if s.state == Stopped {
		return
	}
	s.state = Stopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
