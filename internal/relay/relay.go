// Package relay wires a capture device to a frame sink and runs the session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventbus"
	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/metrics"
	"firestige.xyz/camrelay/internal/sink"
	"firestige.xyz/camrelay/internal/supervisor"
)

// State is the session state.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Relay is one capture session. Every method except Snapshot, RequestShutdown,
// Done and Err must be called on the event loop.
type Relay struct {
	reactor eventloop.Reactor
	opts    Options
	deps    Deps
	id      string
	events  *eventbus.Emitter
	logger  log.Logger

	state    State
	dev      *capture.Device
	sink     sink.FrameSink
	stream   *sink.StreamSink
	datagram *sink.DatagramSink
	sup      *supervisor.Supervisor

	stats     *frameStats
	inFlight  int
	dropped   uint64
	startedAt time.Time
	cause     error

	onStopped func(error)
	final     Status
	done      chan struct{}
}

// New creates an idle relay on reactor.
func New(reactor eventloop.Reactor, opts Options, deps Deps) *Relay {
	deps = deps.withDefaults()
	id := uuid.NewString()
	r := &Relay{
		reactor: reactor,
		opts:    opts,
		deps:    deps,
		id:      id,
		logger:  log.GetLogger().WithField(core.LabelSessionID, id),
		done:    make(chan struct{}),
	}
	if deps.Events != nil {
		r.events = eventbus.NewEmitter(deps.Events, id, opts.Device.Path, string(opts.Mode))
	}
	r.stats = newFrameStats(reactor, opts.StatsInterval, deps.Clock, r.logger)
	return r
}

// SessionID identifies this run in logs and events.
func (r *Relay) SessionID() string { return r.id }

func (r *Relay) State() State { return r.state }

// OnStopped registers the callback run on the loop after the session has
// shut down, with the error that ended it or nil for a requested stop.
func (r *Relay) OnStopped(fn func(cause error)) { r.onStopped = fn }

// Done is closed when the session has stopped. Safe from any goroutine.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Err returns the error that ended the session. Valid once Done is closed.
func (r *Relay) Err() error {
	select {
	case <-r.done:
		return r.cause
	default:
		return nil
	}
}

// Start opens and negotiates the device, prepares the sink and starts
// delivery. Negotiation and capability errors are returned and leave the
// relay stopped.
func (r *Relay) Start() error {
	switch r.state {
	case Idle:
	case Stopped:
		return fmt.Errorf("%w: session %s cannot be restarted", core.ErrRelayStopped, r.id)
	default:
		return fmt.Errorf("relay already %s", r.state)
	}

	r.dev = capture.NewDevice(r.reactor, r.deps.Opener)
	r.dev.OnFrame(r.onFrame)
	r.dev.OnFault(r.onFault)
	if err := r.dev.Open(r.opts.Device); err != nil {
		return r.abortStart(err)
	}

	format := r.dev.Format()
	r.events.Emit(eventbus.TopicFormatNegotiated, eventbus.Lifecycle{Details: map[string]string{
		"driver":         format.Driver,
		"card":           format.Card,
		"width":          fmt.Sprint(format.Width),
		"height":         fmt.Sprint(format.Height),
		"pixel_format":   format.PixelFormat.String(),
		"bytes_per_line": fmt.Sprint(format.BytesPerLine),
		"size_image":     fmt.Sprint(format.SizeImage),
		"frame_rate":     fmt.Sprintf("%.2f", format.FrameRate),
	}})

	switch r.opts.Mode {
	case core.ModeDatagram:
		if err := r.startDatagram(); err != nil {
			return r.abortStart(err)
		}
	default:
		r.startStream()
	}

	r.state = Running
	r.startedAt = r.deps.Clock()
	r.stats.start()
	r.events.Emit(eventbus.TopicSessionStarted, eventbus.Lifecycle{Peer: r.opts.Address})
	r.logger.WithFields(map[string]interface{}{
		core.LabelDevicePath:  r.opts.Device.Path,
		core.LabelTransport:   string(r.opts.Mode),
		core.LabelPeerAddr:    r.opts.Address,
		core.LabelPixelFormat: format.PixelFormat.String(),
	}).Info("relay started")
	return nil
}

func (r *Relay) abortStart(err error) error {
	if r.sink != nil {
		_ = r.sink.Close()
	}
	_ = r.dev.Stop()
	r.cause = err
	r.finish()
	return err
}

func (r *Relay) startStream() {
	r.stream = sink.NewStreamSink(r.reactor, r.release, sink.StreamOptions{
		LengthPrefix:    r.opts.Stream.LengthPrefix,
		WriteTimeout:    r.opts.Stream.WriteTimeout,
		DetectPeerClose: r.opts.Stream.DetectPeerClose,
	})
	r.sink = r.stream

	r.sup = supervisor.New(r.reactor, r.deps.Dialer, r.stream, r.dev, supervisor.Options{
		Address:     r.opts.Address,
		Backoff:     r.opts.Stream.Backoff,
		DialTimeout: r.opts.Stream.DialTimeout,
	})
	r.sup.OnConnected(func(remote net.Addr) {
		r.events.Emit(eventbus.TopicConnectionUp, eventbus.Lifecycle{Peer: remote.String()})
	})
	r.stream.OnConnectionLost(func(err error) {
		r.events.Emit(eventbus.TopicConnectionDown, eventbus.Lifecycle{Peer: r.opts.Address, Error: err.Error()})
		r.sup.ConnectionLost(err)
	})
	r.sup.OnCaptureFailed(r.fail)
	r.sup.Start()
}

func (r *Relay) startDatagram() error {
	pw, dst, err := r.deps.OpenPackets(sink.ChannelOptions{
		Address:   r.opts.Address,
		TTL:       r.opts.Datagram.TTL,
		Loopback:  r.opts.Datagram.Loopback,
		Interface: r.opts.Datagram.Interface,
		JoinGroup: r.opts.Datagram.JoinGroup,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransportFailure, err)
	}
	r.datagram = sink.NewDatagramSink(r.reactor, r.release, pw, dst, r.opts.Datagram.MaxSegmentSize)
	r.datagram.OnFatal(r.fail)
	r.sink = r.datagram

	return r.dev.Start()
}

func (r *Relay) onFrame(b *capture.Buffer) {
	metrics.FramesCapturedTotal.Inc()
	if r.dev.Frames() == 1 {
		r.events.Emit(eventbus.TopicCaptureStarted, eventbus.Lifecycle{})
	}
	r.stats.add(b.Len())
	r.inFlight++
	metrics.BuffersInFlight.Set(float64(r.inFlight))

	if r.sink == nil || r.sink.Submit(b) == sink.Dropped {
		r.dropped++
		r.release(b)
	}
}

// release hands a buffer back to the device, for the sinks and for frames
// they dropped.
func (r *Relay) release(b *capture.Buffer) {
	r.inFlight--
	metrics.BuffersInFlight.Set(float64(r.inFlight))
	r.dev.Release(b)
}

func (r *Relay) onFault(err error) {
	metrics.DeviceFaultsTotal.Inc()
	r.events.Emit(eventbus.TopicFault, eventbus.Lifecycle{Error: err.Error()})
	r.fail(err)
}

// fail ends the session because of err. Only the first error is kept.
func (r *Relay) fail(err error) {
	if r.cause == nil {
		r.cause = err
	}
	if r.state == Running {
		r.logger.WithError(err).Error("relay failed, shutting down")
	}
	r.Shutdown()
}

// Shutdown stops reconnecting, waits until the sink no longer reads device
// memory, then stops the device exactly once.
func (r *Relay) Shutdown() {
	switch r.state {
	case Idle:
		r.finish()
		return
	case Running:
	default:
		return
	}
	r.state = Stopping
	r.logger.Info("relay stopping")
	r.stats.stop()
	if r.sup != nil {
		r.sup.Shutdown()
	}
	r.sink.Drain(r.drained)
}

func (r *Relay) drained() {
	var errs []error
	if err := r.dev.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := r.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.WithError(err).Warn("relay teardown")
	}
	r.finish()
}

// Abort closes the sink without waiting, which unblocks a write stuck on the
// network. The drain then completes through the failed write.
func (r *Relay) Abort() {
	if r.state != Stopping || r.sink == nil {
		return
	}
	r.logger.Warn("aborting pending transmission")
	_ = r.sink.Close()
}

func (r *Relay) finish() {
	if r.state == Stopped {
		return
	}
	r.state = Stopped
	r.inFlight = 0
	metrics.BuffersInFlight.Set(0)

	r.final = r.Status()
	p := eventbus.Lifecycle{Frames: r.final.FramesCaptured, Uptime: r.final.Uptime}
	if r.cause != nil {
		p.Error = r.cause.Error()
	}
	r.events.Emit(eventbus.TopicSessionStopped, p)
	r.logger.WithField("frames", r.final.FramesCaptured).Info("relay stopped")

	close(r.done)
	if r.onStopped != nil {
		r.onStopped(r.cause)
	}
}

// RequestShutdown asks the loop to shut the relay down. Safe from any
// goroutine.
func (r *Relay) RequestShutdown() { r.reactor.Post(r.Shutdown) }

// Snapshot returns the relay status from any goroutine. After the relay has
// stopped it returns the final status.
func (r *Relay) Snapshot(ctx context.Context) (Status, error) {
	select {
	case <-r.done:
		return r.final, nil
	default:
	}

	ch := make(chan Status, 1)
	r.reactor.Post(func() { ch <- r.Status() })
	select {
	case st := <-ch:
		return st, nil
	case <-r.done:
		return r.final, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}
