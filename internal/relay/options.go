package relay

import (
	"net"
	"time"

	"firestige.xyz/camrelay/internal/capture"
	"firestige.xyz/camrelay/internal/config"
	"firestige.xyz/camrelay/internal/core"
	"firestige.xyz/camrelay/internal/eventbus"
	"firestige.xyz/camrelay/internal/sink"
	"firestige.xyz/camrelay/internal/supervisor"
	"firestige.xyz/camrelay/internal/v4l2"
)

// Options is the relay configuration in runtime form.
type Options struct {
	Device        capture.Options
	Mode          core.Mode
	Address       string
	Stream        StreamOptions
	Datagram      DatagramOptions
	StatsInterval time.Duration
}

// StreamOptions configures stream mode.
type StreamOptions struct {
	Backoff         time.Duration
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	LengthPrefix    bool
	DetectPeerClose bool
}

// DatagramOptions configures datagram mode.
type DatagramOptions struct {
	MaxSegmentSize int
	TTL            int
	Loopback       bool
	Interface      string
	JoinGroup      bool
}

// OptionsFromConfig converts a validated configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	d, t := cfg.Device, cfg.Transport
	return Options{
		Device: capture.Options{
			Path:        d.Path,
			Width:       uint32(d.Width),
			Height:      uint32(d.Height),
			PixelFormat: d.FourCC(),
			FrameRate:   uint32(d.FrameRate),
			BufferCount: uint32(d.BufferCount),
		},
		Mode:    core.Mode(t.Mode),
		Address: t.Address(),
		Stream: StreamOptions{
			Backoff:         t.Stream.ReconnectBackoff(),
			DialTimeout:     t.Stream.DialTimeoutDuration(),
			WriteTimeout:    t.Stream.WriteTimeoutDuration(),
			LengthPrefix:    t.Stream.Framing == config.FramingLengthPrefix,
			DetectPeerClose: true,
		},
		Datagram: DatagramOptions{
			MaxSegmentSize: t.Datagram.MaxSegmentSize,
			TTL:            t.Datagram.MulticastTTL,
			Loopback:       t.Datagram.MulticastLoopback,
			Interface:      t.Datagram.Interface,
			JoinGroup:      t.Datagram.JoinGroup,
		},
		StatsInterval: cfg.Stats.IntervalDuration(),
	}
}

// PacketOpener opens the datagram socket for a destination.
type PacketOpener func(opts sink.ChannelOptions) (sink.PacketWriter, net.Addr, error)

// Deps are the relay's collaborators. Zero fields get production defaults.
type Deps struct {
	Opener      v4l2.Opener
	Dialer      supervisor.Dialer
	OpenPackets PacketOpener
	Events      eventbus.EventBus
	Clock       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Opener == nil {
		d.Opener = v4l2.Open
	}
	if d.Dialer == nil {
		d.Dialer = &net.Dialer{KeepAlive: 15 * time.Second}
	}
	if d.OpenPackets == nil {
		d.OpenPackets = openChannel
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

func openChannel(opts sink.ChannelOptions) (sink.PacketWriter, net.Addr, error) {
	ch, err := sink.OpenChannel(opts)
	if err != nil {
		return nil, nil, err
	}
	return ch, ch.Destination(), nil
}

var _ supervisor.Dialer = (*net.Dialer)(nil)
