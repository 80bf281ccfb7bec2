package relay

import (
	"time"

	"firestige.xyz/camrelay/internal/capture"
)

// Status is a point-in-time view of the relay.
type Status struct {
	SessionID       string          `json:"session_id"`
	State           string          `json:"state"`
	Mode            string          `json:"mode"`
	Address         string          `json:"address"`
	Device          string          `json:"device"`
	DeviceState     string          `json:"device_state"`
	Format          *capture.Format `json:"format,omitempty"`
	PixelFormat     string          `json:"pixel_format,omitempty"`
	Connection      string          `json:"connection,omitempty"`
	ConnectAttempts uint64          `json:"connect_attempts,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	FramesCaptured  uint64          `json:"frames_captured"`
	FramesSent      uint64          `json:"frames_sent"`
	FramesDropped   uint64          `json:"frames_dropped"`
	BytesCaptured   uint64          `json:"bytes_captured"`
	BytesSent       uint64          `json:"bytes_sent,omitempty"`
	SegmentsSent    uint64          `json:"segments_sent,omitempty"`
	BuffersInFlight int             `json:"buffers_in_flight"`
	FPS             float64         `json:"fps"`
	StartedAt       time.Time       `json:"started_at,omitempty"`
	Uptime          string          `json:"uptime,omitempty"`
}

// Status reports the current state. Must run on the loop; use Snapshot from
// other goroutines.
func (r *Relay) Status() Status {
	st := Status{
		SessionID:       r.id,
		State:           r.state.String(),
		Mode:            string(r.opts.Mode),
		Address:         r.opts.Address,
		Device:          r.opts.Device.Path,
		DeviceState:     capture.Closed.String(),
		FramesCaptured:  r.stats.frames,
		FramesDropped:   r.dropped,
		BytesCaptured:   r.stats.bytes,
		BuffersInFlight: r.inFlight,
		FPS:             r.stats.fps,
	}
	if r.cause != nil {
		st.LastError = r.cause.Error()
	}
	if r.dev != nil {
		st.DeviceState = r.dev.State().String()
		if f := r.dev.Format(); f.Width > 0 {
			st.Format = &f
			st.PixelFormat = f.PixelFormat.String()
		}
	}
	if r.stream != nil {
		st.FramesSent = r.stream.FramesSent()
		st.BytesSent = r.stream.BytesSent()
		st.Connection = r.stream.State().String()
	}
	if r.sup != nil {
		st.ConnectAttempts = r.sup.Attempts()
		if st.LastError == "" && r.sup.LastError() != nil {
			st.LastError = r.sup.LastError().Error()
		}
	}
	if r.datagram != nil {
		st.FramesSent = r.datagram.FramesSent()
		st.SegmentsSent = r.datagram.SegmentsSent()
	}
	if !r.startedAt.IsZero() {
		st.StartedAt = r.startedAt
		st.Uptime = r.deps.Clock().Sub(r.startedAt).Truncate(time.Millisecond).String()
	}
	return st
}
