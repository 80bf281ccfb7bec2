// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesCapturedTotal counts frames dequeued from the device
	FramesCapturedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camrelay_frames_captured_total",
			Help: "Total number of frames dequeued from the capture device",
		},
	)

	// FramesDroppedTotal counts frames released without being sent
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_frames_dropped_total",
			Help: "Total number of frames dropped before transmission",
		},
		[]string{"reason"},
	)

	// FramesSentTotal counts frames fully handed to the transport
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_frames_sent_total",
			Help: "Total number of frames transmitted",
		},
		[]string{"mode"},
	)

	// BytesSentTotal counts payload bytes transmitted, headers excluded
	BytesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_bytes_sent_total",
			Help: "Total number of frame payload bytes transmitted",
		},
		[]string{"mode"},
	)

	// SegmentsSentTotal counts datagrams sent, header segments included
	SegmentsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camrelay_datagram_segments_sent_total",
			Help: "Total number of datagram segments sent",
		},
	)

	// TransportFailuresTotal counts failed writes, sends and peer closes
	TransportFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_transport_failures_total",
			Help: "Total number of transport failures",
		},
		[]string{"mode"},
	)

	// ConnectAttemptsTotal counts stream connection attempts by outcome
	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_connect_attempts_total",
			Help: "Total number of stream connection attempts",
		},
		[]string{"result"},
	)

	// ConnectionState tracks the stream connection state
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camrelay_connection_state",
			Help: "Stream connection state (0=disconnected, 1=connecting, 2=connected, 3=draining)",
		},
	)

	// CaptureFPS is the frame rate measured over the last stats interval
	CaptureFPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camrelay_capture_fps",
			Help: "Measured capture frame rate",
		},
	)

	// BuffersInFlight tracks buffers currently lent to the sink
	BuffersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camrelay_buffers_in_flight",
			Help: "Number of capture buffers currently borrowed by the sink",
		},
	)

	// DeviceFaultsTotal counts fatal device errors
	DeviceFaultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camrelay_device_faults_total",
			Help: "Total number of fatal capture device errors",
		},
	)
)

// Drop reasons.
const (
	DropBusy         = "busy"
	DropDisconnected = "disconnected"
	DropClosed       = "closed"
)

// Connect attempt results.
const (
	ConnectSuccess = "success"
	ConnectFailure = "failure"
)
