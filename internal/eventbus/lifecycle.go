package eventbus

import (
	"time"

	"firestige.xyz/camrelay/internal/log"
)

// Lifecycle topics.
const (
	TopicSessionStarted   = "session.started"
	TopicSessionStopped   = "session.stopped"
	TopicConnectionUp     = "connection.up"
	TopicConnectionDown   = "connection.down"
	TopicFault            = "fault"
	TopicCaptureStarted   = "capture.started"
	TopicFormatNegotiated = "format.negotiated"
)

// Lifecycle is the payload of every lifecycle event.
type Lifecycle struct {
	SessionID string            `json:"session_id"`
	Device    string            `json:"device,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	Error     string            `json:"error,omitempty"`
	Frames    uint64            `json:"frames,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Emitter publishes lifecycle events keyed by session. A nil *Emitter
// discards everything.
type Emitter struct {
	bus       EventBus
	sessionID string
	device    string
	transport string
}

// NewEmitter binds bus to one relay session.
func NewEmitter(bus EventBus, sessionID, device, transport string) *Emitter {
	return &Emitter{bus: bus, sessionID: sessionID, device: device, transport: transport}
}

// Emit publishes topic with payload fields filled in from the session. A full
// queue drops the event with a warning.
func (e *Emitter) Emit(topic string, p Lifecycle) {
	if e == nil || e.bus == nil {
		return
	}
	p.SessionID = e.sessionID
	if p.Device == "" {
		p.Device = e.device
	}
	if p.Transport == "" {
		p.Transport = e.transport
	}
	ev := &Event{Topic: topic, Key: e.sessionID, Time: time.Now(), Payload: p}
	if err := e.bus.Publish(ev); err != nil {
		log.GetLogger().WithError(err).Warnf("drop %s event", topic)
	}
}
