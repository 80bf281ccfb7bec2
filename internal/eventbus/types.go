package eventbus

import (
	"time"
)

// Event is one message on the bus.
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"` // partition key, events with the same key stay ordered
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Handler processes an event on its partition goroutine.
type Handler func(event *Event) error

// TopicAll subscribes a handler to every topic.
const TopicAll = "*"

type partition struct {
	id    int
	queue chan *Event
}
