// Package eventbus is an in-process, partitioned publish/subscribe bus for
// relay lifecycle events.
package eventbus

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialx/hashring"

	"firestige.xyz/camrelay/internal/log"
)

var (
	ErrClosed    = errors.New("eventbus: closed")
	ErrQueueFull = errors.New("eventbus: partition queue full")
)

// EventBus is the bus interface used by publishers.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Close() error
	GetStats() *Stats
}

// Stats is a point-in-time view of the bus counters.
type Stats struct {
	PublishedCount int64 `json:"published"`
	ProcessedCount int64 `json:"processed"`
	FailedCount    int64 `json:"failed"`
	PartitionCount int   `json:"partitions"`
	QueuedCount    []int `json:"queued"`
}

// InMemoryEventBus spreads events over partitions by consistent hashing of the
// event key. Each partition is drained by its own goroutine, so events sharing
// a key are handled in publish order.
type InMemoryEventBus struct {
	partitions     []*partition
	partitionNodes []string
	hashRing       *hashring.HashRing
	subscribers    map[string][]Handler
	mu             sync.RWMutex
	closed         bool
	wg             sync.WaitGroup

	publishedCount int64
	processedCount int64
	failedCount    int64
}

// NewInMemoryEventBus starts partitionCount partition workers, each with a
// queue of queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int) *InMemoryEventBus {
	if partitionCount < 1 {
		partitionCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	bus := &InMemoryEventBus{
		partitions:     make([]*partition, partitionCount),
		partitionNodes: make([]string, partitionCount),
		subscribers:    make(map[string][]Handler),
	}

	for i := 0; i < partitionCount; i++ {
		bus.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	bus.hashRing = hashring.New(bus.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		bus.partitions[i] = &partition{id: i, queue: make(chan *Event, queueSize)}
		bus.wg.Add(1)
		go bus.runPartition(bus.partitions[i])
	}
	return bus
}

// Publish queues event without blocking. It fails when the partition queue is
// full or the bus is closed.
func (b *InMemoryEventBus) Publish(event *Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	id := b.getPartitionID(event.Key)
	select {
	case b.partitions[id].queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	default:
		return fmt.Errorf("%w: partition %d", ErrQueueFull, id)
	}
}

// Subscribe adds handler for topic, or for every topic with TopicAll.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	log.GetLogger().Debugf("subscribed to topic %s", topic)
	return nil
}

// Close stops accepting events and waits until the queued ones are handled.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	log.GetLogger().Debug("event bus closed")
	return nil
}

// GetStats returns the bus counters.
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		FailedCount:    atomic.LoadInt64(&b.failedCount),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryEventBus) getPartitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range b.partitionNodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *InMemoryEventBus) handlers(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := make([]Handler, 0, len(b.subscribers[topic])+len(b.subscribers[TopicAll]))
	hs = append(hs, b.subscribers[topic]...)
	return append(hs, b.subscribers[TopicAll]...)
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	defer b.wg.Done()
	logger := log.GetLogger()

	for event := range p.queue {
		failed := false
		for _, h := range b.handlers(event.Topic) {
			if err := h(event); err != nil {
				failed = true
				logger.WithError(err).Errorf("handle %s event on partition %d", event.Topic, p.id)
			}
		}
		if failed {
			atomic.AddInt64(&b.failedCount, 1)
		} else {
			atomic.AddInt64(&b.processedCount, 1)
		}
	}
}
