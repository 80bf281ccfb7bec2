package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/camrelay/internal/config"
	"firestige.xyz/camrelay/internal/log"
)

// MessageWriter is the part of *kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter forwards every bus event to a Kafka topic as JSON, keyed by
// the event key so a session's events land on one Kafka partition.
type KafkaExporter struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
}

// NewKafkaExporter builds an asynchronous kafka-go writer from cfg.
func NewKafkaExporter(cfg config.EventKafkaConfig) (*KafkaExporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	codec, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	batchTimeout := time.Second
	if cfg.BatchTimeout != "" {
		if batchTimeout, err = time.ParseDuration(cfg.BatchTimeout); err != nil {
			return nil, fmt.Errorf("invalid batch_timeout %q: %w", cfg.BatchTimeout, err)
		}
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		Compression:            codec,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.GetLogger().WithError(err).Warnf("kafka export of %d events failed", len(msgs))
			}
		},
	}
	return NewKafkaExporterWithWriter(w, cfg.Topic), nil
}

// NewKafkaExporterWithWriter wraps an existing writer.
func NewKafkaExporterWithWriter(w MessageWriter, topic string) *KafkaExporter {
	return &KafkaExporter{writer: w, topic: topic, timeout: 5 * time.Second}
}

// ParseCompression maps a codec name to the kafka-go constant. The empty
// string and "none" disable compression.
func ParseCompression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// Attach subscribes the exporter to every topic on bus.
func (k *KafkaExporter) Attach(bus EventBus) error {
	return bus.Subscribe(TopicAll, k.Handle)
}

// Handle encodes and writes one event.
func (k *KafkaExporter) Handle(event *Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Topic, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Time:  event.Time,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(event.Topic)},
		},
	})
}

// Close flushes pending messages and closes the writer.
func (k *KafkaExporter) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
