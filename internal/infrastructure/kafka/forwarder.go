package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nerrad567/teleop-core/internal/events"
	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
)

const (
	defaultBuffer       = 1024
	defaultBatchTimeout = 100 * time.Millisecond
	maxBatch            = 100
	shutdownTimeout     = 5 * time.Second
)

// ErrDisabled indicates Kafka forwarding is disabled in configuration.
var ErrDisabled = errors.New("kafka: disabled in configuration")

// Logger defines the logging interface used by the Forwarder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageWriter is the subset of *kafka.Writer used by the Forwarder.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a kafka.Writer from configuration.
func NewWriter(cfg config.KafkaConfig) (*kafka.Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic are required")
	}
	batch := defaultBatchTimeout
	if cfg.BatchTimeout > 0 {
		batch = time.Duration(cfg.BatchTimeout) * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireOne,
	}, nil
}

// Forwarder relays bus events to Kafka.
type Forwarder struct {
	writer MessageWriter
	queue  chan events.Event
	logger Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewForwarder creates a Forwarder with the given queue size. A size of
// zero uses a default.
func NewForwarder(w MessageWriter, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Forwarder{
		writer: w,
		queue:  make(chan events.Event, buffer),
		logger: noopLogger{},
	}
}

// SetLogger sets the forwarder logger.
func (f *Forwarder) SetLogger(logger Logger) { f.logger = logger }

// Attach subscribes the forwarder to every event on bus.
func (f *Forwarder) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.SubscribeAll(f.Handle)
}

// Handle queues e for delivery without blocking.
func (f *Forwarder) Handle(e events.Event) {
	select {
	case f.queue <- e:
	default:
		f.dropped.Add(1)
		f.logger.Warn("kafka queue full, event dropped", "event", string(e.Name), "entity_id", e.EntityID)
	}
}

// Run delivers queued events in batches until ctx is cancelled, then
// flushes what is left and closes the writer.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return f.writer.Close()
		case e := <-f.queue:
			batch := f.collect(e)
			f.deliver(ctx, batch)
		}
	}
}

// collect takes first plus whatever else is already queued, up to maxBatch.
func (f *Forwarder) collect(first events.Event) []events.Event {
	batch := []events.Event{first}
	for len(batch) < maxBatch {
		select {
		case e := <-f.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (f *Forwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for {
		select {
		case e := <-f.queue:
			f.deliver(ctx, f.collect(e))
		default:
			return
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, batch []events.Event) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		msg, err := Encode(e)
		if err != nil {
			f.failed.Add(1)
			f.logger.Error("encoding event for kafka", "event", string(e.Name), "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}
	if err := f.writer.WriteMessages(ctx, msgs...); err != nil {
		f.failed.Add(uint64(len(msgs)))
		f.logger.Error("kafka write failed", "messages", len(msgs), "error", err)
		return
	}
	f.sent.Add(uint64(len(msgs)))
	f.logger.Debug("events forwarded to kafka", "messages", len(msgs))
}

// Stats returns delivered, dropped and failed event counts.
func (f *Forwarder) Stats() (sent, dropped, failed uint64) {
	return f.sent.Load(), f.dropped.Load(), f.failed.Load()
}

// Encode converts an event into a Kafka message keyed by entity ID.
func Encode(e events.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.EntityID),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Name)},
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}, nil
}
