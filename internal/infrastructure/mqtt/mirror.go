package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/nerrad567/teleop-core/internal/events"
)

const defaultMirrorBuffer = 256

// Publisher is the subset of *Client used by Mirror.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Mirror republishes bus events on teleop/events/{kind}/{name}.
//
// Handle never blocks the bus: events are queued and published by Run.
// When the queue is full the event is dropped and counted.
type Mirror struct {
	pub    Publisher
	qos    byte
	topics Topics
	queue  chan events.Event
	logger Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewMirror creates a Mirror. A buffer of zero uses a default size.
func NewMirror(pub Publisher, qos byte, buffer int) *Mirror {
	if buffer <= 0 {
		buffer = defaultMirrorBuffer
	}
	return &Mirror{pub: pub, qos: qos, queue: make(chan events.Event, buffer)}
}

// SetLogger sets the logger used for publish failures.
func (m *Mirror) SetLogger(logger Logger) { m.logger = logger }

// Attach subscribes the mirror to every event on bus.
func (m *Mirror) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.SubscribeAll(m.Handle)
}

// Handle queues e for publication.
func (m *Mirror) Handle(e events.Event) {
	select {
	case m.queue <- e:
	default:
		m.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is cancelled. Events still queued
// at cancellation are discarded.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-m.queue:
			m.publish(e)
		}
	}
}

// Stats returns the number of published and dropped events.
func (m *Mirror) Stats() (published, dropped uint64) {
	return m.published.Load(), m.dropped.Load()
}

func (m *Mirror) publish(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.warn("encoding mirrored event failed", "event", string(e.Name), "error", err)
		return
	}
	topic := m.topics.Event(string(e.Kind), string(e.Name))
	if err := m.pub.Publish(topic, payload, m.qos, false); err != nil {
		m.warn("mirroring event failed", "topic", topic, "error", err)
		return
	}
	m.published.Add(1)
}

func (m *Mirror) warn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}
