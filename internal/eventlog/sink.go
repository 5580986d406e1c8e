package eventlog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nerrad567/teleop-core/internal/events"
)

// DefaultBufferSize is the event buffer used when none is configured.
const DefaultBufferSize = 1024

const writeTimeout = 5 * time.Second

// Logger defines the logging interface used by the Sink.
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

// Sink buffers bus events and writes them to a Repository.
type Sink struct {
	repo    Repository
	ch      chan events.Event
	dropped atomic.Uint64
	written atomic.Uint64
	logger  Logger
}

// NewSink creates a Sink with the given buffer size.
func NewSink(repo Repository, buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Sink{
		repo:   repo,
		ch:     make(chan events.Event, buffer),
		logger: noopLogger{},
	}
}

// SetLogger sets the sink logger.
func (s *Sink) SetLogger(logger Logger) {
	s.logger = logger
}

// Attach subscribes the sink to every event on bus.
func (s *Sink) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.SubscribeAll(s.Handle)
}

// Handle enqueues an event without blocking. Events are dropped when the
// buffer is full.
func (s *Sink) Handle(e events.Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn("event log buffer full, dropping event", "event", string(e.Name), "entity_id", e.EntityID)
	}
}

// Run writes buffered events until ctx is cancelled, then drains what is
// left and returns.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case e := <-s.ch:
			s.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-s.ch:
					s.write(e)
				default:
					return nil
				}
			}
		}
	}
}

// Stats returns the number of events written and dropped.
func (s *Sink) Stats() (written, dropped uint64) {
	return s.written.Load(), s.dropped.Load()
}

func (s *Sink) write(e events.Event) {
	// Writes outlive the Run context so the shutdown drain still lands.
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.repo.Append(ctx, e); err != nil {
		s.logger.Error("event log write failed", "event", string(e.Name), "entity_id", e.EntityID, "error", err)
		return
	}
	s.written.Add(1)

	if e.Name != events.SessionEnded {
		return
	}
	p, ok := e.Payload.(events.SessionPayload)
	if !ok {
		return
	}
	err := s.repo.SaveSession(ctx, SessionSummary{
		SessionID:  p.SessionID,
		DeviceID:   p.DeviceID,
		UserID:     p.UserID,
		Status:     p.Status,
		Currency:   p.Currency,
		TotalCost:  p.TotalCost,
		Commands:   p.Commands,
		PaymentRef: p.PaymentRef,
		EndReason:  p.Reason,
		Error:      p.Error,
		EndedAt:    e.Timestamp,
	})
	if err != nil {
		s.logger.Error("session ledger write failed", "session_id", p.SessionID, "error", err)
	}
}
