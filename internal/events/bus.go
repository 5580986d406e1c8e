package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Bus.
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

// Handler receives published events.
type Handler func(Event)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type key struct {
	kind Kind
	id   string
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe hub keyed by (Kind, entity ID).
// All methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	scoped map[key][]subscription
	global []subscription
	logger Logger
	now    func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		scoped: make(map[key][]subscription),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger used to report recovered handler panics.
func (b *Bus) SetLogger(logger Logger) {
	b.logger = logger
}

// Subscribe registers handler for events about one entity.
func (b *Bus) Subscribe(kind Kind, entityID string, handler Handler) Unsubscribe {
	k := key{kind: kind, id: entityID}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.scoped[k] = append(b.scoped[k], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			remaining := removeSub(b.scoped[k], id)
			if len(remaining) == 0 {
				delete(b.scoped, k)
				return
			}
			b.scoped[k] = remaining
		})
	}
}

// SubscribeAll registers handler for every event published on the bus.
func (b *Bus) SubscribeAll(handler Handler) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.global = removeSub(b.global, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to the entity's subscribers and then to global
// subscribers. ID and Timestamp are filled in when empty. The handler list
// is snapshotted before delivery, so handlers may subscribe or unsubscribe
// without deadlocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	scoped := b.scoped[key{kind: e.Kind, id: e.EntityID}]
	targets := make([]subscription, 0, len(scoped)+len(b.global))
	targets = append(targets, scoped...)
	targets = append(targets, b.global...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, e)
	}
}

// Emit is shorthand for publishing an event with the current time.
func (b *Bus) Emit(name Name, kind Kind, entityID string, payload any) {
	b.Publish(Event{Name: name, Kind: kind, EntityID: entityID, Payload: payload})
}

// SubscriberCount returns the number of live subscriptions, scoped and global.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, subs := range b.scoped {
		n += len(subs)
	}
	return n
}

func (b *Bus) deliver(sub subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic recovered",
				"event", string(e.Name),
				"entity_id", e.EntityID,
				"subscription", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(e)
}

// removeSub returns subs without the given ID. A fresh slice is built so
// snapshots taken by concurrent Publish calls are never modified.
func removeSub(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
