package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nerrad567/teleop-core/internal/device"
)

// Router selects an Adapter by protocol. Protocols with no registered
// adapter route to Unimplemented. Router is also the Connector for the
// whole adapter set.
type Router struct {
	mu       sync.RWMutex
	adapters map[device.Protocol]Adapter
	fallback Adapter
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		adapters: make(map[device.Protocol]Adapter),
		fallback: Unimplemented{},
	}
}

// Handle registers the adapter for a protocol, replacing any previous one.
func (r *Router) Handle(p device.Protocol, a Adapter) {
	r.mu.Lock()
	r.adapters[p] = a
	r.mu.Unlock()
}

// Route returns the adapter for p.
func (r *Router) Route(p device.Protocol) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[p]; ok {
		return a
	}
	return r.fallback
}

// Execute routes req by its connection protocol.
func (r *Router) Execute(ctx context.Context, req Request) (Result, error) {
	return r.Route(req.Connection.Protocol).Execute(ctx, req)
}

// SetObserver forwards o to every adapter that reports lifecycle events.
func (r *Router) SetObserver(o Observer) {
	for _, a := range r.snapshot() {
		if s, ok := a.(interface{ SetObserver(Observer) }); ok {
			s.SetObserver(o)
		}
	}
}

// Connect opens a link when the device's adapter is persistent. Stateless
// protocols return nil.
func (r *Router) Connect(ctx context.Context, deviceID string, info device.ConnectionInfo) error {
	if c, ok := r.Route(info.Protocol).(Connector); ok {
		return c.Connect(ctx, deviceID, info)
	}
	return nil
}

// Disconnect closes any link the device holds on any adapter. Every
// connector is told, linked or not, so pending redials stop as well.
func (r *Router) Disconnect(deviceID string) error {
	var errs []error
	for _, a := range r.snapshot() {
		if c, ok := a.(Connector); ok {
			if err := c.Disconnect(deviceID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Connected reports whether any adapter holds a link to the device.
func (r *Router) Connected(deviceID string) bool {
	for _, a := range r.snapshot() {
		if c, ok := a.(Connector); ok && c.Connected(deviceID) {
			return true
		}
	}
	return false
}

// Close closes every adapter that implements io.Closer.
func (r *Router) Close() error {
	var errs []error
	for _, a := range r.snapshot() {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// snapshot returns the distinct registered adapters.
func (r *Router) snapshot() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Adapter]struct{}, len(r.adapters))
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
