package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/teleop-core/internal/events"
	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
	"github.com/nerrad567/teleop-core/internal/infrastructure/logging"
)

// Live event frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// ChannelAll receives every event.
	ChannelAll = "*"
)

// WSMessage is the frame exchanged with live event viewers.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload carries the channels of a subscribe or unsubscribe frame.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub fans bus events out to connected viewers.
//
// Channels are "device:{id}", "session:{id}", "registration:{id}" and "*".
// Session, command and registration events also go to their device's channel.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
}

// NewHub creates a hub with no viewers.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		viewers: make(map[*viewer]struct{}),
	}
}

// Attach relays every event published on bus.
func (h *Hub) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.SubscribeAll(h.Relay)
}

// Run waits for ctx and then drops every viewer.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	gone := h.viewers
	h.viewers = make(map[*viewer]struct{})
	h.mu.Unlock()

	for v := range gone {
		v.shut()
	}
}

// Relay queues e for each viewer watching one of its channels. A viewer
// watching several of them gets the frame once.
func (h *Hub) Relay(e events.Event) {
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		ID:        e.ID,
		EventType: string(e.Name),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Payload:   e,
	})
	if err != nil {
		h.logger.Error("encoding live event failed", "event", string(e.Name), "error", err)
		return
	}

	channels := eventChannels(e)
	delivered := 0
	for _, v := range h.snapshot() {
		if v.watches(channels) && v.enqueue(frame) {
			delivered++
		}
	}
	if delivered > 0 {
		h.logger.Debug("live event relayed", "event", string(e.Name), "viewers", delivered)
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

func (h *Hub) snapshot() []*viewer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		out = append(out, v)
	}
	return out
}

func (h *Hub) join(v *viewer) {
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	n := len(h.viewers)
	h.mu.Unlock()
	h.logger.Debug("live viewer joined", "user_id", v.user, "viewers", n)
}

func (h *Hub) leave(v *viewer) {
	h.mu.Lock()
	delete(h.viewers, v)
	n := len(h.viewers)
	h.mu.Unlock()
	v.shut()
	h.logger.Debug("live viewer left", "user_id", v.user, "viewers", n)
}

// eventChannels lists the channels an event is delivered on.
func eventChannels(e events.Event) []string {
	channels := []string{ChannelAll, string(e.Kind) + ":" + e.EntityID}
	var deviceID string
	switch p := e.Payload.(type) {
	case events.SessionPayload:
		deviceID = p.DeviceID
	case events.CommandPayload:
		deviceID = p.DeviceID
	case events.RegistrationPayload:
		deviceID = p.DeviceID
	}
	if deviceID != "" {
		channels = append(channels, string(events.KindDevice)+":"+deviceID)
	}
	return channels
}
