package transport

import (
	"encoding/json"
	"sync"
	"time"
)

// lifecycle holds the observer shared by persistent adapters and turns
// device messages into ConnectionEvents.
type lifecycle struct {
	mu       sync.RWMutex
	observer Observer
	now      func() time.Time
}

// SetObserver sets the receiver of connection lifecycle events.
func (l *lifecycle) SetObserver(o Observer) {
	l.mu.Lock()
	l.observer = o
	l.mu.Unlock()
}

func (l *lifecycle) emit(ev ConnectionEvent) {
	l.mu.RLock()
	o := l.observer
	now := l.now
	l.mu.RUnlock()

	if o == nil {
		return
	}
	if ev.At.IsZero() {
		if now == nil {
			now = time.Now
		}
		ev.At = now().UTC()
	}
	o.HandleConnectionEvent(ev)
}

// dispatchDeviceMessage routes one decoded device message. It returns false
// for messages that could not be understood.
func dispatchDeviceMessage(deviceID string, data []byte, l *lifecycle, c *Correlator, logger Logger) bool {
	var msg deviceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("invalid device message", "device_id", deviceID, "error", err)
		return false
	}

	switch msg.Type {
	case msgHeartbeat:
		l.emit(ConnectionEvent{DeviceID: deviceID, Type: EventHeartbeat})
	case msgStatusUpdate:
		l.emit(ConnectionEvent{DeviceID: deviceID, Type: EventStatusUpdate, Status: msg.Status})
	case msgCommandResponse:
		resolveResponse(deviceID, msg, c, logger)
	default:
		logger.Warn("unknown device message type", "device_id", deviceID, "type", msg.Type)
		return false
	}
	return true
}

func resolveResponse(deviceID string, msg deviceMessage, c *Correlator, logger Logger) {
	if msg.CommandID == "" {
		logger.Warn("command response without command_id", "device_id", deviceID)
		return
	}
	result := Result{Success: false, Error: "empty command response"}
	if msg.Result != nil {
		result = *msg.Result
	}
	if !c.Resolve(deviceID, msg.CommandID, result) {
		logger.Debug("late or unknown command response", "device_id", deviceID, "command_id", msg.CommandID)
	}
}
