package transport

import (
	"context"
	"time"

	"github.com/jaevor/go-nanoid"

	"github.com/nerrad567/teleop-core/internal/capability"
	"github.com/nerrad567/teleop-core/internal/device"
)

// DefaultResponseBuffer is added to a capability's execution time to form
// the async response deadline.
const DefaultResponseBuffer = 5 * time.Second

// Kind identifies an adapter family.
type Kind string

// Adapter families.
const (
	KindSynchronous     Kind = "synchronous"
	KindAsyncCorrelated Kind = "async_correlated"
	KindUnimplemented   Kind = "unimplemented"
)

// Request is a single command addressed to a device.
type Request struct {
	CommandID  string
	DeviceID   string
	Connection device.ConnectionInfo
	Capability capability.Capability
	Parameters map[string]any
}

// Result is the device's answer to a command. Success=false with Error set
// is a device-reported failure, distinct from an error returned by Execute.
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Adapter executes commands over one protocol.
type Adapter interface {
	Kind() Kind
	Execute(ctx context.Context, req Request) (Result, error)
}

// Connector is implemented by adapters that hold a persistent link per device.
type Connector interface {
	Connect(ctx context.Context, deviceID string, info device.ConnectionInfo) error
	Disconnect(deviceID string) error
	Connected(deviceID string) bool
}

// EventType classifies a ConnectionEvent.
type EventType string

// Connection lifecycle event types.
const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
	EventStatusUpdate EventType = "status_update"
)

// ConnectionEvent reports a link or device-originated lifecycle change.
type ConnectionEvent struct {
	DeviceID string
	Type     EventType
	Status   device.Status // set for EventStatusUpdate
	Err      error         // set for EventError
	At       time.Time
}

// Observer receives connection lifecycle events.
type Observer interface {
	HandleConnectionEvent(ev ConnectionEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ConnectionEvent)

// HandleConnectionEvent calls f(ev).
func (f ObserverFunc) HandleConnectionEvent(ev ConnectionEvent) { f(ev) }

// Logger defines the logging interface used by adapters.
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

// Device wire message types.
const (
	msgCommand         = "command"
	msgHeartbeat       = "heartbeat"
	msgStatusUpdate    = "status_update"
	msgCommandResponse = "command_response"
)

// commandMessage is the JSON sent to devices.
type commandMessage struct {
	Type       string         `json:"type,omitempty"`
	CommandID  string         `json:"command_id"`
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters"`
}

// deviceMessage is the JSON accepted from devices.
type deviceMessage struct {
	Type      string        `json:"type"`
	Status    device.Status `json:"status,omitempty"`
	CommandID string        `json:"command_id,omitempty"`
	Result    *Result       `json:"result,omitempty"`
}

func newCommandMessage(req Request) commandMessage {
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return commandMessage{
		Type:       msgCommand,
		CommandID:  req.CommandID,
		Capability: req.Capability.ID,
		Parameters: params,
	}
}

var correlationID = mustGenerator(21) //nolint:mnd // nanoid default length

func mustGenerator(length int) func() string {
	gen, err := nanoid.Standard(length)
	if err != nil {
		panic(err)
	}
	return gen
}
