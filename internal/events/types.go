package events

import "time"

// Kind identifies the entity family an event belongs to.
type Kind string

// Kind constants.
const (
	KindDevice       Kind = "device"
	KindSession      Kind = "session"
	KindRegistration Kind = "registration"
)

// Name identifies what happened.
type Name string

// Device events.
const (
	DeviceRegistered    Name = "deviceRegistered"
	DeviceUnregistered  Name = "deviceUnregistered"
	DeviceUpdated       Name = "deviceUpdated"
	DeviceRemoved       Name = "deviceRemoved"
	DeviceVerified      Name = "deviceVerified"
	DeviceConnected     Name = "deviceConnected"
	DeviceDisconnected  Name = "deviceDisconnected"
	DeviceError         Name = "deviceError"
	DeviceHeartbeat     Name = "deviceHeartbeat"
	DeviceStatusChanged Name = "deviceStatusChanged"
)

// Registration events.
const (
	RegistrationSubmitted Name = "registrationSubmitted"
	RegistrationApproved  Name = "registrationApproved"
	RegistrationRejected  Name = "registrationRejected"
)

// Session and command events.
const (
	SessionStarted  Name = "sessionStarted"
	SessionEnded    Name = "sessionEnded"
	CommandExecuted Name = "commandExecuted"
	CommandFailed   Name = "commandFailed"
)

// Event is a single notification published on the Bus.
type Event struct {
	ID        string    `json:"id"`
	Name      Name      `json:"name"`
	Kind      Kind      `json:"kind"`
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// DevicePayload accompanies device and connection events.
type DevicePayload struct {
	DeviceID       string `json:"device_id"`
	Name           string `json:"name,omitempty"`
	Owner          string `json:"owner,omitempty"`
	Type           string `json:"type,omitempty"`
	Status         string `json:"status,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
	TrustScore     *int   `json:"trust_score,omitempty"`
}

// RegistrationPayload accompanies registration events.
type RegistrationPayload struct {
	RegistrationID string `json:"registration_id"`
	DeviceID       string `json:"device_id,omitempty"`
	Owner          string `json:"owner,omitempty"`
	Reviewer       string `json:"reviewer,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// SessionPayload accompanies sessionStarted and sessionEnded.
type SessionPayload struct {
	SessionID  string        `json:"session_id"`
	DeviceID   string        `json:"device_id"`
	UserID     string        `json:"user_id"`
	Status     string        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Currency   string        `json:"currency,omitempty"`
	TotalCost  float64       `json:"total_cost"`
	Commands   int           `json:"commands"`
	PaymentRef string        `json:"payment_ref,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// CommandPayload accompanies commandExecuted and commandFailed.
type CommandPayload struct {
	SessionID     string        `json:"session_id"`
	DeviceID      string        `json:"device_id"`
	UserID        string        `json:"user_id"`
	CommandID     string        `json:"command_id"`
	CapabilityID  string        `json:"capability_id"`
	Success       bool          `json:"success"`
	Cost          float64       `json:"cost"`
	Currency      string        `json:"currency,omitempty"`
	ExecutionTime time.Duration `json:"execution_time_ns"`
	Error         string        `json:"error,omitempty"`
	Late          bool          `json:"late,omitempty"`
}
