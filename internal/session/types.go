package session

import (
	"sort"
	"time"

	"github.com/nerrad567/teleop-core/internal/capability"
	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/transport"
)

// Status is the lifecycle state of a control session.
type Status string

// Status constants.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// StatusTerminated marks a session ended by an emergency stop. Accrued
	// charges are settled as for a completed session.
	StatusTerminated Status = "terminated"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s != StatusActive
}

// Session is an exclusive, billed control session on one device.
type Session struct {
	ID        string     `json:"session_id"`
	DeviceID  string     `json:"device_id"`
	UserID    string     `json:"user_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	Status    Status          `json:"status"`
	EndReason string          `json:"end_reason,omitempty"`
	Currency  device.Currency `json:"currency"`

	// TotalCost is the sum of Cost over successful commands plus, once
	// the session ends, UsageCharge.
	TotalCost     float64   `json:"total_cost"`
	UsageCharge   float64   `json:"usage_charge,omitempty"`
	SettledAmount float64   `json:"settled_amount,omitempty"`
	PaymentRef    string    `json:"payment_ref,omitempty"`
	Commands      []Command `json:"commands"`
}

// DeepCopy returns an independent copy of the session and its ledger.
func (s *Session) DeepCopy() *Session {
	if s == nil {
		return nil
	}
	cpy := *s
	if s.EndTime != nil {
		end := *s.EndTime
		cpy.EndTime = &end
	}
	cpy.Commands = make([]Command, len(s.Commands))
	for i, c := range s.Commands {
		cpy.Commands[i] = c.clone()
	}
	return &cpy
}

// Duration returns the elapsed session time, up to now for active sessions.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// Command is one entry in a session's ledger.
type Command struct {
	ID            string           `json:"command_id"`
	CapabilityID  string           `json:"capability_id"`
	Parameters    map[string]any   `json:"parameters"`
	IssuedAt      time.Time        `json:"issued_at"`
	ExecutionTime time.Duration    `json:"execution_time_ns"`
	Cost          float64          `json:"cost"`
	Result        transport.Result `json:"result"`

	// Late marks a result recorded after the session turned terminal.
	Late bool `json:"late,omitempty"`
}

func (c Command) clone() Command {
	cpy := c
	cpy.Parameters = capability.CopyMap(c.Parameters)
	cpy.Result.Data = capability.CopyValue(c.Result.Data)
	cpy.Result.Metadata = capability.CopyMap(c.Result.Metadata)
	return cpy
}

// Filter selects sessions in History. Empty fields match everything.
type Filter struct {
	UserID   string
	DeviceID string
	Status   Status
}

func (f Filter) matches(s *Session) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.DeviceID != "" && s.DeviceID != f.DeviceID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// sortNewestFirst orders by start time descending, then ID.
func sortNewestFirst(out []Session) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
}
