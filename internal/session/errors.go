package session

import (
	"errors"
	"fmt"
)

// Domain errors for the session package.
var (
	// ErrNotFound is returned when a session ID does not exist.
	ErrNotFound = errors.New("session: not found")

	// ErrDeviceBusy is returned when the device already hosts an active session.
	ErrDeviceBusy = errors.New("session: device busy")

	// ErrDeviceUnavailable is returned when the device is not online.
	ErrDeviceUnavailable = errors.New("session: device unavailable")

	// ErrInvalidState is returned when the session's status does not allow the operation.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrInvalidSession is returned to the dispatcher for missing or terminal sessions.
	ErrInvalidSession = errors.New("session: not an active session")

	// ErrUnauthorized is returned when a caller identity or signature is missing.
	ErrUnauthorized = errors.New("session: unauthorized")

	// ErrSettlement is returned (wrapped in SettlementError) when payment fails.
	ErrSettlement = errors.New("session: settlement failed")
)

// SettlementError reports a failed settlement at session end. The session
// is left failed and the device is released regardless.
// It unwraps to both ErrSettlement and the settler's error.
type SettlementError struct {
	SessionID string
	Amount    float64
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s: session %s amount %g: %v", ErrSettlement.Error(), e.SessionID, e.Amount, e.Err)
}

func (e *SettlementError) Unwrap() []error {
	return []error{ErrSettlement, e.Err}
}
