package device

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrRegistrationNotFound is returned when a registration ID does not exist.
	ErrRegistrationNotFound = errors.New("device: registration not found")

	// ErrTemplateNotFound is returned when a template ID does not exist.
	ErrTemplateNotFound = errors.New("device: template not found")

	// ErrValidation is returned (wrapped in ValidationError) when input fails validation.
	ErrValidation = errors.New("device: validation failed")

	// ErrLimitExceeded is returned when an owner has reached the device cap.
	ErrLimitExceeded = errors.New("device: owner device limit exceeded")

	// ErrInvalidState is returned when a registration is not in a state that allows the operation.
	ErrInvalidState = errors.New("device: invalid registration state")

	// ErrInvalidStatus is returned when a device status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")
)

// ValidationError carries every violation found while validating input.
// It unwraps to ErrValidation.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// newValidationError returns nil when there are no violations.
func newValidationError(violations []string) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}
