package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors for the capability package.
var (
	// ErrNotFound is returned when a capability ID is not declared by a device.
	ErrNotFound = errors.New("capability: not found")

	// ErrInvalidCapability is returned when a capability definition fails validation.
	ErrInvalidCapability = errors.New("capability: invalid")

	// ErrInvalidParameters is returned when command parameters violate their definitions.
	ErrInvalidParameters = errors.New("capability: invalid parameters")
)

// ParameterError lists every parameter violation found for one invocation.
// It unwraps to ErrInvalidParameters.
type ParameterError struct {
	CapabilityID string
	Violations   []string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidParameters.Error(), e.CapabilityID, strings.Join(e.Violations, "; "))
}

func (e *ParameterError) Unwrap() error {
	return ErrInvalidParameters
}
