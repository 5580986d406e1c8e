package transport

import "errors"

// Domain-specific errors for the transport package.
var (
	// ErrTransport wraps runtime failures talking to a device.
	ErrTransport = errors.New("transport: device communication failed")

	// ErrTimeout is returned when an async device does not answer within
	// its execution budget plus the response buffer.
	ErrTimeout = errors.New("transport: command timeout")

	// ErrNotConnected is returned when a persistent adapter has no link to
	// the target device.
	ErrNotConnected = errors.New("transport: device not connected")

	// ErrNotImplemented is returned by the Unimplemented adapter. It is not
	// a runtime failure and should be surfaced as a configuration problem.
	ErrNotImplemented = errors.New("transport: protocol not implemented")
)
