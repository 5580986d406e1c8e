package mqtt

import "errors"

// Sentinel errors. Wrapped errors keep these as their cause, so callers
// test with errors.Is.
var (
	ErrNotConnected      = errors.New("mqtt: broker link is down")
	ErrConnectionFailed  = errors.New("mqtt: could not reach broker")
	ErrPublishFailed     = errors.New("mqtt: publish not acknowledged")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe not acknowledged")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe not acknowledged")
	ErrInvalidQoS        = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic      = errors.New("mqtt: empty topic")
	ErrPayloadTooLarge   = errors.New("mqtt: payload too large")
)
