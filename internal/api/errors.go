package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/teleop-core/internal/capability"
	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/session"
	"github.com/nerrad567/teleop-core/internal/transport"
)

// Error represents a structured error response.
type Error struct {
	Status     int      `json:"status"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
	Session    any      `json:"session,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeLimit        = "limit_exceeded"
	ErrCodeUnavailable  = "device_unavailable"
	ErrCodeSettlement   = "settlement_failed"
	ErrCodeUnreachable  = "device_unreachable"
	ErrCodeDisabled     = "feature_disabled"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// classify maps a domain error to an HTTP status and error code.
// Settlement is checked first: a SettlementError also wraps the
// settler's cause.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSettlement):
		return http.StatusBadGateway, ErrCodeSettlement
	case errors.Is(err, device.ErrValidation),
		errors.Is(err, capability.ErrInvalidParameters),
		errors.Is(err, device.ErrInvalidStatus):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	case errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrRegistrationNotFound),
		errors.Is(err, device.ErrTemplateNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, capability.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, device.ErrInvalidState),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, session.ErrDeviceBusy):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, device.ErrLimitExceeded):
		return http.StatusTooManyRequests, ErrCodeLimit
	case errors.Is(err, session.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, transport.ErrTransport),
		errors.Is(err, transport.ErrTimeout),
		errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrNotImplemented):
		return http.StatusBadGateway, ErrCodeUnreachable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError writes err with the status classify assigns. Violation
// lists are copied out of validation errors. Unclassified errors are logged
// and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", requestID(r),
		)
		writeInternalError(w, "internal server error")
		return
	}

	body := Error{Status: status, Code: code, Message: err.Error()}
	var verr *device.ValidationError
	var perr *capability.ParameterError
	switch {
	case errors.As(err, &verr):
		body.Violations = verr.Violations
	case errors.As(err, &perr):
		body.Violations = perr.Violations
	}
	writeJSON(w, status, body)
}
