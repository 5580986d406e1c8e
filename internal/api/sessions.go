package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/teleop-core/internal/command"
	"github.com/nerrad567/teleop-core/internal/eventlog"
	"github.com/nerrad567/teleop-core/internal/session"
)

// handleStartSession opens a session on a device for the caller.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}

	sess, err := s.sessions.Start(r.Context(), body.DeviceID, userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleListSessions returns session history, newest first.
//
// Query parameters:
//   - user_id, device_id: exact match
//   - active: "true" limits to active sessions
//   - archived: "true" reads finished sessions from the persistent ledger
//   - limit: archived results only
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("archived") == "true" {
		s.listArchivedSessions(w, r)
		return
	}

	filter := session.Filter{UserID: q.Get("user_id"), DeviceID: q.Get("device_id")}
	if q.Get("active") == "true" {
		filter.Status = session.StatusActive
	}
	sessions := s.sessions.History(filter)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) listArchivedSessions(w http.ResponseWriter, r *http.Request) {
	if s.eventLog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeDisabled, "event log is disabled")
		return
	}
	q := r.URL.Query()
	limit, ok := queryInt(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	sessions, err := s.eventLog.ListSessions(r.Context(), q.Get("user_id"), q.Get("device_id"), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleEndSession completes and settles the session. A settlement failure
// is reported as 502 with the failed session in the body.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedSession(w, r); !ok {
		return
	}
	reason := optionalReason(r)

	sess, err := s.sessions.End(r.Context(), chi.URLParam(r, "id"), reason)
	var serr *session.SettlementError
	if errors.As(err, &serr) && sess != nil {
		writeJSON(w, http.StatusBadGateway, Error{
			Status:  http.StatusBadGateway,
			Code:    ErrCodeSettlement,
			Message: err.Error(),
			Session: sess,
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedSession(w, r); !ok {
		return
	}
	sess, err := s.sessions.Cancel(r.Context(), chi.URLParam(r, "id"), optionalReason(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleExecuteCommand runs a capability on the session's device. Device
// and transport failures come back as 200 with success=false in the
// command result; only request errors produce an error status.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedSession(w, r); !ok {
		return
	}
	var req command.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CapabilityID == "" {
		writeBadRequest(w, "capability_id is required")
		return
	}

	cmd, err := s.dispatcher.Execute(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// emergencyStopResponse pairs the terminated session with the stop
// command the device was sent.
type emergencyStopResponse struct {
	Session *session.Session `json:"session"`
	Command *session.Command `json:"command"`
}

// handleEmergencyStop halts the device and terminates the session. The
// session ends even when the device does not acknowledge; the command in
// the response says whether it did. A settlement failure is a 502 like
// handleEndSession.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedSession(w, r); !ok {
		return
	}
	reason := optionalReason(r)
	if reason == "" {
		reason = "emergency stop"
	}

	sess, cmd, err := s.dispatcher.EmergencyStop(r.Context(), chi.URLParam(r, "id"), reason)
	var serr *session.SettlementError
	if errors.As(err, &serr) && sess != nil {
		writeJSON(w, http.StatusBadGateway, Error{
			Status:  http.StatusBadGateway,
			Code:    ErrCodeSettlement,
			Message: err.Error(),
			Session: sess,
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyStopResponse{Session: sess, Command: cmd})
}

// ownedSession loads the session named in the URL and checks the caller
// started it.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if sess.UserID != userFrom(r) {
		s.writeDomainError(w, r, fmt.Errorf("%w: session belongs to another user", session.ErrUnauthorized))
		return nil, false
	}
	return sess, true
}

// optionalReason reads {"reason": "..."} from the body. An empty or
// missing body yields "".
func optionalReason(r *http.Request) string {
	var body struct {
		Reason string `json:"reason"`
	}
	//nolint:errcheck // Body is optional
	decodeJSON(r, &body)
	return body.Reason
}

// handleListEvents queries the persistent event log.
//
// Query parameters: kind, entity_id, name, after (sequence), limit.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventLog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeDisabled, "event log is disabled")
		return
	}
	q := r.URL.Query()
	limit, ok := queryInt(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	after, ok := queryInt(w, q.Get("after"), "after")
	if !ok {
		return
	}

	records, err := s.eventLog.List(r.Context(), eventlog.Filter{
		Kind:     q.Get("kind"),
		EntityID: q.Get("entity_id"),
		Name:     q.Get("name"),
		AfterSeq: int64(after),
		Limit:    limit,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records, "count": len(records)})
}

// queryInt parses an optional integer query parameter. Empty means 0.
func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
