package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/teleop-core/internal/device"
)

// registrationResponse is returned by the registration endpoints.
type registrationResponse struct {
	Registration *device.PendingRegistration `json:"registration"`
	Device       *device.Device              `json:"device,omitempty"`
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(r, v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return io.EOF
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// handleSubmitRegistration records a device registration. The owner
// defaults to the caller. When the registry auto-approves, the new device
// is attached before responding.
func (s *Server) handleSubmitRegistration(w http.ResponseWriter, r *http.Request) {
	var reg device.Registration
	if !decodeBody(w, r, &reg) {
		return
	}
	s.submit(w, r, reg)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, reg device.Registration) {
	if reg.DeviceInfo.Owner == "" {
		reg.DeviceInfo.Owner = userFrom(r)
	}

	id, err := s.registry.Submit(reg)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	pending, err := s.registry.GetRegistration(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := registrationResponse{Registration: pending}
	if pending.DeviceID != "" {
		resp.Device = s.attach(r, pending.DeviceID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// attach connects a freshly approved device. Connection failures leave the
// device offline and are only logged; the approval itself stands.
func (s *Server) attach(r *http.Request, deviceID string) *device.Device {
	if err := s.sessions.Attach(r.Context(), deviceID); err != nil {
		s.logger.Warn("device attach failed", "device_id", deviceID, "error", err)
	}
	dev, err := s.registry.GetDevice(deviceID)
	if err != nil {
		return nil
	}
	return dev.Redacted()
}

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	pending, err := s.registry.GetRegistration(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleApproveRegistration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deviceID, err := s.registry.Approve(id, userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	pending, err := s.registry.GetRegistration(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse{
		Registration: pending,
		Device:       s.attach(r, deviceID),
	})
}

func (s *Server) handleRejectRegistration(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.Reject(id, userFrom(r), body.Reason); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	pending, err := s.registry.GetRegistration(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// handleListDevices returns devices matching the query filters.
//
// Query parameters:
//   - type, status, owner, verification_status: exact match
//   - min_trust, max_trust: inclusive trust score bounds
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := device.Filter{
		Type:               device.DeviceType(q.Get("type")),
		Status:             device.Status(q.Get("status")),
		Owner:              q.Get("owner"),
		VerificationStatus: device.VerificationStatus(q.Get("verification_status")),
	}
	for param, dst := range map[string]**int{"min_trust": &filter.MinTrustScore, "max_trust": &filter.MaxTrustScore} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, param+" must be an integer")
			return
		}
		*dst = &n
	}

	devices := s.registry.ListDevices(filter)
	out := make([]*device.Device, 0, len(devices))
	for i := range devices {
		out = append(out, devices[i].Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev.Redacted())
}

// ownedDevice loads the device named in the URL and checks the caller
// owns it. It writes the error response and returns nil otherwise.
func (s *Server) ownedDevice(w http.ResponseWriter, r *http.Request) *device.Device {
	dev, err := s.registry.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil
	}
	if dev.Owner != userFrom(r) {
		writeForbidden(w, "device belongs to another owner")
		return nil
	}
	return dev
}

// handleUpdateDevice applies a partial update. A changed connection is
// re-dialled straight away unless a session is running; failures leave
// the device offline and are only logged.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	owned := s.ownedDevice(w, r)
	if owned == nil {
		return
	}
	var upd device.DeviceUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	dev, err := s.registry.Update(owned.ID, upd)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if upd.Connection != nil {
		if err := s.sessions.Reattach(r.Context(), dev.ID); err != nil {
			s.logger.Warn("device reattach failed", "device_id", dev.ID, "error", err)
		}
		if fresh, err := s.registry.GetDevice(dev.ID); err == nil {
			dev = fresh
		}
	}
	writeJSON(w, http.StatusOK, dev.Redacted())
}

// handleAttachDevice opens (or confirms) the device's transport link so an
// offline device can come back without waiting for a redial.
func (s *Server) handleAttachDevice(w http.ResponseWriter, r *http.Request) {
	owned := s.ownedDevice(w, r)
	if owned == nil {
		return
	}
	if err := s.sessions.Attach(r.Context(), owned.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	dev, err := s.registry.GetDevice(owned.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev.Redacted())
}

func (s *Server) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	owned := s.ownedDevice(w, r)
	if owned == nil {
		return
	}
	var data device.VerificationData
	if !decodeBody(w, r, &data) {
		return
	}
	result, err := s.registry.Verify(owned.ID, data)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleUnregisterDevice removes a device, ending any active session first.
// Only the owner may do so and the body must carry their signature.
func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	owned := s.ownedDevice(w, r)
	if owned == nil {
		return
	}
	var body struct {
		OwnerSignature string `json:"owner_signature"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.sessions.Unregister(r.Context(), owned.ID, body.OwnerSignature); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	templates := s.registry.ListTemplates()
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates)})
}

// handleRegisterFromTemplate builds a registration from a template and the
// caller's customization, then submits it.
func (s *Server) handleRegisterFromTemplate(w http.ResponseWriter, r *http.Request) {
	var c device.Customization
	if !decodeBody(w, r, &c) {
		return
	}
	if c.Owner == "" {
		c.Owner = userFrom(r)
	}
	reg, err := s.registry.CreateFromTemplate(chi.URLParam(r, "id"), c)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.submit(w, r, reg)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registry":        s.registry.GetStats(),
		"active_sessions": len(s.sessions.ActiveSessions()),
	})
}
