package device

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/teleop-core/internal/capability"
	"github.com/nerrad567/teleop-core/internal/events"
)

// Trust scoring constants.
const (
	initialTrustScore = 50
	trustRewardPass   = 20
	trustPenaltyFail  = 10
	maxTrustScore     = 100
	minTrustScore     = 0

	systemReviewer = "system"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config controls registry policy.
type Config struct {
	// AutoApproval approves registrations inside Submit.
	AutoApproval bool

	// MaxDevicesPerOwner caps live devices plus open registrations per owner.
	MaxDevicesPerOwner int

	// RequireCertification adds a certification check to Verify.
	RequireCertification bool
}

// DefaultConfig returns the default registry policy.
func DefaultConfig() Config {
	return Config{
		AutoApproval:       false,
		MaxDevicesPerOwner: 10, //nolint:mnd // default owner cap
	}
}

// Registry holds devices, registrations and templates in memory.
//
// All public methods are thread-safe.
type Registry struct {
	cfg Config
	bus *events.Bus

	mu            sync.RWMutex
	devices       map[string]*Device
	registrations map[string]*PendingRegistration
	templates     map[string]*Template
	templateOrder []string
	retired       map[string]*RetiredDevice

	logger Logger
	now    func() time.Time
}

// NewRegistry creates a registry with the default templates installed.
// Events are published on bus.
func NewRegistry(cfg Config, bus *events.Bus) *Registry {
	if cfg.MaxDevicesPerOwner <= 0 {
		cfg.MaxDevicesPerOwner = DefaultConfig().MaxDevicesPerOwner
	}
	r := &Registry{
		cfg:           cfg,
		bus:           bus,
		devices:       make(map[string]*Device),
		registrations: make(map[string]*PendingRegistration),
		templates:     make(map[string]*Template),
		retired:       make(map[string]*RetiredDevice),
		logger:        noopLogger{},
		now:           time.Now,
	}
	r.installDefaultTemplates()
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Submit validates a registration and records it for review.
//
// Validation reports every violation in a *ValidationError. The owner's live
// devices plus open registrations are counted against MaxDevicesPerOwner.
// With AutoApproval the registration is approved immediately; otherwise it
// is left under_review. Nothing is recorded when an error is returned.
func (r *Registry) Submit(reg Registration) (string, error) {
	if err := newValidationError(ValidateRegistration(reg)); err != nil {
		return "", err
	}

	now := r.now().UTC()
	owner := reg.DeviceInfo.Owner

	r.mu.Lock()
	if held := r.ownerHoldingsLocked(owner); held >= r.cfg.MaxDevicesPerOwner {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: owner %q holds %d of %d", ErrLimitExceeded, owner, held, r.cfg.MaxDevicesPerOwner)
	}

	if reg.Timestamp.IsZero() {
		reg.Timestamp = now
	}
	pending := &PendingRegistration{
		ID:           generateRegistrationID(),
		Registration: Registration{DeviceInfo: reg.DeviceInfo.clone(), OwnerSignature: reg.OwnerSignature, Timestamp: reg.Timestamp},
		SubmittedAt:  now,
		Status:       RegistrationSubmitted,
	}
	r.registrations[pending.ID] = pending

	pub := []events.Event{{
		Name:     events.RegistrationSubmitted,
		Kind:     events.KindRegistration,
		EntityID: pending.ID,
		Payload:  events.RegistrationPayload{RegistrationID: pending.ID, Owner: owner},
	}}

	if r.cfg.AutoApproval {
		dev := r.approveLocked(pending, systemReviewer, now)
		pub = append(pub, approvalEvents(pending, dev)...)
	} else {
		pending.Status = RegistrationUnderReview
	}
	r.mu.Unlock()

	r.logger.Info("registration submitted",
		"registration_id", pending.ID,
		"owner", owner,
		"auto_approved", r.cfg.AutoApproval,
	)
	r.publish(pub...)
	return pending.ID, nil
}

// Approve turns an open registration into a Device with status offline,
// trust score 50 and verification pending. Returns the new device ID.
func (r *Registry) Approve(registrationID, reviewer string) (string, error) {
	r.mu.Lock()
	pending, ok := r.registrations[registrationID]
	if !ok {
		r.mu.Unlock()
		return "", ErrRegistrationNotFound
	}
	if !pending.Status.IsOpen() {
		status := pending.Status
		r.mu.Unlock()
		return "", fmt.Errorf("%w: cannot approve registration with status %s", ErrInvalidState, status)
	}

	dev := r.approveLocked(pending, reviewer, r.now().UTC())
	pub := approvalEvents(pending, dev)
	r.mu.Unlock()

	r.logger.Info("registration approved",
		"registration_id", registrationID,
		"device_id", dev.ID,
		"reviewer", reviewer,
	)
	r.publish(pub...)
	return dev.ID, nil
}

func (r *Registry) approveLocked(pending *PendingRegistration, reviewer string, now time.Time) *Device {
	info := pending.Registration.DeviceInfo.clone()
	dev := &Device{
		ID:                 GenerateID(),
		Name:               info.Name,
		Type:               info.Type,
		Owner:              info.Owner,
		Capabilities:       info.Capabilities,
		Connection:         info.Connection,
		Pricing:            info.Pricing,
		Status:             StatusOffline,
		Metadata:           info.Metadata,
		RegisteredAt:       now,
		UpdatedAt:          now,
		VerificationStatus: VerificationPending,
		TrustScore:         initialTrustScore,
		Certifications:     []Certification{},
	}
	r.devices[dev.ID] = dev

	pending.Status = RegistrationApproved
	pending.Reviewer = reviewer
	pending.ReviewedAt = &now
	pending.DeviceID = dev.ID
	return dev
}

func approvalEvents(pending *PendingRegistration, dev *Device) []events.Event {
	return []events.Event{
		{
			Name:     events.RegistrationApproved,
			Kind:     events.KindRegistration,
			EntityID: pending.ID,
			Payload: events.RegistrationPayload{
				RegistrationID: pending.ID,
				DeviceID:       dev.ID,
				Owner:          dev.Owner,
				Reviewer:       pending.Reviewer,
			},
		},
		{
			Name:     events.DeviceRegistered,
			Kind:     events.KindDevice,
			EntityID: dev.ID,
			Payload:  devicePayload(dev),
		},
	}
}

// Reject marks an open registration rejected and stores the reason.
func (r *Registry) Reject(registrationID, reviewer, reason string) error {
	r.mu.Lock()
	pending, ok := r.registrations[registrationID]
	if !ok {
		r.mu.Unlock()
		return ErrRegistrationNotFound
	}
	if !pending.Status.IsOpen() {
		status := pending.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot reject registration with status %s", ErrInvalidState, status)
	}

	now := r.now().UTC()
	pending.Status = RegistrationRejected
	pending.Reviewer = reviewer
	pending.ReviewNotes = reason
	pending.ReviewedAt = &now
	owner := pending.Registration.DeviceInfo.Owner
	r.mu.Unlock()

	r.logger.Info("registration rejected", "registration_id", registrationID, "reviewer", reviewer, "reason", reason)
	r.publish(events.Event{
		Name:     events.RegistrationRejected,
		Kind:     events.KindRegistration,
		EntityID: registrationID,
		Payload: events.RegistrationPayload{
			RegistrationID: registrationID,
			Owner:          owner,
			Reviewer:       reviewer,
			Reason:         reason,
		},
	})
	return nil
}

// GetRegistration retrieves a registration record by ID.
func (r *Registry) GetRegistration(id string) (*PendingRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.registrations[id]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	return p.DeepCopy(), nil
}

// ListRegistrations returns registrations with the given status (all when
// empty), oldest first.
func (r *Registry) ListRegistrations(status RegistrationStatus) []PendingRegistration {
	r.mu.RLock()
	out := make([]PendingRegistration, 0, len(r.registrations))
	for _, p := range r.registrations {
		if status == "" || p.Status == status {
			out = append(out, *p.DeepCopy())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Verify runs the verification checklist against a device.
//
// All checks must pass for the device to become verified (+20 trust, capped
// at 100, supplied certificate appended). Any failure marks it rejected
// (-10 trust, floored at 0).
func (r *Registry) Verify(deviceID string, data VerificationData) (*VerificationResult, error) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrDeviceNotFound
	}

	now := r.now().UTC()
	result := &VerificationResult{
		Checks:    r.runChecks(dev, data),
		Timestamp: now,
		Verifier:  systemReviewer,
	}
	result.Success = true
	for _, c := range result.Checks {
		if !c.Passed {
			result.Success = false
			break
		}
	}

	if result.Success {
		dev.VerificationStatus = VerificationVerified
		dev.TrustScore = clampTrust(dev.TrustScore + trustRewardPass)
		if data.Certificate != nil {
			dev.Certifications = append(dev.Certifications, *data.Certificate)
		}
	} else {
		dev.VerificationStatus = VerificationRejected
		dev.TrustScore = clampTrust(dev.TrustScore - trustPenaltyFail)
	}
	dev.UpdatedAt = now
	payload := devicePayload(dev)
	trust := dev.TrustScore
	payload.TrustScore = &trust
	r.mu.Unlock()

	r.logger.Info("device verified",
		"device_id", deviceID,
		"success", result.Success,
		"trust_score", trust,
	)
	r.publish(events.Event{Name: events.DeviceVerified, Kind: events.KindDevice, EntityID: deviceID, Payload: payload})
	return result, nil
}

func (r *Registry) runChecks(dev *Device, data VerificationData) []VerificationCheck {
	checks := []VerificationCheck{
		{
			Name:    "Connection Test",
			Passed:  dev.Connection.Endpoint != "",
			Details: "Device connectivity verification",
		},
		{
			Name:    "Capability Test",
			Passed:  len(dev.Capabilities) > 0,
			Details: "Device capability verification",
		},
		{
			Name:    "Security Check",
			Passed:  data.SecurityToken != "",
			Details: "Security and authentication verification",
		},
	}
	if r.cfg.RequireCertification {
		checks = append(checks, VerificationCheck{
			Name:    "Certification Check",
			Passed:  data.Certificate != nil || len(dev.Certifications) > 0,
			Details: "At least one certification is required",
		})
	}
	return checks
}

func clampTrust(score int) int {
	return max(minTrustScore, min(maxTrustScore, score))
}

// Update applies a partial update. Capabilities, connection and pricing are
// validated first; on any violation nothing is applied.
func (r *Registry) Update(deviceID string, upd DeviceUpdate) (*Device, error) {
	var violations []string
	if upd.Name != nil && *upd.Name == "" {
		violations = append(violations, "device name is required")
	}
	if upd.Capabilities != nil {
		if len(upd.Capabilities) == 0 {
			violations = append(violations, "at least one capability is required")
		}
		violations = append(violations, ValidateCapabilities(upd.Capabilities)...)
	}
	if upd.Connection != nil {
		violations = append(violations, ValidateConnection(*upd.Connection)...)
	}
	if upd.Pricing != nil {
		violations = append(violations, ValidatePricing(*upd.Pricing)...)
	}
	if upd.AverageRating != nil && (*upd.AverageRating < 0 || *upd.AverageRating > 5) {
		violations = append(violations, "average rating must be between 0 and 5")
	}
	if err := newValidationError(violations); err != nil {
		return nil, err
	}

	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrDeviceNotFound
	}

	next := dev.DeepCopy()
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.Capabilities != nil {
		next.Capabilities = capability.CloneAll(upd.Capabilities)
	}
	if upd.Connection != nil {
		next.Connection = upd.Connection.clone()
	}
	if upd.Pricing != nil {
		next.Pricing = upd.Pricing.clone()
	}
	if upd.Metadata != nil {
		next.Metadata = capability.CopyMap(upd.Metadata)
	}
	if upd.AverageRating != nil {
		next.AverageRating = *upd.AverageRating
	}
	next.UpdatedAt = r.now().UTC()
	r.devices[deviceID] = next
	out := next.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("device updated", "device_id", deviceID)
	r.publish(events.Event{Name: events.DeviceUpdated, Kind: events.KindDevice, EntityID: deviceID, Payload: devicePayload(out)})
	return out, nil
}

// Remove deletes a device from the live registry. A tombstone is kept for
// audit and session history. Active sessions are not checked here; callers
// needing the cascade go through the session manager's Unregister.
func (r *Registry) Remove(deviceID, reason string) error {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(r.devices, deviceID)
	r.retired[deviceID] = &RetiredDevice{Device: *dev, RemovedAt: r.now().UTC(), Reason: reason}
	payload := devicePayload(dev)
	payload.Reason = reason
	r.mu.Unlock()

	r.logger.Info("device removed", "device_id", deviceID, "reason", reason)
	r.publish(events.Event{Name: events.DeviceRemoved, Kind: events.KindDevice, EntityID: deviceID, Payload: payload})
	return nil
}

// GetRetired returns the tombstone of a removed device.
func (r *Registry) GetRetired(deviceID string) (*RetiredDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.retired[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cpy := *t
	cpy.Device = *t.Device.DeepCopy()
	return &cpy, nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

// GetDevicesByOwner retrieves all devices registered by owner.
func (r *Registry) GetDevicesByOwner(owner string) []Device {
	return r.ListDevices(Filter{Owner: owner})
}

// GetDevicesByType retrieves all devices of a type.
func (r *Registry) GetDevicesByType(t DeviceType) []Device {
	return r.ListDevices(Filter{Type: t})
}

// GetDevicesByStatus retrieves all devices with a status.
func (r *Registry) GetDevicesByStatus(s Status) []Device {
	return r.ListDevices(Filter{Status: s})
}

// ListDevices returns the devices matching filter, ordered by registration
// time then ID. The returned devices are deep copies.
func (r *Registry) ListDevices(filter Filter) []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter.matches(d) {
			devices = append(devices, *d.DeepCopy())
		}
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RegisteredAt.Equal(devices[j].RegisteredAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].RegisteredAt.Before(devices[j].RegisteredAt)
	})
	return devices
}

// GetDeviceCount returns the number of live devices.
func (r *Registry) GetDeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// SetStatus changes a device's live status and returns the previous one.
// Only the session manager should call this; it serialises status writes
// per device. A deviceStatusChanged event is published when the status
// actually changes.
func (r *Registry) SetStatus(deviceID string, status Status) (Status, error) {
	if err := ValidateStatus(status); err != nil {
		return "", err
	}

	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return "", ErrDeviceNotFound
	}
	prev := dev.Status
	if prev == status {
		r.mu.Unlock()
		return prev, nil
	}
	dev.Status = status
	dev.UpdatedAt = r.now().UTC()
	payload := devicePayload(dev)
	payload.PreviousStatus = string(prev)
	r.mu.Unlock()

	r.logger.Debug("device status changed", "device_id", deviceID, "from", prev, "to", status)
	r.publish(events.Event{Name: events.DeviceStatusChanged, Kind: events.KindDevice, EntityID: deviceID, Payload: payload})
	return prev, nil
}

// Touch records a heartbeat. Returns the device as updated.
func (r *Registry) Touch(deviceID string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	dev.LastHeartbeat = r.now().UTC()
	return dev.DeepCopy(), nil
}

// RecordSession adds a finished session's revenue to the device totals.
// Devices already removed are updated through their tombstone.
func (r *Registry) RecordSession(deviceID string, revenue float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[deviceID]; ok {
		dev.TotalSessions++
		dev.TotalRevenue += revenue
		return nil
	}
	if t, ok := r.retired[deviceID]; ok {
		t.Device.TotalSessions++
		t.Device.TotalRevenue += revenue
		return nil
	}
	return ErrDeviceNotFound
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices:       len(r.devices),
		ByType:             make(map[DeviceType]int),
		ByStatus:           make(map[Status]int),
		ByVerification:     make(map[VerificationStatus]int),
		Registrations:      make(map[RegistrationStatus]int),
		TotalRegistrations: len(r.registrations),
	}

	trust := 0
	for _, d := range r.devices {
		stats.ByType[d.Type]++
		stats.ByStatus[d.Status]++
		stats.ByVerification[d.VerificationStatus]++
		stats.TotalRevenue += d.TotalRevenue
		trust += d.TrustScore
	}
	if len(r.devices) > 0 {
		stats.AverageTrustScore = float64(trust) / float64(len(r.devices))
	}
	for _, p := range r.registrations {
		stats.Registrations[p.Status]++
	}

	return stats
}

func (r *Registry) ownerHoldingsLocked(owner string) int {
	n := 0
	for _, d := range r.devices {
		if d.Owner == owner {
			n++
		}
	}
	for _, p := range r.registrations {
		if p.Status.IsOpen() && p.Registration.DeviceInfo.Owner == owner {
			n++
		}
	}
	return n
}

func (r *Registry) publish(evs ...events.Event) {
	if r.bus == nil {
		return
	}
	for _, e := range evs {
		r.bus.Publish(e)
	}
}

func devicePayload(d *Device) events.DevicePayload {
	return events.DevicePayload{
		DeviceID: d.ID,
		Name:     d.Name,
		Owner:    d.Owner,
		Type:     string(d.Type),
		Status:   string(d.Status),
	}
}
