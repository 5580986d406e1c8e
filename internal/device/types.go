package device

import (
	"time"

	"github.com/nerrad567/teleop-core/internal/capability"
)

// Device is the registry's view of a remotely controllable device.
type Device struct {
	// Identity
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Type  DeviceType `json:"type"`
	Owner string     `json:"owner"`

	// What the device can do and how to reach it
	Capabilities []capability.Capability `json:"capabilities"`
	Connection   ConnectionInfo          `json:"connection_info"`
	Pricing      Pricing                 `json:"pricing"`

	// Live state
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Registry bookkeeping
	RegisteredAt       time.Time          `json:"registered_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	TrustScore         int                `json:"trust_score"`
	TotalSessions      int                `json:"total_sessions"`
	TotalRevenue       float64            `json:"total_revenue"`
	AverageRating      float64            `json:"average_rating"`
	Certifications     []Certification    `json:"certifications"`
}

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. This is essential for registry isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	cpy.Capabilities = capability.CloneAll(d.Capabilities)
	cpy.Connection = d.Connection.clone()
	cpy.Pricing = d.Pricing.clone()
	cpy.Metadata = capability.CopyMap(d.Metadata)

	if d.Certifications != nil {
		cpy.Certifications = make([]Certification, len(d.Certifications))
		copy(cpy.Certifications, d.Certifications)
	}

	return &cpy
}

// Capability returns the declared capability with the given ID.
func (d *Device) Capability(id string) (capability.Capability, bool) {
	return capability.Find(d.Capabilities, id)
}

// Redacted returns a copy with connection credentials removed, for
// responses sent to parties other than the owner.
func (d *Device) Redacted() *Device {
	cpy := d.DeepCopy()
	if cpy != nil && cpy.Connection.Credentials != nil {
		cpy.Connection.Credentials = &Credentials{Username: cpy.Connection.Credentials.Username}
	}
	return cpy
}

// ConnectionInfo describes how to reach a device.
type ConnectionInfo struct {
	Protocol    Protocol       `json:"protocol"`
	Endpoint    string         `json:"endpoint"`
	Port        int            `json:"port,omitempty"`
	Credentials *Credentials   `json:"credentials,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

func (c ConnectionInfo) clone() ConnectionInfo {
	cpy := c
	if c.Credentials != nil {
		creds := *c.Credentials
		cpy.Credentials = &creds
	}
	cpy.Options = capability.CopyMap(c.Options)
	return cpy
}

// Credentials are the secrets a transport presents to the device.
type Credentials struct {
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	Certificate string `json:"certificate,omitempty"`
}

// Pricing is the device's billing model.
//
// BaseRate is per minute of session time under BillingPerMinute and is
// otherwise informational.
// OverageRate is charged per second of measured execution time beyond a
// capability's ExecutionTimeMs budget. Zero means "use the deployment
// default" (see the billing config section).
type Pricing struct {
	BaseRate        float64            `json:"base_rate"`
	CapabilityRates map[string]float64 `json:"capability_rates,omitempty"`
	OverageRate     float64            `json:"overage_rate,omitempty"`
	Currency        Currency           `json:"currency"`
	BillingModel    BillingModel       `json:"billing_model"`
}

func (p Pricing) clone() Pricing {
	cpy := p
	if p.CapabilityRates != nil {
		cpy.CapabilityRates = make(map[string]float64, len(p.CapabilityRates))
		for k, v := range p.CapabilityRates {
			cpy.CapabilityRates[k] = v
		}
	}
	return cpy
}

// ExecutionCost returns the fixed per-execution charge for a capability:
// the pricing's capability rate when one is set, otherwise the capability's
// own CostPerExecution.
func (p Pricing) ExecutionCost(c capability.Capability) float64 {
	if rate, ok := p.CapabilityRates[c.ID]; ok {
		return rate
	}
	return c.CostPerExecution
}

// CommandCost computes the charge for one successful execution:
//
//	executionCost + max(0, measured - budget) in seconds × overageRate
//
// defaultOverage is used when the pricing carries no overage rate.
func (p Pricing) CommandCost(c capability.Capability, measured time.Duration, defaultOverage float64) float64 {
	cost := p.ExecutionCost(c)

	extra := measured - c.ExecutionBudget()
	if extra <= 0 {
		return cost
	}

	rate := p.OverageRate
	if rate == 0 {
		rate = defaultOverage
	}
	return cost + extra.Seconds()*rate
}

// UsageCharge returns the time-based charge for a session of length d.
// Only per-minute pricing bills time: BaseRate per minute, pro rata.
// Per-action devices bill commands alone and subscriptions are invoiced
// outside the broker.
func (p Pricing) UsageCharge(d time.Duration) float64 {
	if p.BillingModel != BillingPerMinute || d <= 0 {
		return 0
	}
	return d.Minutes() * p.BaseRate
}

// Certification is a third-party attestation attached on verification.
type Certification struct {
	ID               string              `json:"certification_id"`
	Name             string              `json:"name"`
	Issuer           string              `json:"issuer"`
	IssuedAt         time.Time           `json:"issue_date"`
	ExpiresAt        time.Time           `json:"expiry_date"`
	Status           CertificationStatus `json:"status"`
	VerificationHash string              `json:"verification_hash,omitempty"`
}

// DeviceInfo is the owner-supplied description inside a Registration.
type DeviceInfo struct {
	Name         string                  `json:"name"`
	Type         DeviceType              `json:"type"`
	Owner        string                  `json:"owner"`
	Capabilities []capability.Capability `json:"capabilities"`
	Connection   ConnectionInfo          `json:"connection_info"`
	Pricing      Pricing                 `json:"pricing"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
}

func (i DeviceInfo) clone() DeviceInfo {
	cpy := i
	cpy.Capabilities = capability.CloneAll(i.Capabilities)
	cpy.Connection = i.Connection.clone()
	cpy.Pricing = i.Pricing.clone()
	cpy.Metadata = capability.CopyMap(i.Metadata)
	return cpy
}

// Registration is a device owner's request to list a device.
// The owner signature is checked for presence only.
type Registration struct {
	DeviceInfo     DeviceInfo `json:"device_info"`
	OwnerSignature string     `json:"owner_signature"`
	Timestamp      time.Time  `json:"timestamp"`
}

// PendingRegistration tracks a submitted Registration through review.
// Records are kept after approval or rejection for audit.
type PendingRegistration struct {
	ID           string             `json:"registration_id"`
	Registration Registration       `json:"registration"`
	SubmittedAt  time.Time          `json:"submission_date"`
	Status       RegistrationStatus `json:"status"`
	Reviewer     string             `json:"reviewer,omitempty"`
	ReviewNotes  string             `json:"review_notes,omitempty"`
	ReviewedAt   *time.Time         `json:"reviewed_at,omitempty"`
	DeviceID     string             `json:"device_id,omitempty"`
}

// DeepCopy returns an independent copy of the registration record.
func (p *PendingRegistration) DeepCopy() *PendingRegistration {
	if p == nil {
		return nil
	}
	cpy := *p
	cpy.Registration.DeviceInfo = p.Registration.DeviceInfo.clone()
	if p.ReviewedAt != nil {
		t := *p.ReviewedAt
		cpy.ReviewedAt = &t
	}
	return &cpy
}

// DeviceUpdate is a partial update. Nil fields are left unchanged.
// Status cannot be changed through an update.
type DeviceUpdate struct {
	Name          *string                 `json:"name,omitempty"`
	Capabilities  []capability.Capability `json:"capabilities,omitempty"`
	Connection    *ConnectionInfo         `json:"connection_info,omitempty"`
	Pricing       *Pricing                `json:"pricing,omitempty"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
	AverageRating *float64                `json:"average_rating,omitempty"`
}

// Filter narrows ListDevices. Zero fields match everything.
type Filter struct {
	Type               DeviceType
	Status             Status
	Owner              string
	VerificationStatus VerificationStatus
	MinTrustScore      *int
	MaxTrustScore      *int
}

func (f Filter) matches(d *Device) bool {
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Owner != "" && d.Owner != f.Owner {
		return false
	}
	if f.VerificationStatus != "" && d.VerificationStatus != f.VerificationStatus {
		return false
	}
	if f.MinTrustScore != nil && d.TrustScore < *f.MinTrustScore {
		return false
	}
	if f.MaxTrustScore != nil && d.TrustScore > *f.MaxTrustScore {
		return false
	}
	return true
}

// VerificationData is the evidence supplied with a verification request.
type VerificationData struct {
	SecurityToken string         `json:"security_token,omitempty"`
	Certificate   *Certification `json:"certificate,omitempty"`
	TestResults   map[string]any `json:"test_results,omitempty"`
}

// VerificationCheck is one item of the verification checklist.
type VerificationCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// VerificationResult is the outcome of Verify.
type VerificationResult struct {
	Success   bool                `json:"success"`
	Checks    []VerificationCheck `json:"checks"`
	Timestamp time.Time           `json:"timestamp"`
	Verifier  string              `json:"verifier"`
}

// RetiredDevice is the tombstone kept after Remove.
type RetiredDevice struct {
	Device    Device    `json:"device"`
	RemovedAt time.Time `json:"removed_at"`
	Reason    string    `json:"reason"`
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices       int                        `json:"total_devices"`
	ByType             map[DeviceType]int         `json:"devices_by_type"`
	ByStatus           map[Status]int             `json:"devices_by_status"`
	ByVerification     map[VerificationStatus]int `json:"verification_stats"`
	Registrations      map[RegistrationStatus]int `json:"pending_registrations"`
	TotalRegistrations int                        `json:"total_registrations"`
	AverageTrustScore  float64                    `json:"average_trust_score"`
	TotalRevenue       float64                    `json:"total_revenue"`
}

// DeviceType classifies a device.
type DeviceType string //nolint:revive // device.DeviceType is clearer than device.Type in calling code

// DeviceType constants.
const (
	DeviceTypeRobotArm          DeviceType = "robot_arm"
	DeviceTypeMobileRobot       DeviceType = "mobile_robot"
	DeviceTypeDrone             DeviceType = "drone"
	DeviceTypeSmartHome         DeviceType = "smart_home"
	DeviceType3DPrinter         DeviceType = "3d_printer"
	DeviceTypeSecurityCamera    DeviceType = "security_camera"
	DeviceTypeIndustrialMachine DeviceType = "industrial_machine"
	DeviceTypeSensorArray       DeviceType = "sensor_array"
	DeviceTypeCustom            DeviceType = "custom"
)

// AllDeviceTypes returns all valid device type values.
func AllDeviceTypes() []DeviceType {
	return []DeviceType{
		DeviceTypeRobotArm, DeviceTypeMobileRobot, DeviceTypeDrone,
		DeviceTypeSmartHome, DeviceType3DPrinter, DeviceTypeSecurityCamera,
		DeviceTypeIndustrialMachine, DeviceTypeSensorArray, DeviceTypeCustom,
	}
}

// Status is the live lifecycle status of a device.
type Status string

// Status constants.
const (
	StatusOffline      Status = "offline"
	StatusOnline       Status = "online"
	StatusBusy         Status = "busy"
	StatusMaintenance  Status = "maintenance"
	StatusError        Status = "error"
	StatusUnauthorized Status = "unauthorized"
)

// AllStatuses returns all valid status values.
func AllStatuses() []Status {
	return []Status{
		StatusOffline, StatusOnline, StatusBusy,
		StatusMaintenance, StatusError, StatusUnauthorized,
	}
}

// Protocol is the transport used to reach a device.
type Protocol string

// Protocol constants.
const (
	ProtocolHTTP      Protocol = "http"
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolWebSocket Protocol = "websocket"
)

// AllProtocols returns all valid protocol values.
func AllProtocols() []Protocol {
	return []Protocol{ProtocolHTTP, ProtocolMQTT, ProtocolWebSocket}
}

// Currency is the settlement currency.
type Currency string

// Currency constants.
const (
	CurrencySOL  Currency = "SOL"
	CurrencyUSDC Currency = "USDC"
)

// AllCurrencies returns all valid currency values.
func AllCurrencies() []Currency {
	return []Currency{CurrencySOL, CurrencyUSDC}
}

// BillingModel describes how a device charges.
type BillingModel string

// BillingModel constants.
const (
	BillingPerAction    BillingModel = "per_action"
	BillingPerMinute    BillingModel = "per_minute"
	BillingSubscription BillingModel = "subscription"
)

// AllBillingModels returns all valid billing model values.
func AllBillingModels() []BillingModel {
	return []BillingModel{BillingPerAction, BillingPerMinute, BillingSubscription}
}

// VerificationStatus is the outcome of the most recent verification.
type VerificationStatus string

// VerificationStatus constants.
const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// RegistrationStatus tracks a PendingRegistration.
type RegistrationStatus string

// RegistrationStatus constants.
const (
	RegistrationSubmitted   RegistrationStatus = "submitted"
	RegistrationUnderReview RegistrationStatus = "under_review"
	RegistrationApproved    RegistrationStatus = "approved"
	RegistrationRejected    RegistrationStatus = "rejected"
)

// IsOpen reports whether the registration still awaits a decision.
func (s RegistrationStatus) IsOpen() bool {
	return s == RegistrationSubmitted || s == RegistrationUnderReview
}

// CertificationStatus is the state of a Certification.
type CertificationStatus string

// CertificationStatus constants.
const (
	CertificationActive  CertificationStatus = "active"
	CertificationExpired CertificationStatus = "expired"
	CertificationRevoked CertificationStatus = "revoked"
)
