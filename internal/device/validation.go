package device

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/teleop-core/internal/capability"
)

// Validation constants.
const (
	maxNameLength   = 100
	maxCapabilities = 50
	maxMetadataKeys = 50
)

// Pre-computed validation sets for O(1) lookups instead of O(n) linear search.
var (
	validDeviceTypes   map[DeviceType]struct{}
	validStatuses      map[Status]struct{}
	validProtocols     map[Protocol]struct{}
	validCurrencies    map[Currency]struct{}
	validBillingModels map[BillingModel]struct{}
)

func init() {
	validDeviceTypes = make(map[DeviceType]struct{}, len(AllDeviceTypes()))
	for _, t := range AllDeviceTypes() {
		validDeviceTypes[t] = struct{}{}
	}

	validStatuses = make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		validStatuses[s] = struct{}{}
	}

	validProtocols = make(map[Protocol]struct{}, len(AllProtocols()))
	for _, p := range AllProtocols() {
		validProtocols[p] = struct{}{}
	}

	validCurrencies = make(map[Currency]struct{}, len(AllCurrencies()))
	for _, c := range AllCurrencies() {
		validCurrencies[c] = struct{}{}
	}

	validBillingModels = make(map[BillingModel]struct{}, len(AllBillingModels()))
	for _, b := range AllBillingModels() {
		validBillingModels[b] = struct{}{}
	}
}

// ValidateRegistration checks a registration and returns every violation.
// The owner signature is checked for presence only.
func ValidateRegistration(r Registration) []string {
	errs := ValidateDeviceInfo(r.DeviceInfo)
	if strings.TrimSpace(r.OwnerSignature) == "" {
		errs = append(errs, "owner signature is required")
	}
	return errs
}

// ValidateDeviceInfo checks owner-supplied device details and returns every
// violation found, in a stable order.
func ValidateDeviceInfo(info DeviceInfo) []string {
	var errs []string

	name := strings.TrimSpace(info.Name)
	switch {
	case name == "":
		errs = append(errs, "device name is required")
	case len(name) > maxNameLength:
		errs = append(errs, fmt.Sprintf("device name exceeds %d characters", maxNameLength))
	}

	if strings.TrimSpace(info.Owner) == "" {
		errs = append(errs, "device owner is required")
	}

	if _, ok := validDeviceTypes[info.Type]; !ok {
		errs = append(errs, fmt.Sprintf("device type %q is not recognised", info.Type))
	}

	if len(info.Capabilities) == 0 {
		errs = append(errs, "at least one capability is required")
	}
	errs = append(errs, ValidateCapabilities(info.Capabilities)...)

	errs = append(errs, ValidateConnection(info.Connection)...)
	errs = append(errs, ValidatePricing(info.Pricing)...)

	if len(info.Metadata) > maxMetadataKeys {
		errs = append(errs, fmt.Sprintf("metadata exceeds max keys (%d)", maxMetadataKeys))
	}

	return errs
}

// ValidateCapabilities checks a capability list for a device.
func ValidateCapabilities(caps []capability.Capability) []string {
	var errs []string
	if len(caps) > maxCapabilities {
		errs = append(errs, fmt.Sprintf("device declares more than %d capabilities", maxCapabilities))
	}
	return append(errs, capability.ValidateAll(caps)...)
}

// ValidateConnection checks a connection descriptor.
func ValidateConnection(c ConnectionInfo) []string {
	var errs []string
	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, "connection endpoint is required")
	}
	if _, ok := validProtocols[c.Protocol]; !ok {
		errs = append(errs, fmt.Sprintf("connection protocol %q is not recognised", c.Protocol))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "connection port must be between 0 and 65535")
	}
	return errs
}

// ValidatePricing checks a pricing model.
func ValidatePricing(p Pricing) []string {
	var errs []string
	if p.BaseRate < 0 {
		errs = append(errs, "base rate cannot be negative")
	}
	if p.OverageRate < 0 {
		errs = append(errs, "overage rate cannot be negative")
	}
	ids := make([]string, 0, len(p.CapabilityRates))
	for id := range p.CapabilityRates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if p.CapabilityRates[id] < 0 {
			errs = append(errs, fmt.Sprintf("capability rate for %q cannot be negative", id))
		}
	}
	if _, ok := validCurrencies[p.Currency]; !ok {
		errs = append(errs, fmt.Sprintf("currency %q is not recognised", p.Currency))
	}
	if p.BillingModel != "" {
		if _, ok := validBillingModels[p.BillingModel]; !ok {
			errs = append(errs, fmt.Sprintf("billing model %q is not recognised", p.BillingModel))
		}
	}
	return errs
}

// ValidateStatus checks that s is a known status.
func ValidateStatus(s Status) error {
	if _, ok := validStatuses[s]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return nil
}

// IsValidProtocol reports whether p is a known protocol.
func IsValidProtocol(p Protocol) bool {
	_, ok := validProtocols[p]
	return ok
}

// IsValidDeviceType reports whether t is a known device type.
func IsValidDeviceType(t DeviceType) bool {
	_, ok := validDeviceTypes[t]
	return ok
}

// GenerateID creates a new unique device ID.
func GenerateID() string {
	return uuid.New().String()
}

func generateRegistrationID() string {
	return "reg-" + uuid.NewString()
}

func generateTemplateID() string {
	return "tpl-" + uuid.NewString()[:8]
}
