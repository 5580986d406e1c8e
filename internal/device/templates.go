package device

import (
	"fmt"
	"strings"

	"github.com/nerrad567/teleop-core/internal/capability"
)

// Template is a reusable capability and pricing bundle for a device type.
type Template struct {
	ID                     string                  `json:"template_id"`
	Name                   string                  `json:"name"`
	Description            string                  `json:"description,omitempty"`
	DeviceType             DeviceType              `json:"device_type"`
	DefaultCapabilities    []capability.Capability `json:"default_capabilities"`
	DefaultPricing         Pricing                 `json:"default_pricing"`
	RequiredCertifications []string                `json:"required_certifications,omitempty"`
}

func (t *Template) clone() *Template {
	cpy := *t
	cpy.DefaultCapabilities = capability.CloneAll(t.DefaultCapabilities)
	cpy.DefaultPricing = t.DefaultPricing.clone()
	if t.RequiredCertifications != nil {
		cpy.RequiredCertifications = append([]string(nil), t.RequiredCertifications...)
	}
	return &cpy
}

// PricingOverride overlays individual pricing fields. Nil and empty fields
// keep the template value.
type PricingOverride struct {
	BaseRate        *float64           `json:"base_rate,omitempty"`
	CapabilityRates map[string]float64 `json:"capability_rates,omitempty"`
	OverageRate     *float64           `json:"overage_rate,omitempty"`
	Currency        Currency           `json:"currency,omitempty"`
	BillingModel    BillingModel       `json:"billing_model,omitempty"`
}

func (o *PricingOverride) apply(p Pricing) Pricing {
	out := p.clone()
	if o == nil {
		return out
	}
	if o.BaseRate != nil {
		out.BaseRate = *o.BaseRate
	}
	if o.OverageRate != nil {
		out.OverageRate = *o.OverageRate
	}
	if o.Currency != "" {
		out.Currency = o.Currency
	}
	if o.BillingModel != "" {
		out.BillingModel = o.BillingModel
	}
	if len(o.CapabilityRates) > 0 {
		if out.CapabilityRates == nil {
			out.CapabilityRates = make(map[string]float64, len(o.CapabilityRates))
		}
		for id, rate := range o.CapabilityRates {
			out.CapabilityRates[id] = rate
		}
	}
	return out
}

// Customization is what an owner supplies when registering from a template.
type Customization struct {
	Name           string                  `json:"name"`
	Owner          string                  `json:"owner"`
	Connection     ConnectionInfo          `json:"connection_info"`
	Capabilities   []capability.Capability `json:"capabilities,omitempty"`
	Pricing        *PricingOverride        `json:"pricing,omitempty"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
	OwnerSignature string                  `json:"owner_signature"`
}

// CreateTemplate validates and stores a template, returning its ID.
func (r *Registry) CreateTemplate(t Template) (string, error) {
	var violations []string
	if strings.TrimSpace(t.Name) == "" {
		violations = append(violations, "template name is required")
	}
	if !IsValidDeviceType(t.DeviceType) {
		violations = append(violations, fmt.Sprintf("device type %q is not recognised", t.DeviceType))
	}
	violations = append(violations, ValidateCapabilities(t.DefaultCapabilities)...)
	violations = append(violations, ValidatePricing(t.DefaultPricing)...)
	if err := newValidationError(violations); err != nil {
		return "", err
	}

	stored := t.clone()
	stored.ID = generateTemplateID()

	r.mu.Lock()
	r.templates[stored.ID] = stored
	r.templateOrder = append(r.templateOrder, stored.ID)
	r.mu.Unlock()

	r.logger.Debug("template created", "template_id", stored.ID, "device_type", stored.DeviceType)
	return stored.ID, nil
}

// GetTemplate retrieves a template by ID.
func (r *Registry) GetTemplate(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t.clone(), nil
}

// GetTemplateByType returns the first template created for a device type.
func (r *Registry) GetTemplateByType(dt DeviceType) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.templateOrder {
		if t := r.templates[id]; t.DeviceType == dt {
			return t.clone(), nil
		}
	}
	return nil, ErrTemplateNotFound
}

// ListTemplates returns all templates in creation order.
func (r *Registry) ListTemplates() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Template, 0, len(r.templateOrder))
	for _, id := range r.templateOrder {
		out = append(out, *r.templates[id].clone())
	}
	return out
}

// CreateFromTemplate builds a Registration from a template and an owner's
// customization. Capabilities are merged by ID (customization wins, new IDs
// are appended) and pricing fields are overlaid. The result is not
// submitted; pass it to Submit.
func (r *Registry) CreateFromTemplate(templateID string, c Customization) (Registration, error) {
	t, err := r.GetTemplate(templateID)
	if err != nil {
		return Registration{}, err
	}

	return Registration{
		DeviceInfo: DeviceInfo{
			Name:         c.Name,
			Type:         t.DeviceType,
			Owner:        c.Owner,
			Capabilities: capability.Merge(t.DefaultCapabilities, c.Capabilities),
			Connection:   c.Connection.clone(),
			Pricing:      c.Pricing.apply(t.DefaultPricing),
			Metadata:     capability.CopyMap(c.Metadata),
		},
		OwnerSignature: c.OwnerSignature,
		Timestamp:      r.now().UTC(),
	}, nil
}

func rangeRule(lo, hi float64) *capability.Rule {
	return &capability.Rule{Min: &lo, Max: &hi}
}

func (r *Registry) installDefaultTemplates() {
	defaults := []Template{
		{
			Name:        "Industrial Robot Arm",
			Description: "Standard 6-DOF industrial robot arm",
			DeviceType:  DeviceTypeRobotArm,
			DefaultCapabilities: []capability.Capability{
				{
					ID:          "move_to_position",
					Name:        "Move to Position",
					Description: "Move robot arm to specified coordinates",
					Category:    capability.CategoryMovement,
					Parameters: []capability.Parameter{
						{Name: "x", Type: capability.TypeNumber, Required: true, Description: "X coordinate"},
						{Name: "y", Type: capability.TypeNumber, Required: true, Description: "Y coordinate"},
						{Name: "z", Type: capability.TypeNumber, Required: true, Description: "Z coordinate"},
						{Name: "speed", Type: capability.TypeNumber, Default: 50.0, Description: "Movement speed (0-100)", Validation: rangeRule(0, 100)},
					},
					CostPerExecution: 0.01,
					ExecutionTimeMs:  3000,
				},
				{
					ID:          "grip_object",
					Name:        "Grip Object",
					Description: "Activate gripper to hold object",
					Category:    capability.CategoryManipulation,
					Parameters: []capability.Parameter{
						{Name: "force", Type: capability.TypeNumber, Default: 50.0, Description: "Grip force (0-100)", Validation: rangeRule(0, 100)},
					},
					CostPerExecution: 0.005,
					ExecutionTimeMs:  1000,
				},
			},
			DefaultPricing: Pricing{
				BaseRate:     0.1,
				Currency:     CurrencySOL,
				BillingModel: BillingPerAction,
			},
			RequiredCertifications: []string{"safety_certification"},
		},
		{
			Name:        "Survey Drone",
			Description: "Quadcopter for aerial photography and survey",
			DeviceType:  DeviceTypeDrone,
			DefaultCapabilities: []capability.Capability{
				{
					ID:          "takeoff",
					Name:        "Takeoff",
					Description: "Take off to the specified altitude",
					Category:    capability.CategoryMovement,
					Parameters: []capability.Parameter{
						{Name: "altitude", Type: capability.TypeNumber, Required: true, Description: "Target altitude in meters", Validation: rangeRule(1, 120)},
					},
					CostPerExecution: 0.02,
					ExecutionTimeMs:  5000,
				},
				{
					ID:          "move_to_waypoint",
					Name:        "Move to Waypoint",
					Description: "Fly to GPS coordinates",
					Category:    capability.CategoryMovement,
					Parameters: []capability.Parameter{
						{Name: "latitude", Type: capability.TypeNumber, Required: true, Validation: rangeRule(-90, 90)},
						{Name: "longitude", Type: capability.TypeNumber, Required: true, Validation: rangeRule(-180, 180)},
						{Name: "altitude", Type: capability.TypeNumber, Required: true, Validation: rangeRule(1, 120)},
					},
					CostPerExecution: 0.05,
					ExecutionTimeMs:  10000,
				},
			},
			DefaultPricing: Pricing{
				BaseRate:     0.2,
				Currency:     CurrencySOL,
				BillingModel: BillingPerMinute,
			},
			RequiredCertifications: []string{"aviation_permit"},
		},
	}

	for _, t := range defaults {
		if _, err := r.CreateTemplate(t); err != nil {
			// Built-in templates are static; a failure here is a programming error.
			panic(fmt.Sprintf("device: invalid default template %q: %v", t.Name, err))
		}
	}
}
