package capability

import "time"

// Category tags a capability by what it does.
type Category string

// Category constants.
const (
	CategoryMovement      Category = "movement"
	CategoryManipulation  Category = "manipulation"
	CategorySensing       Category = "sensing"
	CategoryCommunication Category = "communication"
	CategoryProcessing    Category = "processing"
	CategoryMonitoring    Category = "monitoring"
	CategoryCustom        Category = "custom"
)

// AllCategories returns all valid category values.
func AllCategories() []Category {
	return []Category{
		CategoryMovement, CategoryManipulation, CategorySensing,
		CategoryCommunication, CategoryProcessing, CategoryMonitoring,
		CategoryCustom,
	}
}

// ParamType is the declared JSON type of a parameter.
type ParamType string

// ParamType constants.
const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// AllParamTypes returns all valid parameter types.
func AllParamTypes() []ParamType {
	return []ParamType{TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray}
}

// Rule holds the optional constraints on a parameter value.
// Min and Max apply to numbers, Pattern to strings, AllowedValues to any type.
type Rule struct {
	Min           *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max           *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern       string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	AllowedValues []any    `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
}

// Parameter defines one named argument of a capability.
type Parameter struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Default     any       `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Validation  *Rule     `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// Capability is a named, parameterised operation with a fixed per-execution
// cost and an expected execution-time budget.
type Capability struct {
	ID               string      `json:"id" yaml:"id"`
	Name             string      `json:"name" yaml:"name"`
	Description      string      `json:"description,omitempty" yaml:"description,omitempty"`
	Category         Category    `json:"category" yaml:"category"`
	Parameters       []Parameter `json:"parameters" yaml:"parameters"`
	CostPerExecution float64     `json:"cost_per_execution" yaml:"cost_per_execution"`
	ExecutionTimeMs  int64       `json:"execution_time_ms" yaml:"execution_time_ms"`
}

// ExecutionBudget returns the expected execution time as a duration.
func (c Capability) ExecutionBudget() time.Duration {
	return time.Duration(c.ExecutionTimeMs) * time.Millisecond
}

// Parameter looks up a parameter definition by name.
func (c Capability) Parameter(name string) (Parameter, bool) {
	for _, p := range c.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Clone returns an independent copy. Slices, rule pointers and default
// values are copied so the clone can be mutated freely.
func (c Capability) Clone() Capability {
	cpy := c
	if c.Parameters != nil {
		cpy.Parameters = make([]Parameter, len(c.Parameters))
		for i, p := range c.Parameters {
			cpy.Parameters[i] = p.clone()
		}
	}
	return cpy
}

func (p Parameter) clone() Parameter {
	cpy := p
	cpy.Default = CopyValue(p.Default)
	if p.Validation != nil {
		r := *p.Validation
		if p.Validation.Min != nil {
			v := *p.Validation.Min
			r.Min = &v
		}
		if p.Validation.Max != nil {
			v := *p.Validation.Max
			r.Max = &v
		}
		if p.Validation.AllowedValues != nil {
			r.AllowedValues = make([]any, len(p.Validation.AllowedValues))
			for i, v := range p.Validation.AllowedValues {
				r.AllowedValues[i] = CopyValue(v)
			}
		}
		cpy.Validation = &r
	}
	return cpy
}

// CloneAll copies a capability list.
func CloneAll(caps []Capability) []Capability {
	if caps == nil {
		return nil
	}
	out := make([]Capability, len(caps))
	for i, c := range caps {
		out[i] = c.Clone()
	}
	return out
}

// Find returns the capability with the given ID.
func Find(caps []Capability, id string) (Capability, bool) {
	for _, c := range caps {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// Merge overlays overrides onto base, keyed by capability ID. An override
// replaces the base entry with the same ID in place; new IDs are appended
// in override order.
func Merge(base, overrides []Capability) []Capability {
	merged := CloneAll(base)
	if merged == nil {
		merged = make([]Capability, 0, len(overrides))
	}
	for _, o := range overrides {
		replaced := false
		for i := range merged {
			if merged[i].ID == o.ID {
				merged[i] = o.Clone()
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o.Clone())
		}
	}
	return merged
}

// CopyMap deep-copies a parameter map. Nested maps and slices are copied.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = CopyValue(v)
	}
	return cpy
}

// CopyValue recursively copies JSON-shaped values.
func CopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = CopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
