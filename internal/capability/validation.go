package capability

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// Pre-computed validation sets.
var (
	validCategories map[Category]struct{}
	validParamTypes map[ParamType]struct{}
)

// patternCache holds compiled parameter patterns keyed by source.
var patternCache sync.Map

func init() {
	validCategories = make(map[Category]struct{}, len(AllCategories()))
	for _, c := range AllCategories() {
		validCategories[c] = struct{}{}
	}

	validParamTypes = make(map[ParamType]struct{}, len(AllParamTypes()))
	for _, t := range AllParamTypes() {
		validParamTypes[t] = struct{}{}
	}
}

// IsValidCategory reports whether c is a known category.
func IsValidCategory(c Category) bool {
	_, ok := validCategories[c]
	return ok
}

// Validate checks a single capability definition and returns every
// violation found. An empty slice means the definition is valid.
func Validate(c Capability) []string {
	var errs []string

	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, "capability id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, "capability name is required")
	}
	if c.CostPerExecution < 0 {
		errs = append(errs, "capability cost cannot be negative")
	}
	if c.ExecutionTimeMs <= 0 {
		errs = append(errs, "capability execution time must be positive")
	}
	if c.Category != "" && !IsValidCategory(c.Category) {
		errs = append(errs, fmt.Sprintf("capability category %q is not recognised", c.Category))
	}

	seen := make(map[string]struct{}, len(c.Parameters))
	for _, p := range c.Parameters {
		errs = append(errs, validateDefinition(p, seen)...)
	}

	return prefix(c.ID, errs)
}

// ValidateAll checks a capability list, including ID uniqueness.
func ValidateAll(caps []Capability) []string {
	var errs []string
	ids := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		errs = append(errs, Validate(c)...)
		if c.ID == "" {
			continue
		}
		if _, dup := ids[c.ID]; dup {
			errs = append(errs, fmt.Sprintf("capability id %q is declared more than once", c.ID))
		}
		ids[c.ID] = struct{}{}
	}
	return errs
}

func validateDefinition(p Parameter, seen map[string]struct{}) []string {
	var errs []string
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, "parameter name is required")
	} else {
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Sprintf("parameter %q is declared more than once", p.Name))
		}
		seen[p.Name] = struct{}{}
	}
	if _, ok := validParamTypes[p.Type]; !ok {
		errs = append(errs, fmt.Sprintf("parameter %q has unknown type %q", p.Name, p.Type))
	}
	if r := p.Validation; r != nil {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			errs = append(errs, fmt.Sprintf("parameter %q has min greater than max", p.Name))
		}
		if r.Pattern != "" {
			if _, err := compilePattern(r.Pattern); err != nil {
				errs = append(errs, fmt.Sprintf("parameter %q has invalid pattern: %v", p.Name, err))
			}
		}
	}
	return errs
}

func prefix(id string, errs []string) []string {
	if id == "" || len(errs) == 0 {
		return errs
	}
	for i, e := range errs {
		if !strings.HasPrefix(e, "capability id") {
			errs[i] = fmt.Sprintf("%s: %s", id, e)
		}
	}
	return errs
}

// ValidateParameters checks params against the capability's definitions.
//
// Every definition is checked and every violation collected: missing
// required values, type mismatches, and min/max/allowed-value/pattern rule
// failures. On success the returned map is a copy of params with defaults
// applied for omitted optional parameters.
//
// Returns a *ParameterError (unwrapping to ErrInvalidParameters) when any
// violation is found.
func ValidateParameters(c Capability, params map[string]any) (map[string]any, error) {
	out := CopyMap(params)
	if out == nil {
		out = make(map[string]any, len(c.Parameters))
	}

	var violations []string
	for _, def := range c.Parameters {
		value, present := params[def.Name]
		if !present || value == nil {
			if def.Required {
				violations = append(violations, fmt.Sprintf("required parameter '%s' is missing", def.Name))
				continue
			}
			if def.Default != nil {
				out[def.Name] = CopyValue(def.Default)
			}
			continue
		}

		if !matchesType(def.Type, value) {
			violations = append(violations, fmt.Sprintf("parameter '%s' must be a %s", def.Name, def.Type))
			continue
		}

		if def.Validation != nil {
			violations = append(violations, checkRule(def, value)...)
		}
	}

	if len(violations) > 0 {
		return nil, &ParameterError{CapabilityID: c.ID, Violations: violations}
	}
	return out, nil
}

func checkRule(def Parameter, value any) []string {
	var errs []string
	r := def.Validation

	if n, ok := toFloat(value); ok {
		if r.Min != nil && n < *r.Min {
			errs = append(errs, fmt.Sprintf("parameter '%s' must be >= %v", def.Name, *r.Min))
		}
		if r.Max != nil && n > *r.Max {
			errs = append(errs, fmt.Sprintf("parameter '%s' must be <= %v", def.Name, *r.Max))
		}
	}

	if len(r.AllowedValues) > 0 && !containsValue(r.AllowedValues, value) {
		allowed := make([]string, len(r.AllowedValues))
		for i, v := range r.AllowedValues {
			allowed[i] = fmt.Sprint(v)
		}
		errs = append(errs, fmt.Sprintf("parameter '%s' must be one of: %s", def.Name, strings.Join(allowed, ", ")))
	}

	if s, ok := value.(string); ok && r.Pattern != "" {
		re, err := compilePattern(r.Pattern)
		if err != nil || !re.MatchString(s) {
			errs = append(errs, fmt.Sprintf("parameter '%s' must match pattern %s", def.Name, r.Pattern))
		}
	}

	return errs
}

func matchesType(t ParamType, value any) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := toFloat(value)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		return reflect.ValueOf(value).Kind() == reflect.Map
	case TypeArray:
		k := reflect.ValueOf(value).Kind()
		return k == reflect.Slice || k == reflect.Array
	default:
		return false
	}
}

// Number returns v as a float64 when it holds a Go or JSON number.
func Number(v any) (float64, bool) {
	return toFloat(v)
}

// toFloat converts Go and JSON numeric values to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsValue(allowed []any, value any) bool {
	vf, vNum := toFloat(value)
	for _, a := range allowed {
		if af, ok := toFloat(a); ok && vNum {
			if af == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(a, value) {
			return true
		}
	}
	return false
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
