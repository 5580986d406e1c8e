package command

import (
	"fmt"
	"sort"

	"github.com/nerrad567/teleop-core/internal/capability"
)

// Safety parameter names checked on every command.
const (
	speedParam = "speed"
	forceParam = "force"
)

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64
	Max float64
}

// Safety bounds motion parameters on every command regardless of what the
// capability declares. Zero limits and missing parameters are not checked.
//
// Boundaries maps a coordinate parameter name (x, y, z, ...) to the range
// it must stay within.
type Safety struct {
	MaxSpeed   float64
	MaxForce   float64
	Boundaries map[string]Range
}

// check returns a *capability.ParameterError listing every limit params
// breaks, or nil.
func (s Safety) check(capabilityID string, params map[string]any) error {
	var violations []string

	if v, ok := numberParam(params, speedParam); ok && s.MaxSpeed > 0 && v > s.MaxSpeed {
		violations = append(violations, fmt.Sprintf("speed %v exceeds safety maximum %v", v, s.MaxSpeed))
	}
	if v, ok := numberParam(params, forceParam); ok && s.MaxForce > 0 && v > s.MaxForce {
		violations = append(violations, fmt.Sprintf("force %v exceeds safety maximum %v", v, s.MaxForce))
	}

	axes := make([]string, 0, len(s.Boundaries))
	for axis := range s.Boundaries {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	for _, axis := range axes {
		v, ok := numberParam(params, axis)
		if !ok {
			continue
		}
		if r := s.Boundaries[axis]; v < r.Min || v > r.Max {
			violations = append(violations, fmt.Sprintf("%s coordinate %v outside boundaries [%v, %v]", axis, v, r.Min, r.Max))
		}
	}

	if len(violations) > 0 {
		return &capability.ParameterError{CapabilityID: capabilityID, Violations: violations}
	}
	return nil
}

func numberParam(params map[string]any, name string) (float64, bool) {
	v, ok := params[name]
	if !ok {
		return 0, false
	}
	return capability.Number(v)
}
