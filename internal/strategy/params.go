package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"backtestd/internal/domain"
)

// BindParams resolves supplied values against schema: defaults fill gaps,
// unknown names are rejected, and every value must satisfy its declared type
// and bounds.
func BindParams(schema []domain.ParamSpec, supplied map[string]float64) (Params, error) {
	known := make(map[string]domain.ParamSpec, len(schema))
	for _, ps := range schema {
		known[ps.Name] = ps
	}

	var unknown []string
	for name := range supplied {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown parameter(s): %s", strings.Join(unknown, ", "))
	}

	out := make(Params, len(schema))
	for _, ps := range schema {
		v, ok := supplied[ps.Name]
		if !ok {
			v = ps.Default
		}
		if err := CheckParam(ps, v); err != nil {
			return nil, err
		}
		out[ps.Name] = v
	}
	return out, nil
}

// CheckParam reports whether v is a legal value for ps.
func CheckParam(ps domain.ParamSpec, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("parameter %q: not a finite number", ps.Name)
	}
	switch ps.Type {
	case domain.ParamInt:
		if v != math.Trunc(v) {
			return fmt.Errorf("parameter %q: %v is not an integer", ps.Name, v)
		}
	case domain.ParamBool:
		if v != 0 && v != 1 {
			return fmt.Errorf("parameter %q: %v is not a bool (0 or 1)", ps.Name, v)
		}
	case domain.ParamFloat:
	default:
		return fmt.Errorf("parameter %q: unknown type %q", ps.Name, ps.Type)
	}
	if ps.Min != nil && v < *ps.Min {
		return fmt.Errorf("parameter %q: %v below minimum %v", ps.Name, v, *ps.Min)
	}
	if ps.Max != nil && v > *ps.Max {
		return fmt.Errorf("parameter %q: %v above maximum %v", ps.Name, v, *ps.Max)
	}
	return nil
}
