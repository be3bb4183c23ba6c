package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"

	playbook "github.com/parchmint/playbook-engine"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeConfig unmarshals a node's raw configuration into the handler's
// typed config struct and runs its validation tags. A nil raw config leaves
// the struct at its zero value and only the tags apply. Malformed JSON and
// tag violations both come back as a failed ValidationResult, never as an
// execution error: config problems are caught before any model call.
func DecodeConfig(raw json.RawMessage, out any) playbook.ValidationResult {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return playbook.Invalid(fmt.Sprintf("malformed configuration: %v", err))
		}
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("configuration field %s failed %s validation", fe.Field(), fe.Tag()))
			}
			return playbook.Invalid(msgs...)
		}
		return playbook.Invalid(fmt.Sprintf("invalid configuration: %v", err))
	}
	return playbook.Valid()
}

// CheckParameters enforces a handler's declared parameter specs against the
// decoded configuration values: required presence, enum membership and
// numeric bounds. Returns one message per violation.
func CheckParameters(specs []playbook.ParameterSpec, values map[string]any) []string {
	var violations []string
	for _, spec := range specs {
		value, present := values[spec.Name]
		if !present || value == nil {
			if spec.Required && spec.Default == nil {
				violations = append(violations, fmt.Sprintf("parameter %q is required", spec.Name))
			}
			continue
		}

		if len(spec.Enum) > 0 {
			s, ok := value.(string)
			if !ok || !slices.Contains(spec.Enum, s) {
				violations = append(violations, fmt.Sprintf("parameter %q must be one of %v", spec.Name, spec.Enum))
			}
		}

		if spec.Min != nil || spec.Max != nil {
			n, ok := toFloat(value)
			if !ok {
				violations = append(violations, fmt.Sprintf("parameter %q must be numeric", spec.Name))
				continue
			}
			if spec.Min != nil && n < *spec.Min {
				violations = append(violations, fmt.Sprintf("parameter %q must be >= %v", spec.Name, *spec.Min))
			}
			if spec.Max != nil && n > *spec.Max {
				violations = append(violations, fmt.Sprintf("parameter %q must be <= %v", spec.Name, *spec.Max))
			}
		}
	}
	return violations
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
