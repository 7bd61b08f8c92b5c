package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// $inputs.name or $step_id.output or $step_id.output.field
var refPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z0-9_.]+)`)

// substitute replaces $inputs.X and $step.output[.field] references.
// Unresolvable references are left verbatim so a typo surfaces in the
// rendered command instead of silently becoming empty.
func substitute(s string, inputs map[string]any, stepOutputs map[string]any) string {
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := refPattern.FindStringSubmatch(match)
		head, rest := groups[1], groups[2]

		if head == "inputs" {
			value, ok := lookupDotted(inputs, rest)
			if !ok {
				return match
			}
			return renderValue(value)
		}

		output, ok := stepOutputs[head]
		if !ok {
			return match
		}
		if rest == "output" {
			return renderValue(output)
		}
		if field, found := strings.CutPrefix(rest, "output."); found {
			m, ok := output.(map[string]any)
			if !ok {
				return match
			}
			value, ok := lookupDotted(m, field)
			if !ok {
				return match
			}
			return renderValue(value)
		}
		return match
	})
}

// substituteValue applies substitution through nested maps and slices.
func substituteValue(value any, inputs map[string]any, stepOutputs map[string]any) any {
	switch v := value.(type) {
	case string:
		return substitute(v, inputs, stepOutputs)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = substituteValue(item, inputs, stepOutputs)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substituteValue(item, inputs, stepOutputs)
		}
		return out
	default:
		return value
	}
}

func lookupDotted(m map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = m
	for _, segment := range segments {
		mm, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = mm[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
