package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"gobby/internal/logging"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// TemplateEngine renders {{ var }} placeholders against the same context
// the condition evaluator uses. Supported forms: dotted names and a
// | default("fallback") filter. Rendering is best effort: an unresolvable
// placeholder without a default is left verbatim.
type TemplateEngine struct {
	logger logging.Logger
}

// NewTemplateEngine constructs a template engine.
func NewTemplateEngine(logger logging.Logger) *TemplateEngine {
	return &TemplateEngine{logger: logging.OrNop(logger)}
}

// Render substitutes placeholders in tmpl from ctx.
func (t *TemplateEngine) Render(tmpl string, ctx map[string]any) string {
	return templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])

		name, fallback, hasDefault := splitDefault(inner)
		value, found := lookupPath(ctx, name)
		if !found || value == nil {
			if hasDefault {
				return fallback
			}
			t.logger.Debug("template: unresolved placeholder %q", name)
			return match
		}
		return stringify(value)
	})
}

// RenderValue substitutes string values recursively through maps and slices,
// leaving other types untouched.
func (t *TemplateEngine) RenderValue(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return t.Render(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = t.RenderValue(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = t.RenderValue(item, ctx)
		}
		return out
	default:
		return value
	}
}

var defaultFilterPattern = regexp.MustCompile(`^(.+?)\s*\|\s*default\(\s*(?:"([^"]*)"|'([^']*)')\s*\)$`)

func splitDefault(inner string) (name, fallback string, ok bool) {
	m := defaultFilterPattern.FindStringSubmatch(inner)
	if m == nil {
		return inner, "", false
	}
	fallback = m[2]
	if fallback == "" {
		fallback = m[3]
	}
	return strings.TrimSpace(m[1]), fallback, true
}

// lookupPath resolves a dotted name through nested maps.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = ctx
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
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
