package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBasics(t *testing.T) {
	e := NewEvaluator(nil)
	ctx := map[string]any{
		"count":  3,
		"name":   "review",
		"labels": []any{"bug", "urgent"},
		"state": map[string]any{
			"step":      "implement",
			"completed": true,
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"count > 2", true},
		{"count >= 4", false},
		{"count + 1 == 4", true},
		{"count * 2 - 1 == 5", true},
		{`name == "review"`, true},
		{`name != "review"`, false},
		{`"bug" in labels`, true},
		{`"feature" in labels`, false},
		{`"view" in name`, true},
		{`state.step == "implement"`, true},
		{"state.completed", true},
		{"not state.completed", false},
		{`count > 2 and name == "review"`, true},
		{"count > 5 or state.completed", true},
		{"count > 5 and state.completed", false},
		{"len(labels) == 2", true},
		{"len(name) > 3", true},
		{"(count + 1) * 2 == 8", true},
		{"missing", false},
		{"", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.EvalBool(tc.expr, ctx), tc.expr)
	}
}

func TestEvalIndexing(t *testing.T) {
	e := NewEvaluator(nil)
	ctx := map[string]any{
		"items": []any{"a", "b", "c"},
		"table": map[string]any{"key": "value"},
	}

	v, err := e.Eval(`items[1]`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = e.Eval(`table["key"]`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = e.Eval(`items[9]`, ctx)
	assert.Error(t, err)
}

func TestEvalErrorsAreFalse(t *testing.T) {
	e := NewEvaluator(nil)
	assert.False(t, e.EvalBool("1 +", nil))
	assert.False(t, e.EvalBool(`unknown_func(1)`, nil))
	assert.False(t, e.EvalBool(`"a" > 1`, nil))
}

func TestRegisterFunc(t *testing.T) {
	e := NewEvaluator(nil)
	e.RegisterFunc("double", func(args []any) (any, error) {
		n, _ := toFloat(args[0])
		return n * 2, nil
	})
	v, err := e.Eval("double(21)", nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestTemplateRender(t *testing.T) {
	tmpl := NewTemplateEngine(nil)
	ctx := map[string]any{
		"task": map[string]any{"title": "fix parser", "seq": 7.0},
	}

	assert.Equal(t, "Working on: fix parser",
		tmpl.Render("Working on: {{ task.title }}", ctx))
	assert.Equal(t, "Task #7",
		tmpl.Render("Task #{{ task.seq }}", ctx))
	assert.Equal(t, "fallback",
		tmpl.Render(`{{ task.owner | default("fallback") }}`, ctx))
	// Unresolved placeholders without a default stay verbatim.
	assert.Equal(t, "{{ nothing.here }}",
		tmpl.Render("{{ nothing.here }}", ctx))
}

func TestTemplateRenderValue(t *testing.T) {
	tmpl := NewTemplateEngine(nil)
	ctx := map[string]any{"name": "gobby"}

	out := tmpl.RenderValue(map[string]any{
		"greeting": "hello {{ name }}",
		"nested":   []any{"{{ name }}", 42},
	}, ctx)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello gobby", m["greeting"])
	nested, ok := m["nested"].([]any)
	require.True(t, ok)
	assert.Equal(t, "gobby", nested[0])
	assert.Equal(t, 42, nested[1])
}
