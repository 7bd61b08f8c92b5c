package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "gobby/internal/errors"
	"gobby/internal/storage"
)

type fakeLLM struct {
	reply string
}

func (f fakeLLM) Complete(context.Context, string, string) (string, error) {
	return f.reply, nil
}

func newTestExecutor(t *testing.T, llm LLMClient) *Executor {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewExecutor(db, NewLoader(t.TempDir(), nil), llm, nil)
}

func TestSubstitute(t *testing.T) {
	inputs := map[string]any{
		"branch": "main",
		"opts":   map[string]any{"depth": 5.0},
	}
	outputs := map[string]any{
		"build": map[string]any{"stdout": "ok\n", "exit_code": 0.0},
	}

	cases := []struct {
		in   string
		want string
	}{
		{"git checkout $inputs.branch", "git checkout main"},
		{"--depth $inputs.opts.depth", "--depth 5"},
		{"result: $build.output.stdout", "result: ok\n"},
		{"code $build.output.exit_code", "code 0"},
		// Typos stay verbatim instead of vanishing.
		{"$inputs.missing", "$inputs.missing"},
		{"$nostep.output", "$nostep.output"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, substitute(tc.in, inputs, outputs), tc.in)
	}
}

func TestRunExecSteps(t *testing.T) {
	x := newTestExecutor(t, nil)
	require.NoError(t, x.loader.Register(&Definition{
		Name: "greet",
		Steps: []Step{
			{ID: "say", Exec: "echo hello $inputs.name"},
		},
		Outputs: map[string]string{"greeting": "$say.output.stdout"},
	}))

	outputs, err := x.Run(context.Background(), "greet",
		map[string]any{"name": "gobby"}, "proj-1", "")
	require.NoError(t, err)
	assert.Equal(t, "hello gobby\n", outputs["greeting"])
}

func TestRunPromptStepWithoutLLMFails(t *testing.T) {
	x := newTestExecutor(t, nil)
	require.NoError(t, x.loader.Register(&Definition{
		Name:  "ask",
		Steps: []Step{{ID: "q", Prompt: "summarize"}},
	}))

	_, err := x.Run(context.Background(), "ask", nil, "", "")
	assert.Error(t, err)
}

func TestRunPromptStep(t *testing.T) {
	x := newTestExecutor(t, fakeLLM{reply: "the summary"})
	require.NoError(t, x.loader.Register(&Definition{
		Name:    "ask",
		Steps:   []Step{{ID: "q", Prompt: "summarize $inputs.topic"}},
		Outputs: map[string]string{"answer": "$q.output.text"},
	}))

	outputs, err := x.Run(context.Background(), "ask",
		map[string]any{"topic": "the release"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "the summary", outputs["answer"])
}

func TestConditionSkipsStep(t *testing.T) {
	x := newTestExecutor(t, nil)
	require.NoError(t, x.loader.Register(&Definition{
		Name: "conditional",
		Steps: []Step{
			{ID: "always", Exec: "echo ran"},
			{ID: "never", Exec: "exit 1", Condition: `"$inputs.mode" == "danger"`},
		},
	}))

	_, err := x.Run(context.Background(), "conditional",
		map[string]any{"mode": "safe"}, "", "")
	require.NoError(t, err)
}

func TestFailedStepFailsExecution(t *testing.T) {
	x := newTestExecutor(t, nil)
	require.NoError(t, x.loader.Register(&Definition{
		Name: "doomed",
		Steps: []Step{
			{ID: "boom", Exec: "exit 7"},
			{ID: "after", Exec: "echo unreachable"},
		},
	}))

	_, err := x.Run(context.Background(), "doomed", nil, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 7")
}

func TestApprovalGateAndResume(t *testing.T) {
	x := newTestExecutor(t, nil)
	require.NoError(t, x.loader.Register(&Definition{
		Name: "gated",
		Steps: []Step{
			{ID: "prepare", Exec: "echo prepared"},
			{
				ID:       "deploy",
				Exec:     "echo deployed",
				Approval: &Approval{Required: true, Message: "confirm deploy"},
			},
		},
		Outputs: map[string]string{"result": "$deploy.output.stdout"},
	}))
	ctx := context.Background()

	_, err := x.Run(ctx, "gated", nil, "proj-1", "")
	require.Error(t, err)
	var approval *ApprovalRequired
	require.True(t, errors.As(err, &approval))
	assert.Equal(t, "deploy", approval.StepID)
	assert.Equal(t, "confirm deploy", approval.Message)
	assert.NotEmpty(t, approval.Token)

	execution, _, err := x.Status(ctx, approval.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecStatusWaitingApproval, execution.Status)

	execution, err = x.Approve(ctx, approval.Token, "tester")
	require.NoError(t, err)
	assert.Equal(t, storage.ExecStatusCompleted, execution.Status)
	assert.Contains(t, execution.OutputsJSON, "deployed")

	// Approval consumed the token; spending it twice is a not-found.
	_, err = x.Approve(ctx, approval.Token, "tester")
	require.Error(t, err)
	assert.True(t, gerrors.IsNotFound(err))

	_, err = x.Approve(ctx, "bogus-token", "")
	assert.True(t, gerrors.IsNotFound(err))
}

func TestNestedPipeline(t *testing.T) {
	x := newTestExecutor(t, nil)
	require.NoError(t, x.loader.Register(&Definition{
		Name:    "inner",
		Steps:   []Step{{ID: "work", Exec: "echo inner-result"}},
		Outputs: map[string]string{"value": "$work.output.stdout"},
	}))
	require.NoError(t, x.loader.Register(&Definition{
		Name: "outer",
		Steps: []Step{
			{ID: "call", InvokePipeline: "inner"},
		},
		Outputs: map[string]string{"echoed": "$call.output.value"},
	}))

	outputs, err := x.Run(context.Background(), "outer", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "inner-result\n", outputs["echoed"])
}

func TestDefinitionValidation(t *testing.T) {
	def := &Definition{Name: "bad", Steps: []Step{{ID: "a"}}}
	assert.Error(t, def.Validate(), "step with no body")

	def = &Definition{Name: "bad", Steps: []Step{{ID: "a", Exec: "x", Prompt: "y"}}}
	assert.Error(t, def.Validate(), "step with two bodies")

	def = &Definition{Name: "bad", Steps: []Step{
		{ID: "a", Exec: "x"}, {ID: "a", Exec: "y"},
	}}
	assert.Error(t, def.Validate(), "duplicate step id")

	def = &Definition{Name: "ok", Steps: []Step{{ID: "a", Exec: "x"}}}
	assert.NoError(t, def.Validate())
}
