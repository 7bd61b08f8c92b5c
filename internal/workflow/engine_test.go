package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"gobby/internal/hooks"
	"gobby/internal/session"
	"gobby/internal/storage"
	"gobby/internal/task"
)

func newTestEngine(t *testing.T) (*Engine, *Loader, string) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := session.NewManager(db, nil)
	tasks := task.NewManager(db, nil, nil)
	loader := NewLoader(t.TempDir(), nil)
	states := NewStateManager(db, nil)
	engine := NewEngine(loader, states, NewExecutor(nil), sessions, tasks, nil)

	s, err := sessions.Register(context.Background(), &storage.Session{
		ExternalID: "ext-1", MachineID: "m-1", Source: "claude", ProjectID: "proj-1",
	})
	require.NoError(t, err)
	return engine, loader, s.ID
}

func mustDefine(t *testing.T, loader *Loader, source string) {
	t.Helper()
	def := &Definition{}
	require.NoError(t, yaml.Unmarshal([]byte(source), def))
	require.NoError(t, loader.Register(def))
}

func TestStartEntersInitialStep(t *testing.T) {
	engine, loader, sessionID := newTestEngine(t)
	mustDefine(t, loader, `
name: tdd
variables:
  strictness: high
steps:
  - name: write_test
  - name: implement
`)

	st, err := engine.Start(context.Background(), sessionID, "tdd",
		map[string]any{"strictness": "low"})
	require.NoError(t, err)
	assert.Equal(t, "write_test", st.Step)
	assert.Equal(t, "low", st.Variables["strictness"])

	_, err = engine.Start(context.Background(), sessionID, "missing", nil)
	assert.Error(t, err)
}

func TestToolRestrictions(t *testing.T) {
	engine, loader, sessionID := newTestEngine(t)
	mustDefine(t, loader, `
name: locked
steps:
  - name: review
    allowed_tools: [Read, Grep]
    blocked_tools: [Grep]
`)
	_, err := engine.Start(context.Background(), sessionID, "locked", nil)
	require.NoError(t, err)

	toolEvent := func(tool string) *hooks.Event {
		return &hooks.Event{Type: hooks.BeforeTool, ToolName: tool}
	}

	res, err := engine.HandleEvent(context.Background(), sessionID, toolEvent("Read"))
	require.NoError(t, err)
	assert.False(t, res.Blocked())

	// blocked_tools wins over allowed_tools.
	res, err = engine.HandleEvent(context.Background(), sessionID, toolEvent("Grep"))
	require.NoError(t, err)
	assert.True(t, res.Blocked())
	assert.Contains(t, res.Reason, "blocked")

	res, err = engine.HandleEvent(context.Background(), sessionID, toolEvent("Write"))
	require.NoError(t, err)
	assert.True(t, res.Blocked())
	assert.Contains(t, res.Reason, "not allowed")

	// Discovery tools bypass every restriction.
	res, err = engine.HandleEvent(context.Background(), sessionID,
		toolEvent("mcp__gobby__list_workflows"))
	require.NoError(t, err)
	assert.False(t, res.Blocked())
}

func TestToolMatchesMCPPrefix(t *testing.T) {
	assert.True(t, toolMatches("create_task", "mcp__gobby__create_task"))
	assert.True(t, toolMatches("mcp__gobby__create_task", "create_task"))
	assert.True(t, toolMatches("Bash", "Bash"))
	assert.False(t, toolMatches("Bash", "Read"))
}

func TestRuleBlocks(t *testing.T) {
	engine, loader, sessionID := newTestEngine(t)
	mustDefine(t, loader, `
name: guarded
steps:
  - name: working
    rules:
      - when: 'tool_name == "Bash" and "rm -rf" in tool_args.command'
        action: block
        message: destructive command
`)
	_, err := engine.Start(context.Background(), sessionID, "guarded", nil)
	require.NoError(t, err)

	res, err := engine.HandleEvent(context.Background(), sessionID, &hooks.Event{
		Type:     hooks.BeforeTool,
		ToolName: "Bash",
		ToolInput: map[string]any{"command": "rm -rf /"},
	})
	require.NoError(t, err)
	assert.True(t, res.Blocked())
	assert.Equal(t, "destructive command", res.Reason)

	res, err = engine.HandleEvent(context.Background(), sessionID, &hooks.Event{
		Type:     hooks.BeforeTool,
		ToolName: "Bash",
		ToolInput: map[string]any{"command": "ls"},
	})
	require.NoError(t, err)
	assert.False(t, res.Blocked())
}

func TestAutoChainTransitions(t *testing.T) {
	engine, loader, sessionID := newTestEngine(t)
	mustDefine(t, loader, `
name: chained
variables:
  done: true
steps:
  - name: first
    transitions:
      - to: second
        when: done
  - name: second
    status_message: now in second
    transitions:
      - to: third
        when: done
  - name: third
    status_message: now in third
`)
	_, err := engine.Start(context.Background(), sessionID, "chained", nil)
	require.NoError(t, err)

	res, err := engine.HandleEvent(context.Background(), sessionID,
		&hooks.Event{Type: hooks.BeforeAgent, Prompt: "go"})
	require.NoError(t, err)
	assert.False(t, res.Blocked())
	assert.Equal(t, []string{"now in second", "now in third"}, res.ContextParts)

	st, err := engine.States().Get(context.Background(), sessionID, "chained")
	require.NoError(t, err)
	assert.Equal(t, "third", st.Step)
}

func TestTriggerActionsAndPriority(t *testing.T) {
	engine, loader, sessionID := newTestEngine(t)
	mustDefine(t, loader, `
name: gatekeeper
priority: 1
triggers:
  on_before_agent:
    - action: block
      message: gatekeeper says no
`)
	mustDefine(t, loader, `
name: annotator
priority: 5
triggers:
  on_before_agent:
    - action: inject_message
      content: never reached
`)
	ctx := context.Background()
	_, err := engine.Start(ctx, sessionID, "gatekeeper", nil)
	require.NoError(t, err)
	_, err = engine.Start(ctx, sessionID, "annotator", nil)
	require.NoError(t, err)

	res, err := engine.HandleEvent(ctx, sessionID, &hooks.Event{Type: hooks.BeforeAgent})
	require.NoError(t, err)
	assert.True(t, res.Blocked())
	assert.Equal(t, "gatekeeper says no", res.Reason)
	assert.Empty(t, res.Messages)
}

func TestConditionalTriggerAction(t *testing.T) {
	engine, loader, sessionID := newTestEngine(t)
	mustDefine(t, loader, `
name: selective
triggers:
  on_before_tool:
    - action: block
      message: no shell
      when: 'tool_name == "Bash"'
`)
	ctx := context.Background()
	_, err := engine.Start(ctx, sessionID, "selective", nil)
	require.NoError(t, err)

	res, err := engine.HandleEvent(ctx, sessionID,
		&hooks.Event{Type: hooks.BeforeTool, ToolName: "Read"})
	require.NoError(t, err)
	assert.False(t, res.Blocked())

	res, err = engine.HandleEvent(ctx, sessionID,
		&hooks.Event{Type: hooks.BeforeTool, ToolName: "Bash"})
	require.NoError(t, err)
	assert.True(t, res.Blocked())
}

func TestStopRemovesInstance(t *testing.T) {
	engine, loader, sessionID := newTestEngine(t)
	mustDefine(t, loader, `
name: ephemeral
steps:
  - name: only
`)
	ctx := context.Background()
	_, err := engine.Start(ctx, sessionID, "ephemeral", nil)
	require.NoError(t, err)
	require.NoError(t, engine.Stop(ctx, sessionID, "ephemeral"))

	states, err := engine.States().List(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestDefinitionValidate(t *testing.T) {
	def := &Definition{Name: "x", Steps: []Step{{Name: "a"}, {Name: "a"}}}
	assert.Error(t, def.Validate())

	def = &Definition{Name: "x", Steps: []Step{
		{Name: "a", Transitions: []Transition{{To: "ghost"}}},
	}}
	assert.Error(t, def.Validate())

	def = &Definition{Name: "x", Steps: []Step{
		{Name: "a", Transitions: []Transition{{To: "b"}}}, {Name: "b"},
	}}
	assert.NoError(t, def.Validate())
}
