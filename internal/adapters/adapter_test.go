package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/hooks"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{"claude", "codex", "copilot", "cursor", "gemini"}, reg.Names())

	a, err := reg.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.Name())

	_, err = reg.Get("zed")
	assert.Error(t, err)
}

func TestClaudeTranslateToHookEvent(t *testing.T) {
	a := NewClaudeAdapter()

	event, err := a.TranslateToHookEvent(map[string]any{
		"hook_event_name": "PreToolUse",
		"session_id":      "abc-123",
		"cwd":             "/home/dev/proj",
		"tool_name":       "Bash",
		"tool_input":      map[string]any{"command": "ls"},
		"transcript_path": "/tmp/transcript.jsonl",
	})
	require.NoError(t, err)
	assert.Equal(t, hooks.BeforeTool, event.Type)
	assert.Equal(t, "abc-123", event.SessionID)
	assert.Equal(t, "Bash", event.ToolName)
	assert.Equal(t, "ls", event.ToolInput["command"])
	assert.Equal(t, "/tmp/transcript.jsonl", event.MetaString("transcript_path"))
	assert.Equal(t, "PreToolUse", event.MetaString("native_hook"))
}

func TestClaudeUnknownHookBecomesNotification(t *testing.T) {
	a := NewClaudeAdapter()
	event, err := a.TranslateToHookEvent(map[string]any{
		"hook_event_name": "SomethingNew",
		"session_id":      "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, hooks.Notification, event.Type)
}

func TestClaudeTranslateFromHookResponse(t *testing.T) {
	a := NewClaudeAdapter()

	blocked := a.TranslateFromHookResponse(&hooks.Response{
		Decision: hooks.DecisionBlock,
		Reason:   "dangerous command",
	}, hooks.BeforeTool)
	assert.Equal(t, false, blocked["continue"])
	assert.Equal(t, "block", blocked["decision"])
	assert.Equal(t, "dangerous command", blocked["reason"])

	allowed := a.TranslateFromHookResponse(&hooks.Response{
		Decision: hooks.DecisionAllow,
		Context:  "remember the style guide",
	}, hooks.BeforeAgent)
	assert.Equal(t, true, allowed["continue"])
	specific, ok := allowed["hookSpecificOutput"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "UserPromptSubmit", specific["hookEventName"])
	assert.Equal(t, "remember the style guide", specific["additionalContext"])

	// Context never leaks onto hook types the CLI cannot inject on.
	noInject := a.TranslateFromHookResponse(&hooks.Response{
		Decision: hooks.DecisionAllow,
		Context:  "ignored",
	}, hooks.AfterTool)
	assert.NotContains(t, noInject, "hookSpecificOutput")
}

func TestGeminiTranslateCamelCase(t *testing.T) {
	a := NewGeminiAdapter()
	event, err := a.TranslateToHookEvent(map[string]any{
		"hookName":         "preToolUse",
		"sessionId":        "g-1",
		"workingDirectory": "/work",
		"toolName":         "run_shell_command",
		"toolArgs":         map[string]any{"command": "make"},
	})
	require.NoError(t, err)
	assert.Equal(t, hooks.BeforeTool, event.Type)
	assert.Equal(t, "g-1", event.SessionID)
	assert.Equal(t, "/work", event.CWD)
	assert.Equal(t, "make", event.ToolInput["command"])

	resp := a.TranslateFromHookResponse(&hooks.Response{Decision: hooks.DecisionDeny, Reason: "no"}, hooks.BeforeTool)
	assert.Equal(t, "block", resp["decision"])
	assert.Equal(t, "no", resp["reason"])

	resp = a.TranslateFromHookResponse(&hooks.Response{Decision: hooks.DecisionAllow}, hooks.BeforeTool)
	assert.Equal(t, "allow", resp["decision"])
}

func TestCodexDottedEventNames(t *testing.T) {
	a := NewCodexAdapter()
	event, err := a.TranslateToHookEvent(map[string]any{
		"event":           "tool.before",
		"conversation_id": "c-9",
		"tool":            "shell",
		"arguments":       map[string]any{"cmd": "go vet"},
	})
	require.NoError(t, err)
	assert.Equal(t, hooks.BeforeTool, event.Type)
	assert.Equal(t, "c-9", event.SessionID)
	assert.Equal(t, "shell", event.ToolName)

	resp := a.TranslateFromHookResponse(&hooks.Response{
		Decision: hooks.DecisionAllow,
		Context:  "extra",
	}, hooks.BeforeAgent)
	assert.Equal(t, "allow", resp["decision"])
	assert.Equal(t, "extra", resp["context"])
}

func TestCursorShellCommandString(t *testing.T) {
	a := NewCursorAdapter()
	event, err := a.TranslateToHookEvent(map[string]any{
		"hook_event_name": "beforeShellCommand",
		"conversation_id": "cur-1",
		"workspace_root":  "/repo",
		"command":         "rm -rf build",
	})
	require.NoError(t, err)
	assert.Equal(t, hooks.BeforeTool, event.Type)
	assert.Equal(t, "Shell", event.ToolName)
	assert.Equal(t, "rm -rf build", event.ToolInput["command"])

	resp := a.TranslateFromHookResponse(&hooks.Response{Decision: hooks.DecisionDeny, Reason: "blocked"}, hooks.BeforeTool)
	assert.Equal(t, "deny", resp["permission"])
	assert.Equal(t, "blocked", resp["userMessage"])
}

func TestCopilotNestedToolResult(t *testing.T) {
	a := NewCopilotAdapter()
	event, err := a.TranslateToHookEvent(map[string]any{
		"hookName":  "postToolUse",
		"sessionId": "cp-1",
		"toolName":  "bash",
		"toolResult": map[string]any{
			"textResultForLlm": "ok",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, hooks.AfterTool, event.Type)
	assert.Equal(t, "ok", event.ToolOutput)

	resp := a.TranslateFromHookResponse(&hooks.Response{Decision: hooks.DecisionAllow}, hooks.BeforeTool)
	assert.Equal(t, "allow", resp["permissionDecision"])
}

type stubHandler struct {
	got  *hooks.Event
	resp *hooks.Response
}

func (h *stubHandler) Handle(_ context.Context, event *hooks.Event) (*hooks.Response, error) {
	h.got = event
	return h.resp, nil
}

func TestHandleNativeSetsSource(t *testing.T) {
	handler := &stubHandler{resp: hooks.Allow()}
	native, err := HandleNative(context.Background(), NewClaudeAdapter(), map[string]any{
		"hook_event_name": "UserPromptSubmit",
		"session_id":      "s-1",
		"prompt":          "hello",
	}, handler)
	require.NoError(t, err)
	assert.Equal(t, "claude", handler.got.Source)
	assert.Equal(t, hooks.BeforeAgent, handler.got.Type)
	assert.Equal(t, true, native["continue"])
}
