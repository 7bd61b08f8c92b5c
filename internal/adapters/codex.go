package adapters

import "gobby/internal/hooks"

// codexHookNames maps Codex CLI hook names to unified types.
var codexHookNames = map[string]hooks.EventType{
	"session.start":  hooks.SessionStart,
	"session.end":    hooks.SessionEnd,
	"turn.start":     hooks.BeforeAgent,
	"turn.end":       hooks.AfterAgent,
	"tool.before":    hooks.BeforeTool,
	"tool.after":     hooks.AfterTool,
	"stop":           hooks.Stop,
	"compact.before": hooks.PreCompact,
	"notification":   hooks.Notification,
}

// CodexAdapter translates Codex CLI hook payloads, which use dotted
// lowercase event names.
type CodexAdapter struct{}

// NewCodexAdapter constructs the adapter.
func NewCodexAdapter() *CodexAdapter {
	return &CodexAdapter{}
}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) TranslateToHookEvent(native map[string]any) (*hooks.Event, error) {
	hookName := stringField(native, "event", "type")
	eventType, ok := codexHookNames[hookName]
	if !ok {
		eventType = hooks.Notification
	}

	event := &hooks.Event{
		Type:      eventType,
		SessionID: stringField(native, "session_id", "conversation_id"),
		MachineID: stringField(native, "machine_id"),
		CWD:       stringField(native, "cwd"),
		Prompt:    stringField(native, "prompt", "input"),
		ToolName:  stringField(native, "tool_name", "tool"),
		ToolInput: mapField(native, "tool_input", "arguments"),
	}
	if out, ok := native["tool_output"].(string); ok {
		event.ToolOutput = out
	}
	if hookName != "" {
		event.SetMeta("native_hook", hookName)
	}
	return event, nil
}

func (a *CodexAdapter) TranslateFromHookResponse(resp *hooks.Response, hookType hooks.EventType) map[string]any {
	native := map[string]any{"decision": resp.Decision}
	if resp.Reason != "" {
		native["reason"] = resp.Reason
	}
	if !resp.Blocked() && resp.Context != "" && hooks.ContextInjectingEvents[hookType] {
		native["context"] = resp.Context
	}
	return native
}
