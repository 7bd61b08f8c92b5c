package adapters

import "gobby/internal/hooks"

// geminiHookNames maps Gemini CLI camelCase hook names to unified types.
var geminiHookNames = map[string]hooks.EventType{
	"sessionStart":  hooks.SessionStart,
	"sessionEnd":    hooks.SessionEnd,
	"promptSubmit":  hooks.BeforeAgent,
	"agentFinish":   hooks.AfterAgent,
	"preToolUse":    hooks.BeforeTool,
	"postToolUse":   hooks.AfterTool,
	"stop":          hooks.Stop,
	"preCompact":    hooks.PreCompact,
	"notification":  hooks.Notification,
	"subagentStart": hooks.SubagentStart,
	"subagentStop":  hooks.SubagentStop,
}

// GeminiAdapter translates Gemini CLI hook payloads. Gemini uses camelCase
// field names throughout.
type GeminiAdapter struct{}

// NewGeminiAdapter constructs the adapter.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) TranslateToHookEvent(native map[string]any) (*hooks.Event, error) {
	hookName := stringField(native, "hookName", "hook_event_name")
	eventType, ok := geminiHookNames[hookName]
	if !ok {
		eventType = hooks.Notification
	}

	event := &hooks.Event{
		Type:      eventType,
		SessionID: stringField(native, "sessionId", "session_id"),
		MachineID: stringField(native, "machineId", "machine_id"),
		CWD:       stringField(native, "workingDirectory", "cwd"),
		Prompt:    stringField(native, "prompt"),
		ToolName:  stringField(native, "toolName"),
		ToolInput: mapField(native, "toolArgs", "toolInput"),
	}
	if out, ok := native["toolOutput"].(string); ok {
		event.ToolOutput = out
	}
	if hookName != "" {
		event.SetMeta("native_hook", hookName)
	}
	return event, nil
}

func (a *GeminiAdapter) TranslateFromHookResponse(resp *hooks.Response, hookType hooks.EventType) map[string]any {
	native := map[string]any{}
	if resp.Blocked() {
		native["decision"] = "block"
		if resp.Reason != "" {
			native["reason"] = resp.Reason
		}
		return native
	}
	native["decision"] = "allow"
	if resp.Context != "" && hooks.ContextInjectingEvents[hookType] {
		native["additionalContext"] = resp.Context
	}
	if resp.SystemMessage != "" {
		native["systemMessage"] = resp.SystemMessage
	}
	return native
}
