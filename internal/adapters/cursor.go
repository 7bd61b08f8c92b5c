package adapters

import "gobby/internal/hooks"

// cursorHookNames maps Cursor CLI hook names to unified types.
var cursorHookNames = map[string]hooks.EventType{
	"beforeSubmitPrompt": hooks.BeforeAgent,
	"afterAgentTurn":     hooks.AfterAgent,
	"beforeShellCommand": hooks.BeforeTool,
	"beforeMCPExecution": hooks.BeforeTool,
	"afterShellCommand":  hooks.AfterTool,
	"afterMCPExecution":  hooks.AfterTool,
	"sessionStart":       hooks.SessionStart,
	"sessionEnd":         hooks.SessionEnd,
	"stop":               hooks.Stop,
}

// CursorAdapter translates Cursor CLI hook payloads.
type CursorAdapter struct{}

// NewCursorAdapter constructs the adapter.
func NewCursorAdapter() *CursorAdapter {
	return &CursorAdapter{}
}

func (a *CursorAdapter) Name() string { return "cursor" }

func (a *CursorAdapter) TranslateToHookEvent(native map[string]any) (*hooks.Event, error) {
	hookName := stringField(native, "hook_event_name", "hookName")
	eventType, ok := cursorHookNames[hookName]
	if !ok {
		eventType = hooks.Notification
	}

	event := &hooks.Event{
		Type:      eventType,
		SessionID: stringField(native, "conversation_id", "session_id"),
		MachineID: stringField(native, "machine_id"),
		CWD:       stringField(native, "workspace_root", "cwd"),
		Prompt:    stringField(native, "prompt"),
		ToolName:  stringField(native, "tool_name", "command"),
		ToolInput: mapField(native, "tool_input"),
	}
	// Shell hooks carry the command as a bare string rather than a map.
	if event.ToolInput == nil {
		if command := stringField(native, "command"); command != "" {
			event.ToolInput = map[string]any{"command": command}
			if event.ToolName == command {
				event.ToolName = "Shell"
			}
		}
	}
	if out, ok := native["output"].(string); ok {
		event.ToolOutput = out
	}
	if hookName != "" {
		event.SetMeta("native_hook", hookName)
	}
	return event, nil
}

func (a *CursorAdapter) TranslateFromHookResponse(resp *hooks.Response, hookType hooks.EventType) map[string]any {
	native := map[string]any{}
	if resp.Blocked() {
		native["permission"] = "deny"
		if resp.Reason != "" {
			native["userMessage"] = resp.Reason
		}
		return native
	}
	native["permission"] = "allow"
	if resp.Context != "" && hooks.ContextInjectingEvents[hookType] {
		native["attachments"] = []any{map[string]any{"type": "context", "content": resp.Context}}
	}
	return native
}
