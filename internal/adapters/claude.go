package adapters

import (
	"fmt"

	"gobby/internal/hooks"
)

// claudeHookNames maps Claude Code hook event names to unified types.
var claudeHookNames = map[string]hooks.EventType{
	"SessionStart":     hooks.SessionStart,
	"SessionEnd":       hooks.SessionEnd,
	"UserPromptSubmit": hooks.BeforeAgent,
	"PreToolUse":       hooks.BeforeTool,
	"PostToolUse":      hooks.AfterTool,
	"Stop":             hooks.Stop,
	"PreCompact":       hooks.PreCompact,
	"Notification":     hooks.Notification,
	"SubagentStart":    hooks.SubagentStart,
	"SubagentStop":     hooks.SubagentStop,
}

// ClaudeAdapter translates Claude Code hook payloads.
type ClaudeAdapter struct{}

// NewClaudeAdapter constructs the adapter.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) TranslateToHookEvent(native map[string]any) (*hooks.Event, error) {
	hookName := stringField(native, "hook_event_name", "hookEventName")
	eventType, ok := claudeHookNames[hookName]
	if !ok {
		// Fail open: unrecognized hooks become notifications.
		eventType = hooks.Notification
	}

	event := &hooks.Event{
		Type:      eventType,
		SessionID: stringField(native, "session_id"),
		MachineID: stringField(native, "machine_id"),
		CWD:       stringField(native, "cwd"),
		Prompt:    stringField(native, "prompt"),
		ToolName:  stringField(native, "tool_name"),
		ToolInput: mapField(native, "tool_input"),
	}
	if out, ok := native["tool_response"].(string); ok {
		event.ToolOutput = out
	}
	if transcript := stringField(native, "transcript_path"); transcript != "" {
		event.SetMeta("transcript_path", transcript)
	}
	if hookName != "" {
		event.SetMeta("native_hook", hookName)
	}
	return event, nil
}

func (a *ClaudeAdapter) TranslateFromHookResponse(resp *hooks.Response, hookType hooks.EventType) map[string]any {
	native := map[string]any{"continue": !resp.Blocked()}
	if resp.Blocked() {
		native["decision"] = "block"
		if resp.Reason != "" {
			native["reason"] = resp.Reason
		}
		if resp.SystemMessage != "" {
			native["stopReason"] = resp.SystemMessage
		}
		return native
	}

	// Claude accepts injected context only on hook types that feed the model.
	if resp.Context != "" && hooks.ContextInjectingEvents[hookType] {
		native["hookSpecificOutput"] = map[string]any{
			"hookEventName":     claudeNativeName(hookType),
			"additionalContext": resp.Context,
		}
	}
	if resp.SystemMessage != "" {
		native["systemMessage"] = resp.SystemMessage
	}
	return native
}

func claudeNativeName(hookType hooks.EventType) string {
	for name, t := range claudeHookNames {
		if t == hookType {
			return name
		}
	}
	return fmt.Sprintf("%v", hookType)
}
