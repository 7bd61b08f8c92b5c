package adapters

import "gobby/internal/hooks"

// copilotHookNames maps Copilot CLI hook names to unified types.
var copilotHookNames = map[string]hooks.EventType{
	"sessionStarted": hooks.SessionStart,
	"sessionEnded":   hooks.SessionEnd,
	"userPrompt":     hooks.BeforeAgent,
	"agentResponse":  hooks.AfterAgent,
	"preToolUse":     hooks.BeforeTool,
	"postToolUse":    hooks.AfterTool,
	"stop":           hooks.Stop,
	"notification":   hooks.Notification,
}

// CopilotAdapter translates Copilot CLI hook payloads. Copilot nests the
// tool result under toolResult.textResultForLlm and expects a binary
// permissionDecision on tool gates.
type CopilotAdapter struct{}

// NewCopilotAdapter constructs the adapter.
func NewCopilotAdapter() *CopilotAdapter {
	return &CopilotAdapter{}
}

func (a *CopilotAdapter) Name() string { return "copilot" }

func (a *CopilotAdapter) TranslateToHookEvent(native map[string]any) (*hooks.Event, error) {
	hookName := stringField(native, "hookName", "event")
	eventType, ok := copilotHookNames[hookName]
	if !ok {
		eventType = hooks.Notification
	}

	event := &hooks.Event{
		Type:      eventType,
		SessionID: stringField(native, "sessionId"),
		MachineID: stringField(native, "machineId"),
		CWD:       stringField(native, "cwd", "workingDirectory"),
		Prompt:    stringField(native, "prompt", "userPrompt"),
		ToolName:  stringField(native, "toolName"),
		ToolInput: mapField(native, "toolArgs"),
	}
	if result, ok := native["toolResult"].(map[string]any); ok {
		event.ToolOutput = stringField(result, "textResultForLlm")
	}
	if hookName != "" {
		event.SetMeta("native_hook", hookName)
	}
	return event, nil
}

func (a *CopilotAdapter) TranslateFromHookResponse(resp *hooks.Response, hookType hooks.EventType) map[string]any {
	native := map[string]any{}
	if resp.Blocked() {
		native["permissionDecision"] = "deny"
		if resp.Reason != "" {
			native["permissionDecisionReason"] = resp.Reason
		}
		return native
	}
	native["permissionDecision"] = "allow"
	if resp.Context != "" && hooks.ContextInjectingEvents[hookType] {
		native["hookSpecificOutput"] = map[string]any{
			"additionalContext": resp.Context,
		}
	}
	return native
}
