// Package hooks defines the unified hook event model and the manager that
// dispatches events through workflows, webhooks and the broadcaster.
package hooks

import "strings"

// EventType is the canonical hook lifecycle event, normalized from each CLI's
// native hook vocabulary by an adapter.
type EventType string

const (
	SessionStart  EventType = "SESSION_START"
	SessionEnd    EventType = "SESSION_END"
	BeforeAgent   EventType = "BEFORE_AGENT"
	AfterAgent    EventType = "AFTER_AGENT"
	BeforeTool    EventType = "BEFORE_TOOL"
	AfterTool     EventType = "AFTER_TOOL"
	Stop          EventType = "STOP"
	PreCompact    EventType = "PRE_COMPACT"
	Notification  EventType = "NOTIFICATION"
	SubagentStart EventType = "SUBAGENT_START"
	SubagentStop  EventType = "SUBAGENT_STOP"
)

// AllEventTypes enumerates the closed set of event types.
var AllEventTypes = []EventType{
	SessionStart, SessionEnd, BeforeAgent, AfterAgent,
	BeforeTool, AfterTool, Stop, PreCompact,
	Notification, SubagentStart, SubagentStop,
}

// Valid reports whether t is in the closed set.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the unified hook event. SessionID carries the CLI-native session
// identifier (external id); the platform session id is resolved by the
// manager and annotated into Metadata.
type Event struct {
	Type       EventType      `json:"type"`
	SessionID  string         `json:"session_id"`
	MachineID  string         `json:"machine_id"`
	Source     string         `json:"source"`
	CWD        string         `json:"cwd,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MetaString returns a string metadata value, or "".
func (e *Event) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// SetMeta sets a metadata value, allocating the map on first use.
func (e *Event) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
}

// Decisions a hook response can carry.
const (
	DecisionAllow  = "allow"
	DecisionDeny   = "deny"
	DecisionBlock  = "block"
	DecisionModify = "modify"
)

// Response is the unified hook response an adapter renders back into the
// CLI's native shape.
type Response struct {
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	Context       string         `json:"context,omitempty"`
	SystemMessage string         `json:"system_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Allow returns an allow response with no context.
func Allow() *Response {
	return &Response{Decision: DecisionAllow}
}

// Blocked reports whether the response carries a blocking decision.
func (r *Response) Blocked() bool {
	return r.Decision == DecisionBlock || r.Decision == DecisionDeny
}

// AppendContext concatenates a context part onto the response, separated by
// a blank line.
func (r *Response) AppendContext(part string) {
	part = strings.TrimSpace(part)
	if part == "" {
		return
	}
	if r.Context == "" {
		r.Context = part
		return
	}
	r.Context += "\n\n" + part
}

// SetMeta sets a metadata value, allocating the map on first use.
func (r *Response) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// ContextInjectingEvents lists the hook types whose responses may carry
// injected context back to the model.
var ContextInjectingEvents = map[EventType]bool{
	SessionStart: true,
	BeforeAgent:  true,
	PreCompact:   true,
	Stop:         true,
}
