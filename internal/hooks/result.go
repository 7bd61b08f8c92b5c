package hooks

// EngineResult accumulates the workflow engine's verdict for one event
// across every active instance on the session.
type EngineResult struct {
	Decision     string   `json:"decision"`
	Reason       string   `json:"reason,omitempty"`
	ContextParts []string `json:"context_parts,omitempty"`
	Messages     []string `json:"messages,omitempty"`
}

// Blocked reports whether the result blocks the event.
func (r *EngineResult) Blocked() bool {
	return r.Decision == DecisionBlock || r.Decision == DecisionDeny
}
