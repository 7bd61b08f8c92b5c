// Package agent spawns and tracks child assistant processes.
package agent

import (
	"os"
	"sync"
	"time"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
)

// Spawn modes.
const (
	ModeInProcess = "in_process"
	ModeTerminal  = "terminal"
	ModeEmbedded  = "embedded"
	ModeHeadless  = "headless"
)

// Registry event types.
const (
	EventAgentAdded   = "agent_added"
	EventAgentRemoved = "agent_removed"
	EventAgentCleanup = "agent_cleanup"
)

// RunningAgent is the in-memory record of a live child agent. Owned
// exclusively by the registry.
type RunningAgent struct {
	RunID           string    `json:"run_id"`
	SessionID       string    `json:"session_id"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	Mode            string    `json:"mode"`
	Provider        string    `json:"provider"`
	StartedAt       time.Time `json:"started_at"`
	PID             int       `json:"pid,omitempty"`
	// PTY is the master side of an embedded agent's terminal. The single
	// owning *os.File; never rebuild a handle from its descriptor.
	PTY          *os.File `json:"-"`
	TerminalType string   `json:"terminal_type,omitempty"`
	WorkflowName string   `json:"workflow_name,omitempty"`
	WorktreeID   string   `json:"worktree_id,omitempty"`
	Task         string   `json:"task,omitempty"`
}

// EventCallback observes registry changes. Invoked outside the registry
// lock; panics are recovered and logged.
type EventCallback func(eventType, runID string, data map[string]any)

// Registry is the process-wide thread-safe index of live agents.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*RunningAgent
	callbacks []EventCallback
	logger    logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		agents: map[string]*RunningAgent{},
		logger: logging.OrNop(logger),
	}
}

// OnEvent registers a callback for add/remove/cleanup events.
func (r *Registry) OnEvent(cb EventCallback) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// Add registers a running agent. The run id must be unused.
func (r *Registry) Add(agent *RunningAgent) error {
	if agent.RunID == "" {
		return gerrors.ValidationFailed("running agent requires a run_id")
	}
	if agent.StartedAt.IsZero() {
		agent.StartedAt = time.Now()
	}

	r.mu.Lock()
	if _, exists := r.agents[agent.RunID]; exists {
		r.mu.Unlock()
		return gerrors.ValidationFailed("run %s already registered", agent.RunID)
	}
	r.agents[agent.RunID] = agent
	r.mu.Unlock()

	r.emit(EventAgentAdded, agent.RunID, map[string]any{
		"session_id": agent.SessionID,
		"mode":       agent.Mode,
		"provider":   agent.Provider,
	})
	return nil
}

// Get returns the agent for runID.
func (r *Registry) Get(runID string) (*RunningAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[runID]
	return agent, ok
}

// Remove deletes an agent, recording the terminal status in the event.
func (r *Registry) Remove(runID, status string) (*RunningAgent, bool) {
	r.mu.Lock()
	agent, ok := r.agents[runID]
	if ok {
		delete(r.agents, runID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	r.emit(EventAgentRemoved, runID, map[string]any{
		"session_id": agent.SessionID,
		"status":     status,
	})
	return agent, true
}

// GetBySession returns the agent whose child session matches sessionID.
func (r *Registry) GetBySession(sessionID string) (*RunningAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		if agent.SessionID == sessionID {
			return agent, true
		}
	}
	return nil, false
}

// GetByPID returns the agent with the given process id.
func (r *Registry) GetByPID(pid int) (*RunningAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		if agent.PID == pid && pid != 0 {
			return agent, true
		}
	}
	return nil, false
}

// ListByParent returns agents spawned by the given parent session.
func (r *Registry) ListByParent(parentSessionID string) []*RunningAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*RunningAgent
	for _, agent := range r.agents {
		if agent.ParentSessionID == parentSessionID {
			out = append(out, agent)
		}
	}
	return out
}

// ListByMode returns agents running in the given mode.
func (r *Registry) ListByMode(mode string) []*RunningAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*RunningAgent
	for _, agent := range r.agents {
		if agent.Mode == mode {
			out = append(out, agent)
		}
	}
	return out
}

// ListAll returns every live agent.
func (r *Registry) ListAll() []*RunningAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunningAgent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	return out
}

// CountByParent returns how many agents a parent session has live.
func (r *Registry) CountByParent(parentSessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, agent := range r.agents {
		if agent.ParentSessionID == parentSessionID {
			count++
		}
	}
	return count
}

// CleanupByPIDs removes agents whose PID is in deadPIDs, emitting cleanup
// events with status timeout.
func (r *Registry) CleanupByPIDs(deadPIDs []int) []*RunningAgent {
	dead := map[int]bool{}
	for _, pid := range deadPIDs {
		dead[pid] = true
	}

	r.mu.Lock()
	var removed []*RunningAgent
	for runID, agent := range r.agents {
		if agent.PID != 0 && dead[agent.PID] {
			removed = append(removed, agent)
			delete(r.agents, runID)
		}
	}
	r.mu.Unlock()

	for _, agent := range removed {
		r.emit(EventAgentCleanup, agent.RunID, map[string]any{
			"session_id": agent.SessionID,
			"status":     "timeout",
			"reason":     "dead_pid",
		})
	}
	return removed
}

// CleanupStale removes agents older than maxAge, emitting cleanup events.
func (r *Registry) CleanupStale(maxAge time.Duration) []*RunningAgent {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var removed []*RunningAgent
	for runID, agent := range r.agents {
		if agent.StartedAt.Before(cutoff) {
			removed = append(removed, agent)
			delete(r.agents, runID)
		}
	}
	r.mu.Unlock()

	for _, agent := range removed {
		r.emit(EventAgentCleanup, agent.RunID, map[string]any{
			"session_id": agent.SessionID,
			"status":     "timeout",
			"reason":     "stale",
		})
	}
	return removed
}

// Clear removes every agent without emitting per-agent events.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.agents = map[string]*RunningAgent{}
	r.mu.Unlock()
}

// emit snapshots the callback list under the lock, then invokes each
// callback unlocked so callbacks may re-enter the registry.
func (r *Registry) emit(eventType, runID string, data map[string]any) {
	r.mu.RLock()
	callbacks := make([]EventCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("agent registry callback panicked on %s/%s: %v", eventType, runID, rec)
				}
			}()
			cb(eventType, runID, data)
		}()
	}
}
