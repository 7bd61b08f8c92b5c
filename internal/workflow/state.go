// Package workflow implements declarative per-session workflows: persisted
// state, condition evaluation, templating, actions and the event engine.
package workflow

import (
	"context"
	"sync"

	"gobby/internal/logging"
	"gobby/internal/storage"
)

// Variable keys used by orchestration.
const (
	varSpawnedAgents   = "spawned_agents"
	varCompletedAgents = "completed_agents"
	varFailedAgents    = "failed_agents"
	varReservedSlots   = "_reserved_slots"
)

// StateListener observes workflow state changes.
type StateListener func(sessionID, workflowName string, st *storage.WorkflowState)

// StateManager persists workflow state and provides the atomic orchestration
// primitives. All mutations run as a single read-modify-write transaction so
// two dispatchers acting on the same orchestrator session cannot interleave
// between a slot check and the matching reservation.
type StateManager struct {
	db     *storage.DB
	logger logging.Logger

	mu        sync.RWMutex
	listeners []StateListener
}

// NewStateManager constructs a state manager.
func NewStateManager(db *storage.DB, logger logging.Logger) *StateManager {
	return &StateManager{db: db, logger: logging.OrNop(logger)}
}

// AddListener registers a state-change listener.
func (m *StateManager) AddListener(listener StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// emit snapshots the listener list, then invokes each listener outside the
// lock so listeners may call back into the manager.
func (m *StateManager) emit(sessionID, workflowName string, st *storage.WorkflowState) {
	m.mu.RLock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("workflow state listener panicked for %s/%s: %v", sessionID, workflowName, rec)
				}
			}()
			listener(sessionID, workflowName, st)
		}()
	}
}

// Get returns the state for one workflow instance.
func (m *StateManager) Get(ctx context.Context, sessionID, workflowName string) (*storage.WorkflowState, error) {
	return m.db.GetWorkflowState(ctx, sessionID, workflowName)
}

// List returns every workflow instance attached to a session.
func (m *StateManager) List(ctx context.Context, sessionID string) ([]*storage.WorkflowState, error) {
	return m.db.ListWorkflowStates(ctx, sessionID)
}

// Save upserts the full state row.
func (m *StateManager) Save(ctx context.Context, st *storage.WorkflowState) error {
	if err := m.db.SaveWorkflowState(ctx, st); err != nil {
		return err
	}
	m.emit(st.SessionID, st.WorkflowName, st)
	return nil
}

// Delete removes one workflow instance's state.
func (m *StateManager) Delete(ctx context.Context, sessionID, workflowName string) error {
	return m.db.DeleteWorkflowState(ctx, sessionID, workflowName)
}

// Mutate applies an atomic read-modify-write to one state row.
func (m *StateManager) Mutate(ctx context.Context, sessionID, workflowName string, mutate func(st *storage.WorkflowState) error) (*storage.WorkflowState, error) {
	st, err := m.db.MutateWorkflowState(ctx, sessionID, workflowName, mutate)
	if err != nil {
		return nil, err
	}
	m.emit(sessionID, workflowName, st)
	return st, nil
}

// OrchestrationUpdate mutates the agent tracking lists in one transaction.
// ReplaceSpawned takes precedence over RemoveFromSpawned; unrelated
// variables are preserved. ReleaseReserved converts that many outstanding
// reservations in the same transaction, so a reserved slot becomes a
// tracked spawn without ever double-counting.
type OrchestrationUpdate struct {
	AppendToSpawned   []string
	ReplaceSpawned    []string
	RemoveFromSpawned []string
	AppendToCompleted []string
	AppendToFailed    []string
	ReleaseReserved   int
}

// UpdateOrchestrationLists applies the update atomically.
func (m *StateManager) UpdateOrchestrationLists(ctx context.Context, sessionID, workflowName string, update OrchestrationUpdate) (*storage.WorkflowState, error) {
	return m.Mutate(ctx, sessionID, workflowName, func(st *storage.WorkflowState) error {
		spawned := stringSliceVar(st.Variables, varSpawnedAgents)
		switch {
		case update.ReplaceSpawned != nil:
			spawned = append([]string{}, update.ReplaceSpawned...)
		case len(update.RemoveFromSpawned) > 0:
			remove := map[string]bool{}
			for _, id := range update.RemoveFromSpawned {
				remove[id] = true
			}
			kept := spawned[:0]
			for _, id := range spawned {
				if !remove[id] {
					kept = append(kept, id)
				}
			}
			spawned = kept
		}
		spawned = append(spawned, update.AppendToSpawned...)
		st.Variables[varSpawnedAgents] = toAnySlice(spawned)

		if len(update.AppendToCompleted) > 0 {
			completed := stringSliceVar(st.Variables, varCompletedAgents)
			completed = append(completed, update.AppendToCompleted...)
			st.Variables[varCompletedAgents] = toAnySlice(completed)
		}
		if len(update.AppendToFailed) > 0 {
			failed := stringSliceVar(st.Variables, varFailedAgents)
			failed = append(failed, update.AppendToFailed...)
			st.Variables[varFailedAgents] = toAnySlice(failed)
		}
		if update.ReleaseReserved > 0 {
			reserved := intVar(st.Variables, varReservedSlots) - update.ReleaseReserved
			if reserved < 0 {
				reserved = 0
			}
			st.Variables[varReservedSlots] = reserved
		}
		return nil
	})
}

// CheckAndReserveSlots reserves up to requested orchestration slots under
// maxConcurrent, counting live spawns plus outstanding reservations, and
// returns how many were granted.
func (m *StateManager) CheckAndReserveSlots(ctx context.Context, sessionID, workflowName string, maxConcurrent, requested int) (int, error) {
	granted := 0
	_, err := m.Mutate(ctx, sessionID, workflowName, func(st *storage.WorkflowState) error {
		spawned := stringSliceVar(st.Variables, varSpawnedAgents)
		reserved := intVar(st.Variables, varReservedSlots)
		active := len(spawned) + reserved

		available := maxConcurrent - active
		if available < 0 {
			available = 0
		}
		granted = requested
		if granted > available {
			granted = available
		}
		st.Variables[varReservedSlots] = reserved + granted
		return nil
	})
	if err != nil {
		return 0, err
	}
	return granted, nil
}

// ReleaseSlots returns n reserved slots on one instance, flooring at zero.
func (m *StateManager) ReleaseSlots(ctx context.Context, sessionID, workflowName string, n int) error {
	_, err := m.Mutate(ctx, sessionID, workflowName, func(st *storage.WorkflowState) error {
		reserved := intVar(st.Variables, varReservedSlots) - n
		if reserved < 0 {
			reserved = 0
		}
		st.Variables[varReservedSlots] = reserved
		return nil
	})
	return err
}

// ReserveSlotsForSession reserves against the session's orchestrating
// instance: the one already tracking spawns or reservations, else the first.
// Returns the granted count and the chosen workflow name; a session with no
// workflow state grants the full request unbounded.
func (m *StateManager) ReserveSlotsForSession(ctx context.Context, sessionID string, maxConcurrent, requested int) (int, string, error) {
	states, err := m.List(ctx, sessionID)
	if err != nil {
		return 0, "", err
	}
	if len(states) == 0 {
		return requested, "", nil
	}
	target := states[0].WorkflowName
	for _, st := range states {
		if len(stringSliceVar(st.Variables, varSpawnedAgents)) > 0 ||
			intVar(st.Variables, varReservedSlots) > 0 {
			target = st.WorkflowName
			break
		}
	}
	granted, err := m.CheckAndReserveSlots(ctx, sessionID, target, maxConcurrent, requested)
	if err != nil {
		return 0, "", err
	}
	return granted, target, nil
}

// ReleaseReservedSlots releases n slots against whichever workflow instance
// on the session holds outstanding reservations. Satisfies the agent
// runner's release hook, which does not know the orchestrator's name.
func (m *StateManager) ReleaseReservedSlots(ctx context.Context, sessionID string, n int) error {
	states, err := m.List(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, st := range states {
		if intVar(st.Variables, varReservedSlots) > 0 {
			return m.ReleaseSlots(ctx, sessionID, st.WorkflowName, n)
		}
	}
	return nil
}

// stringSliceVar reads a variable stored as either []string or the []any
// shape JSON round-trips produce.
func stringSliceVar(vars map[string]any, key string) []string {
	switch v := vars[key].(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// intVar reads a numeric variable tolerant of the float64 JSON round-trip.
func intVar(vars map[string]any, key string) int {
	switch v := vars[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
