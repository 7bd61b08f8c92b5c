package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/agent"
	"gobby/internal/storage"
)

func newTestStateManager(t *testing.T) *StateManager {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStateManager(db, nil)
}

func seedState(t *testing.T, m *StateManager, sessionID, name string, vars map[string]any) {
	t.Helper()
	if vars == nil {
		vars = map[string]any{}
	}
	require.NoError(t, m.Save(context.Background(), &storage.WorkflowState{
		SessionID: sessionID, WorkflowName: name, Step: "working", Variables: vars,
	}))
}

func TestCheckAndReserveSlots(t *testing.T) {
	m := newTestStateManager(t)
	ctx := context.Background()
	seedState(t, m, "s-1", "orchestrate", map[string]any{
		varSpawnedAgents: []any{"a1"},
	})

	granted, err := m.CheckAndReserveSlots(ctx, "s-1", "orchestrate", 3, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, granted, "one spawn live, two of three slots free")

	granted, err = m.CheckAndReserveSlots(ctx, "s-1", "orchestrate", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, granted, "cap exhausted by reservations")
}

func TestConcurrentReservationsStayUnderCap(t *testing.T) {
	m := newTestStateManager(t)
	ctx := context.Background()
	seedState(t, m, "s-1", "orchestrate", nil)

	const maxConcurrent = 3
	var wg sync.WaitGroup
	grants := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := m.CheckAndReserveSlots(ctx, "s-1", "orchestrate", maxConcurrent, maxConcurrent)
			assert.NoError(t, err)
			grants <- granted
		}()
	}
	wg.Wait()
	close(grants)

	total := 0
	for granted := range grants {
		total += granted
	}
	assert.Equal(t, maxConcurrent, total)
}

func TestReleaseSlotsFloorsAtZero(t *testing.T) {
	m := newTestStateManager(t)
	ctx := context.Background()
	seedState(t, m, "s-1", "orchestrate", nil)

	granted, err := m.CheckAndReserveSlots(ctx, "s-1", "orchestrate", 2, 1)
	require.NoError(t, err)
	require.Equal(t, 1, granted)

	require.NoError(t, m.ReleaseSlots(ctx, "s-1", "orchestrate", 5))
	st, err := m.Get(ctx, "s-1", "orchestrate")
	require.NoError(t, err)
	assert.Equal(t, 0, intVar(st.Variables, varReservedSlots))
}

func TestUpdateOrchestrationListsConvertsReservation(t *testing.T) {
	m := newTestStateManager(t)
	ctx := context.Background()
	seedState(t, m, "s-1", "orchestrate", nil)

	granted, err := m.CheckAndReserveSlots(ctx, "s-1", "orchestrate", 2, 1)
	require.NoError(t, err)
	require.Equal(t, 1, granted)

	st, err := m.UpdateOrchestrationLists(ctx, "s-1", "orchestrate", OrchestrationUpdate{
		AppendToSpawned: []string{"run-1"},
		ReleaseReserved: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, stringSliceVar(st.Variables, varSpawnedAgents))
	assert.Equal(t, 0, intVar(st.Variables, varReservedSlots))

	// The freed slot is usable again under the same cap.
	granted, err = m.CheckAndReserveSlots(ctx, "s-1", "orchestrate", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
}

func TestReserveSlotsForSession(t *testing.T) {
	m := newTestStateManager(t)
	ctx := context.Background()

	// No workflow state: the request is granted unbounded.
	granted, name, err := m.ReserveSlotsForSession(ctx, "bare", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
	assert.Empty(t, name)

	seedState(t, m, "s-1", "idle", nil)
	seedState(t, m, "s-1", "orchestrate", map[string]any{
		varSpawnedAgents: []any{"a1", "a2"},
	})

	granted, name, err = m.ReserveSlotsForSession(ctx, "s-1", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "orchestrate", name, "instance with live spawns is the target")
	assert.Equal(t, 0, granted)

	granted, name, err = m.ReserveSlotsForSession(ctx, "s-1", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, "orchestrate", name)
	assert.Equal(t, 1, granted)
}

type fakeAgentService struct {
	registry *agent.Registry
	spawned  int
	lastReq  *agent.SpawnRequest
}

func (f *fakeAgentService) Spawn(_ context.Context, req *agent.SpawnRequest) (*agent.SpawnResult, error) {
	f.spawned++
	f.lastReq = req
	return &agent.SpawnResult{
		RunID:     fmt.Sprintf("run-%d", f.spawned),
		SessionID: fmt.Sprintf("child-%d", f.spawned),
	}, nil
}

func (f *fakeAgentService) Registry() *agent.Registry { return f.registry }

func TestSpawnAgentActionEnforcesMaxConcurrent(t *testing.T) {
	m := newTestStateManager(t)
	ctx := context.Background()
	seedState(t, m, "s-1", "orchestrate", map[string]any{"max_concurrent": 2})

	agents := &fakeAgentService{registry: agent.NewRegistry(nil)}
	executor := NewExecutor(nil)
	ac := &ActionContext{
		SessionID: "s-1",
		States:    m,
		Agents:    agents,
	}

	spawn := func() (map[string]any, error) {
		st, err := m.Get(ctx, "s-1", "orchestrate")
		require.NoError(t, err)
		ac.State = st
		return executor.Execute(ctx, ac, Action{
			Name:   "spawn_agent",
			Params: map[string]any{"prompt": "work"},
		})
	}

	for i := 0; i < 2; i++ {
		out, err := spawn()
		require.NoError(t, err)
		assert.NotEmpty(t, out["run_id"])
		assert.True(t, agents.lastReq.SlotReserved)
	}
	assert.Equal(t, 2, agents.spawned)

	// Third spawn finds the cap full and never reaches the runner.
	out, err := spawn()
	require.NoError(t, err)
	assert.Equal(t, false, out["spawned"])
	assert.Contains(t, out["reason"], "max_concurrent")
	assert.Equal(t, 2, agents.spawned)

	st, err := m.Get(ctx, "s-1", "orchestrate")
	require.NoError(t, err)
	assert.Len(t, stringSliceVar(st.Variables, varSpawnedAgents), 2)
	assert.Equal(t, 0, intVar(st.Variables, varReservedSlots), "reservations converted to spawns")
}
