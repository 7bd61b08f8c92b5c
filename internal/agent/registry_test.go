package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Add(&RunningAgent{RunID: "run-1", SessionID: "sess-1", Mode: ModeHeadless})
	require.NoError(t, err)

	got, ok := r.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.False(t, got.StartedAt.IsZero())

	assert.Error(t, r.Add(&RunningAgent{RunID: "run-1"}))
	assert.Error(t, r.Add(&RunningAgent{}))
}

func TestRegistryRemoveEmitsEvent(t *testing.T) {
	r := NewRegistry(nil)

	var mu sync.Mutex
	var events []string
	r.OnEvent(func(eventType, runID string, data map[string]any) {
		mu.Lock()
		events = append(events, eventType)
		mu.Unlock()
	})

	require.NoError(t, r.Add(&RunningAgent{RunID: "run-1"}))
	_, ok := r.Remove("run-1", "stopped")
	assert.True(t, ok)
	_, ok = r.Remove("run-1", "stopped")
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventAgentAdded, EventAgentRemoved}, events)
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(&RunningAgent{RunID: "a", SessionID: "s-a", ParentSessionID: "parent", Mode: ModeHeadless, PID: 100}))
	require.NoError(t, r.Add(&RunningAgent{RunID: "b", SessionID: "s-b", ParentSessionID: "parent", Mode: ModeEmbedded}))
	require.NoError(t, r.Add(&RunningAgent{RunID: "c", SessionID: "s-c", Mode: ModeHeadless}))

	got, ok := r.GetBySession("s-b")
	require.True(t, ok)
	assert.Equal(t, "b", got.RunID)

	got, ok = r.GetByPID(100)
	require.True(t, ok)
	assert.Equal(t, "a", got.RunID)
	_, ok = r.GetByPID(0)
	assert.False(t, ok)

	assert.Len(t, r.ListByParent("parent"), 2)
	assert.Equal(t, 2, r.CountByParent("parent"))
	assert.Len(t, r.ListByMode(ModeHeadless), 2)
	assert.Len(t, r.ListAll(), 3)
}

func TestRegistryCleanupStale(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(&RunningAgent{RunID: "old", StartedAt: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, r.Add(&RunningAgent{RunID: "fresh"}))

	removed := r.CleanupStale(time.Hour)
	require.Len(t, removed, 1)
	assert.Equal(t, "old", removed[0].RunID)
	_, ok := r.Get("fresh")
	assert.True(t, ok)
}

func TestRegistryCleanupByPIDs(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(&RunningAgent{RunID: "dead", PID: 41}))
	require.NoError(t, r.Add(&RunningAgent{RunID: "alive", PID: 42}))
	require.NoError(t, r.Add(&RunningAgent{RunID: "pidless"}))

	removed := r.CleanupByPIDs([]int{41, 99})
	require.Len(t, removed, 1)
	assert.Equal(t, "dead", removed[0].RunID)
	assert.Len(t, r.ListAll(), 2)
}

func TestRegistryCallbackPanicRecovered(t *testing.T) {
	r := NewRegistry(nil)
	r.OnEvent(func(string, string, map[string]any) { panic("boom") })

	var called bool
	r.OnEvent(func(string, string, map[string]any) { called = true })

	require.NoError(t, r.Add(&RunningAgent{RunID: "run-1"}))
	assert.True(t, called)
}
