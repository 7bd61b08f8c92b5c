package hooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/project"
	"gobby/internal/prompts"
	"gobby/internal/session"
	"gobby/internal/storage"
)

type managerFixture struct {
	manager  *Manager
	sessions *session.Manager
	db       *storage.DB
}

func newManagerFixture(t *testing.T, engine WorkflowEngine, endpoints []config.HookWebhook) *managerFixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := session.NewManager(db, nil)
	sessions.SetParentPolling(1, 0)
	projects := project.NewManager(db, nil)
	skills, err := prompts.NewLoader(db, nil)
	require.NoError(t, err)

	return &managerFixture{
		manager:  NewManager(sessions, projects, engine, skills, endpoints, nil, nil, nil),
		sessions: sessions,
		db:       db,
	}
}

func claudeEvent(eventType EventType, externalID string) *Event {
	return &Event{
		Type:      eventType,
		SessionID: externalID,
		MachineID: "machine-1",
		Source:    "claude",
	}
}

func TestHandleRejectsUnknownType(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	_, err := f.manager.Handle(context.Background(), &Event{Type: "WEIRD"})
	assert.Error(t, err)
}

func TestHandleRegistersSessionOnFirstEvent(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	ctx := context.Background()

	resp, err := f.manager.Handle(ctx, claudeEvent(SessionStart, "ext-1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Equal(t, true, resp.Metadata["_first_hook_for_session"])
	assert.NotEmpty(t, resp.Metadata["session_id"])

	// The second event resolves the same session without the first-hook flag.
	resp, err = f.manager.Handle(ctx, claudeEvent(Notification, "ext-1"))
	require.NoError(t, err)
	assert.Nil(t, resp.Metadata["_first_hook_for_session"])
}

func TestHandleAnonymousEvent(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	event := &Event{Type: Notification, MachineID: "m", Source: "claude"}
	resp, err := f.manager.Handle(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Nil(t, resp.Metadata["session_id"])
}

func TestBeforeAgentMarksActiveAndRecords(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	ctx := context.Background()

	event := claudeEvent(BeforeAgent, "ext-2")
	event.Prompt = "please fix the tests"
	_, err := f.manager.Handle(ctx, event)
	require.NoError(t, err)

	sess, err := f.sessions.GetByExternal(ctx, "ext-2", "machine-1", "claude")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusActive, sess.Status)

	msgs, err := f.sessions.Messages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "please fix the tests", msgs[0].Content)
}

func TestStopPausesSession(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.manager.Handle(ctx, claudeEvent(BeforeAgent, "ext-3"))
	require.NoError(t, err)
	_, err = f.manager.Handle(ctx, claudeEvent(Stop, "ext-3"))
	require.NoError(t, err)

	sess, err := f.sessions.GetByExternal(ctx, "ext-3", "machine-1", "claude")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusPaused, sess.Status)
}

func TestGobbyCommandInterception(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.db.UpsertPrompt(ctx, &storage.Prompt{
		Path: "skills/commit", Tier: storage.PromptTierBundled,
		Description: "write commits",
		Content:     "Write a commit for {{ args }}",
	}))

	event := claudeEvent(BeforeAgent, "ext-4")
	event.Prompt = "/gobby:commit the parser fix"
	resp, err := f.manager.Handle(ctx, event)
	require.NoError(t, err)
	assert.Contains(t, resp.Context, "Write a commit for the parser fix")

	event = claudeEvent(BeforeAgent, "ext-4")
	event.Prompt = "/gobby"
	resp, err = f.manager.Handle(ctx, event)
	require.NoError(t, err)
	assert.Contains(t, resp.Context, "/gobby:commit")

	event = claudeEvent(BeforeAgent, "ext-4")
	event.Prompt = "/gobby:nope"
	resp, err = f.manager.Handle(ctx, event)
	require.NoError(t, err)
	assert.Contains(t, resp.Context, `Unknown skill "nope"`)
}

func TestGeminiPreCompactIsNoop(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	ctx := context.Background()

	event := &Event{
		Type:      PreCompact,
		SessionID: "g-ext-1",
		MachineID: "machine-1",
		Source:    "gemini",
	}
	resp, err := f.manager.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)

	// The session must not become handoff_ready from a gemini PRE_COMPACT.
	sess, err := f.sessions.GetByExternal(ctx, "g-ext-1", "machine-1", "gemini")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusActive, sess.Status)
}

func TestSessionStartAdoptsHandoffParent(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	ctx := context.Background()

	parent, err := f.sessions.Register(ctx, &storage.Session{
		ExternalID: "old", MachineID: "machine-1", Source: "claude",
	})
	require.NoError(t, err)
	require.NoError(t, f.sessions.MarkHandoffReady(ctx, parent.ID, "## Summary\n\nparser work in flight"))

	resp, err := f.manager.Handle(ctx, claudeEvent(SessionStart, "new"))
	require.NoError(t, err)
	assert.Contains(t, resp.Context, "Continued from previous session")
	assert.Contains(t, resp.Context, "parser work in flight")
	assert.Equal(t, parent.ID, resp.Metadata["parent_session_id"])
}

type blockingEngine struct{}

func (blockingEngine) HandleEvent(context.Context, string, *Event) (*EngineResult, error) {
	return &EngineResult{Decision: DecisionBlock, Reason: "engine says no"}, nil
}

func TestEngineBlockPropagates(t *testing.T) {
	f := newManagerFixture(t, blockingEngine{}, nil)

	resp, err := f.manager.Handle(context.Background(), claudeEvent(BeforeTool, "ext-5"))
	require.NoError(t, err)
	assert.True(t, resp.Blocked())
	assert.Equal(t, "engine says no", resp.Reason)
}

func TestWebhookOverride(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"decision":"deny","reason":"policy"}`))
	}))
	defer srv.Close()

	f := newManagerFixture(t, nil, []config.HookWebhook{
		{URL: srv.URL, CanBlock: true},
	})
	resp, err := f.manager.Handle(context.Background(), claudeEvent(BeforeTool, "ext-6"))
	require.NoError(t, err)
	assert.True(t, resp.Blocked())
	assert.Equal(t, "policy", resp.Reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngineBlockBeatsWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"decision":"deny","reason":"webhook"}`))
	}))
	defer srv.Close()

	f := newManagerFixture(t, blockingEngine{}, []config.HookWebhook{
		{URL: srv.URL, CanBlock: true},
	})
	resp, err := f.manager.Handle(context.Background(), claudeEvent(BeforeTool, "ext-7"))
	require.NoError(t, err)
	assert.True(t, resp.Blocked())
	assert.Equal(t, "engine says no", resp.Reason)
}
