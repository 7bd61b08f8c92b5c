package hooks

import (
	"context"
	"os"
	"strings"
	"time"

	"gobby/internal/config"
	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/observability"
	"gobby/internal/project"
	"gobby/internal/prompts"
	"gobby/internal/session"
	"gobby/internal/storage"
)

// handleTimeout bounds one hook dispatch. On expiry the manager answers
// allow with no context rather than stalling the CLI.
const handleTimeout = 30 * time.Second

// WorkflowEngine is the manager's port onto the workflow engine.
type WorkflowEngine interface {
	HandleEvent(ctx context.Context, sessionID string, event *Event) (*EngineResult, error)
}

// Broadcaster publishes hook events to connected WebSocket clients.
type Broadcaster interface {
	BroadcastHookEvent(event *Event, resp *Response)
}

// Manager is the single entry point for unified hook events: it resolves
// the session, runs the per-event handler and the workflow engine, fires
// webhooks, broadcasts, and composes the response.
type Manager struct {
	sessions    *session.Manager
	projects    *project.Manager
	engine      WorkflowEngine
	skills      *prompts.Loader
	webhooks    *WebhookClient
	endpoints   []config.HookWebhook
	broadcaster Broadcaster
	metrics     *observability.Metrics
	locks       *keyedMutex
	logger      logging.Logger
}

// NewManager constructs a manager. engine, skills, broadcaster and metrics
// may be nil; the corresponding stage is skipped.
func NewManager(sessions *session.Manager, projects *project.Manager, engine WorkflowEngine,
	skills *prompts.Loader, endpoints []config.HookWebhook, broadcaster Broadcaster,
	metrics *observability.Metrics, logger logging.Logger) *Manager {
	logger = logging.OrNop(logger)
	return &Manager{
		sessions:    sessions,
		projects:    projects,
		engine:      engine,
		skills:      skills,
		webhooks:    NewWebhookClient(logger),
		endpoints:   endpoints,
		broadcaster: broadcaster,
		metrics:     metrics,
		locks:       newKeyedMutex(),
		logger:      logger,
	}
}

// SetBroadcaster wires the WebSocket broadcaster after construction; the
// WS server needs the manager's session layer to exist first.
func (m *Manager) SetBroadcaster(b Broadcaster) { m.broadcaster = b }

// Handle processes one unified event. Events for the same session are
// serialized; storage or engine failures degrade to an allow response
// rather than breaking the CLI.
func (m *Manager) Handle(ctx context.Context, event *Event) (*Response, error) {
	if !event.Type.Valid() {
		return nil, gerrors.ValidationFailed("unknown event type %q", event.Type)
	}
	if event.MachineID == "" {
		host, _ := os.Hostname()
		event.MachineID = host
	}

	start := time.Now()
	unlock := m.locks.Lock(sessionKey(event))
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if m.metrics != nil {
		m.metrics.HookEvents.WithLabelValues(event.Source, string(event.Type)).Inc()
		defer func() {
			m.metrics.HookDuration.Observe(time.Since(start).Seconds())
		}()
	}

	resp := Allow()

	sess, first, err := m.resolveSession(ctx, event)
	if err != nil {
		m.logger.Error("hooks: resolve session for %s/%s: %v", event.Source, event.SessionID, err)
		return resp, nil
	}
	m.annotate(event, resp, sess, first)

	// Gemini fires PRE_COMPACT spuriously; the whole event is a no-op.
	if event.Type == PreCompact && event.Source == "gemini" {
		return resp, nil
	}

	if sess != nil {
		m.dispatchEvent(ctx, sess, event, first, resp)
		m.runEngine(ctx, sess.ID, event, resp)
	}

	if override := m.webhooks.Fire(ctx, m.endpoints, event, resp); override != nil && !resp.Blocked() {
		resp.Decision = override.Decision
		resp.Reason = override.Reason
	}

	if m.broadcaster != nil {
		m.broadcaster.BroadcastHookEvent(event, resp)
	}

	if resp.Blocked() && m.metrics != nil {
		m.metrics.HookBlocks.WithLabelValues(event.Source, string(event.Type)).Inc()
	}
	if ctx.Err() != nil {
		return Allow(), nil
	}
	return resp, nil
}

// sessionKey identifies the serialization domain for one CLI session.
func sessionKey(event *Event) string {
	return event.Source + "\x00" + event.MachineID + "\x00" + event.SessionID
}

// resolveSession finds or registers the platform session for the event.
// Events without a CLI session id stay anonymous and skip session-bound
// handling entirely.
func (m *Manager) resolveSession(ctx context.Context, event *Event) (*storage.Session, bool, error) {
	if event.SessionID == "" {
		return nil, false, nil
	}

	sess, err := m.sessions.GetByExternal(ctx, event.SessionID, event.MachineID, event.Source)
	if err == nil {
		return sess, false, nil
	}
	if !gerrors.IsNotFound(err) {
		return nil, false, err
	}

	projectID := ""
	if event.CWD != "" && m.projects != nil {
		if proj, err := m.projects.Resolve(ctx, event.CWD); err == nil {
			projectID = proj.ID
		}
	}
	sess, err = m.sessions.Register(ctx, &storage.Session{
		ExternalID: event.SessionID,
		MachineID:  event.MachineID,
		Source:     event.Source,
		ProjectID:  projectID,
		JSONLPath:  event.MetaString("transcript_path"),
		Status:     storage.SessionStatusActive,
	})
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// annotate stamps resolution metadata onto both the event (consumed by
// workflow conditions) and the response (consumed by CLI-side tooling).
func (m *Manager) annotate(event *Event, resp *Response, sess *storage.Session, first bool) {
	if sess == nil {
		return
	}
	event.SetMeta("_platform_session_id", sess.ID)
	if first {
		event.SetMeta("_first_hook_for_session", true)
		resp.SetMeta("_first_hook_for_session", true)
	}
	resp.SetMeta("session_id", sess.ID)
	resp.SetMeta("external_id", sess.ExternalID)
	resp.SetMeta("machine_id", sess.MachineID)
	if sess.ProjectID != "" {
		resp.SetMeta("project_id", sess.ProjectID)
	}
	if sess.ParentSessionID != "" {
		resp.SetMeta("parent_session_id", sess.ParentSessionID)
	}
}

// runEngine evaluates active workflow instances and merges the result.
func (m *Manager) runEngine(ctx context.Context, sessionID string, event *Event, resp *Response) {
	if m.engine == nil || resp.Blocked() {
		return
	}
	result, err := m.engine.HandleEvent(ctx, sessionID, event)
	if err != nil {
		m.logger.Error("hooks: workflow engine: %v", err)
		return
	}
	if result.Blocked() {
		resp.Decision = result.Decision
		resp.Reason = result.Reason
	}
	if ContextInjectingEvents[event.Type] {
		for _, part := range result.ContextParts {
			resp.AppendContext(part)
		}
	}
	if len(result.Messages) > 0 {
		resp.SystemMessage = strings.Join(result.Messages, "\n")
	}
}

// repoPath returns the session's project root, falling back to the event's
// working directory.
func (m *Manager) repoPath(ctx context.Context, sess *storage.Session, event *Event) string {
	if sess.ProjectID != "" && m.projects != nil {
		if proj, err := m.projects.Get(ctx, sess.ProjectID); err == nil {
			return proj.RepoPath
		}
	}
	return event.CWD
}
