// Package session manages assistant CLI sessions: registration, status
// transitions and handoff between consecutive sessions.
package session

import (
	"context"
	"time"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/storage"
)

// Defaults for the handoff parent lookup retry loop. The prior session's
// PRE_COMPACT hook may still be in flight when the new session registers.
const (
	DefaultParentAttempts = 3
	DefaultParentDelay    = time.Second
)

// Manager wraps session storage with the registration and handoff rules.
type Manager struct {
	db     *storage.DB
	logger logging.Logger

	parentAttempts int
	parentDelay    time.Duration
}

// NewManager constructs a session manager.
func NewManager(db *storage.DB, logger logging.Logger) *Manager {
	return &Manager{
		db:             db,
		logger:         logging.OrNop(logger),
		parentAttempts: DefaultParentAttempts,
		parentDelay:    DefaultParentDelay,
	}
}

// Register upserts the session for the CLI tuple. Idempotent: repeat calls
// return the row created first.
func (m *Manager) Register(ctx context.Context, s *storage.Session) (*storage.Session, error) {
	if s.ExternalID == "" || s.MachineID == "" || s.Source == "" {
		return nil, gerrors.ValidationFailed("session requires external_id, machine_id and source")
	}
	registered, err := m.db.UpsertSession(ctx, s)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session: registered %s (%s/%s)", registered.ID, registered.Source, registered.ExternalID)
	return registered, nil
}

// Get returns a session by platform id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	return m.db.GetSession(ctx, sessionID)
}

// GetByExternal returns a session by its CLI tuple.
func (m *Manager) GetByExternal(ctx context.Context, externalID, machineID, source string) (*storage.Session, error) {
	return m.db.GetSessionByExternal(ctx, externalID, machineID, source)
}

// List returns sessions filtered by project and status.
func (m *Manager) List(ctx context.Context, projectID, status string, limit int) ([]*storage.Session, error) {
	return m.db.ListSessions(ctx, projectID, status, limit)
}

// SetStatus transitions a session's status.
func (m *Manager) SetStatus(ctx context.Context, sessionID, status string) error {
	return m.db.UpdateSessionStatus(ctx, sessionID, status)
}

// UpdateFields applies partial field updates.
func (m *Manager) UpdateFields(ctx context.Context, sessionID string, updates storage.SessionFieldUpdates) error {
	return m.db.UpdateSessionFields(ctx, sessionID, updates)
}

// MarkHandoffReady stores the handoff summary and flips the session to
// handoff_ready. Driven by PRE_COMPACT and session-end hooks.
func (m *Manager) MarkHandoffReady(ctx context.Context, sessionID, summaryMarkdown string) error {
	if summaryMarkdown != "" {
		if err := m.db.UpdateSessionFields(ctx, sessionID, storage.SessionFieldUpdates{
			SummaryMarkdown: &summaryMarkdown,
		}); err != nil {
			return err
		}
	}
	return m.db.UpdateSessionStatus(ctx, sessionID, storage.SessionStatusHandoffReady)
}

// FindParent polls for the most recently updated handoff_ready session on
// the same (machine, project, source) tuple, excluding the new session
// itself. Retries tolerate the race with the prior session's final hooks.
func (m *Manager) FindParent(ctx context.Context, machineID, projectID, source, excludeID string) (*storage.Session, error) {
	var lastErr error
	for attempt := 0; attempt < m.parentAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.parentDelay):
			}
		}
		parent, err := m.db.FindParentSession(ctx, machineID, projectID, source,
			storage.SessionStatusHandoffReady, excludeID)
		if err == nil {
			return parent, nil
		}
		if !gerrors.IsNotFound(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// AdoptParent links child to parent and expires the parent. Returns the
// parent's handoff summary for context injection.
func (m *Manager) AdoptParent(ctx context.Context, child, parent *storage.Session) (string, error) {
	if err := m.db.UpdateSessionFields(ctx, child.ID, storage.SessionFieldUpdates{
		ParentSessionID: &parent.ID,
	}); err != nil {
		return "", err
	}
	if err := m.db.UpdateSessionStatus(ctx, parent.ID, storage.SessionStatusExpired); err != nil {
		return "", err
	}
	m.logger.Info("session: %s adopted parent %s", child.ID, parent.ID)
	return parent.SummaryMarkdown, nil
}

// RecordMessage appends a transcript message.
func (m *Manager) RecordMessage(ctx context.Context, sessionID, role, content string) error {
	if content == "" {
		return nil
	}
	return m.db.InsertMessage(ctx, &storage.Message{SessionID: sessionID, Role: role, Content: content})
}

// Messages returns recent transcript messages, oldest first.
func (m *Manager) Messages(ctx context.Context, sessionID string, limit int) ([]*storage.Message, error) {
	return m.db.ListMessages(ctx, sessionID, limit)
}

// SetParentPolling overrides the handoff lookup retry policy.
func (m *Manager) SetParentPolling(attempts int, delay time.Duration) {
	if attempts > 0 {
		m.parentAttempts = attempts
	}
	if delay > 0 {
		m.parentDelay = delay
	}
}
