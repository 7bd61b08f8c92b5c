package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gerrors "gobby/internal/errors"
	"gobby/internal/utils/id"
)

const sessionColumns = `id, external_id, machine_id, source, project_id, title, status,
	jsonl_path, summary_markdown, compact_markdown, git_branch, parent_session_id,
	agent_depth, transcript_processed, created_at, updated_at`

// UpsertSession registers a session, keyed on (external_id, machine_id,
// source). Repeat calls return the row created by the first call; non-null
// existing fields are preserved via COALESCE so a late hook cannot erase
// earlier state.
func (db *DB) UpsertSession(ctx context.Context, s *Session) (*Session, error) {
	if s.ID == "" {
		s.ID = id.NewUUID()
	}
	if s.Status == "" {
		s.Status = SessionStatusActive
	}
	now := nowString()

	_, err := db.exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id, machine_id, source) DO UPDATE SET
			project_id = COALESCE(excluded.project_id, project_id),
			title = COALESCE(excluded.title, title),
			jsonl_path = COALESCE(excluded.jsonl_path, jsonl_path),
			git_branch = COALESCE(excluded.git_branch, git_branch),
			parent_session_id = COALESCE(excluded.parent_session_id, parent_session_id),
			updated_at = excluded.updated_at`,
		s.ID, s.ExternalID, s.MachineID, s.Source,
		nullString(s.ProjectID), nullString(s.Title), s.Status,
		nullString(s.JSONLPath), nullString(s.SummaryMarkdown), nullString(s.CompactMarkdown),
		nullString(s.GitBranch), nullString(s.ParentSessionID),
		s.AgentDepth, s.TranscriptProcessed, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	return db.GetSessionByExternal(ctx, s.ExternalID, s.MachineID, s.Source)
}

// GetSession returns the session with the given id.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := db.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// GetSessionByExternal returns the session for the unique CLI tuple.
func (db *DB) GetSessionByExternal(ctx context.Context, externalID, machineID, source string) (*Session, error) {
	row := db.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE external_id = ? AND machine_id = ? AND source = ?`,
		externalID, machineID, source)
	return scanSession(row)
}

// FindParentSession returns the most recently updated session matching the
// tuple with the given status, excluding excludeID. Used for handoff lookup.
func (db *DB) FindParentSession(ctx context.Context, machineID, projectID, source, status, excludeID string) (*Session, error) {
	row := db.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE machine_id = ? AND COALESCE(project_id, '') = ? AND source = ? AND status = ? AND id != ?
		ORDER BY updated_at DESC LIMIT 1`,
		machineID, projectID, source, status, excludeID)
	return scanSession(row)
}

// UpdateSessionStatus transitions the session status.
func (db *DB) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	res, err := db.exec(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowString(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res, "session", sessionID)
}

// SessionFieldUpdates names the mutable free-form session fields.
type SessionFieldUpdates struct {
	Title           *string
	SummaryMarkdown *string
	CompactMarkdown *string
	JSONLPath       *string
	GitBranch       *string
	ParentSessionID *string
	Transcript      *bool
}

// UpdateSessionFields applies the non-nil field updates.
func (db *DB) UpdateSessionFields(ctx context.Context, sessionID string, updates SessionFieldUpdates) error {
	set := "updated_at = ?"
	args := []any{nowString()}
	appendField := func(column string, value any) {
		set += ", " + column + " = ?"
		args = append(args, value)
	}
	if updates.Title != nil {
		appendField("title", *updates.Title)
	}
	if updates.SummaryMarkdown != nil {
		appendField("summary_markdown", *updates.SummaryMarkdown)
	}
	if updates.CompactMarkdown != nil {
		appendField("compact_markdown", *updates.CompactMarkdown)
	}
	if updates.JSONLPath != nil {
		appendField("jsonl_path", *updates.JSONLPath)
	}
	if updates.GitBranch != nil {
		appendField("git_branch", *updates.GitBranch)
	}
	if updates.ParentSessionID != nil {
		appendField("parent_session_id", *updates.ParentSessionID)
	}
	if updates.Transcript != nil {
		appendField("transcript_processed", *updates.Transcript)
	}
	args = append(args, sessionID)

	res, err := db.exec(ctx, `UPDATE sessions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session fields: %w", err)
	}
	return requireRow(res, "session", sessionID)
}

// ListSessions returns sessions, optionally filtered by project and status,
// most recently updated first.
func (db *DB) ListSessions(ctx context.Context, projectID, status string, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// InsertMessage records a transcript message for a session.
func (db *DB) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = id.NewUUID()
	}
	_, err := db.exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, nowString())
	return err
}

// ListMessages returns the most recent messages for a session, oldest first.
func (db *DB) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `SELECT id, session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at FROM messages
			WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*Session, error) {
	s, err := scanSessionFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("session not found")
	}
	return s, err
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	return scanSessionFrom(rows)
}

func scanSessionFrom(scanner rowScanner) (*Session, error) {
	s := &Session{}
	var projectID, title, jsonlPath, summary, compact, gitBranch, parentID sql.NullString
	var createdAt, updatedAt string
	err := scanner.Scan(&s.ID, &s.ExternalID, &s.MachineID, &s.Source,
		&projectID, &title, &s.Status, &jsonlPath, &summary, &compact,
		&gitBranch, &parentID, &s.AgentDepth, &s.TranscriptProcessed,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.ProjectID = fromNull(projectID)
	s.Title = fromNull(title)
	s.JSONLPath = fromNull(jsonlPath)
	s.SummaryMarkdown = fromNull(summary)
	s.CompactMarkdown = fromNull(compact)
	s.GitBranch = fromNull(gitBranch)
	s.ParentSessionID = fromNull(parentID)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func requireRow(res sql.Result, entity, entityID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gerrors.NotFound("%s %s not found", entity, entityID)
	}
	return nil
}
