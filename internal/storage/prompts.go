package storage

import (
	"context"
	"database/sql"
	"fmt"

	"gobby/internal/utils/id"
)

const promptColumns = `id, path, tier, project_id, name, description, version,
	category, content, variables, source_file, created_at, updated_at`

// UpsertPrompt inserts or replaces a prompt, unique on (path, tier,
// project_id). The version increments on every content change.
func (db *DB) UpsertPrompt(ctx context.Context, p *Prompt) error {
	if p.ID == "" {
		p.ID = id.NewUUID()
	}
	if p.Version <= 0 {
		p.Version = 1
	}
	now := nowString()
	_, err := db.exec(ctx, `
		INSERT INTO prompts (`+promptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path, tier, project_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = prompts.version + 1,
			category = excluded.category,
			content = excluded.content,
			variables = excluded.variables,
			source_file = excluded.source_file,
			updated_at = excluded.updated_at`,
		p.ID, p.Path, p.Tier, p.ProjectID, nullString(p.Name),
		nullString(p.Description), p.Version, nullString(p.Category),
		p.Content, nullString(p.Variables), nullString(p.SourceFile), now, now)
	if err != nil {
		return fmt.Errorf("upsert prompt: %w", err)
	}
	return nil
}

// FindPrompts returns every tier's row for the given path. The caller applies
// the project > user > bundled resolution order.
func (db *DB) FindPrompts(ctx context.Context, path, projectID string) ([]*Prompt, error) {
	rows, err := db.query(ctx, `SELECT `+promptColumns+` FROM prompts
		WHERE path = ? AND (project_id = '' OR project_id = ?)`, path, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrompts(rows)
}

// ListPrompts returns all prompts visible to a project.
func (db *DB) ListPrompts(ctx context.Context, projectID string) ([]*Prompt, error) {
	rows, err := db.query(ctx, `SELECT `+promptColumns+` FROM prompts
		WHERE project_id = '' OR project_id = ?
		ORDER BY path ASC, tier ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrompts(rows)
}

func collectPrompts(rows *sql.Rows) ([]*Prompt, error) {
	var prompts []*Prompt
	for rows.Next() {
		p := &Prompt{}
		var projectID, name, description, category, variables, sourceFile sql.NullString
		var createdAt, updatedAt string
		err := rows.Scan(&p.ID, &p.Path, &p.Tier, &projectID, &name, &description,
			&p.Version, &category, &p.Content, &variables, &sourceFile,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		p.ProjectID = fromNull(projectID)
		p.Name = fromNull(name)
		p.Description = fromNull(description)
		p.Category = fromNull(category)
		p.Variables = fromNull(variables)
		p.SourceFile = fromNull(sourceFile)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// InsertWorktree records a created isolation worktree.
func (db *DB) InsertWorktree(ctx context.Context, w *Worktree) error {
	if w.ID == "" {
		w.ID = id.NewUUID()
	}
	_, err := db.exec(ctx, `
		INSERT INTO worktrees (id, project_id, path, branch, agent_run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.Path, nullString(w.Branch), nullString(w.AgentRunID), nowString())
	return err
}

// ListWorktrees returns worktrees for a project.
func (db *DB) ListWorktrees(ctx context.Context, projectID string) ([]*Worktree, error) {
	rows, err := db.query(ctx, `SELECT id, project_id, path, branch, agent_run_id, created_at
		FROM worktrees WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var worktrees []*Worktree
	for rows.Next() {
		w := &Worktree{}
		var branch, agentRunID sql.NullString
		var createdAt string
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.Path, &branch, &agentRunID, &createdAt); err != nil {
			return nil, err
		}
		w.Branch = fromNull(branch)
		w.AgentRunID = fromNull(agentRunID)
		w.CreatedAt = parseTime(createdAt)
		worktrees = append(worktrees, w)
	}
	return worktrees, rows.Err()
}
