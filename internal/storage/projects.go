package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gerrors "gobby/internal/errors"
	"gobby/internal/utils/id"
)

// CreateProject inserts a project row. RepoPath must be unique; registering
// the same path twice returns the existing project.
func (db *DB) CreateProject(ctx context.Context, p *Project) (*Project, error) {
	if p.ID == "" {
		p.ID = id.NewUUID()
	}
	now := nowString()
	_, err := db.exec(ctx, `
		INSERT INTO projects (id, name, repo_path, github_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_path) DO UPDATE SET updated_at = excluded.updated_at`,
		p.ID, p.Name, p.RepoPath, nullString(p.GithubURL), now, now)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return db.GetProjectByPath(ctx, p.RepoPath)
}

// GetProject returns the project with the given id.
func (db *DB) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := db.queryRow(ctx, `SELECT id, name, repo_path, github_url, created_at, updated_at
		FROM projects WHERE id = ?`, projectID)
	return scanProject(row)
}

// GetProjectByPath returns the project rooted at repoPath.
func (db *DB) GetProjectByPath(ctx context.Context, repoPath string) (*Project, error) {
	row := db.queryRow(ctx, `SELECT id, name, repo_path, github_url, created_at, updated_at
		FROM projects WHERE repo_path = ?`, repoPath)
	return scanProject(row)
}

// ListProjects returns all projects, newest first.
func (db *DB) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := db.query(ctx, `SELECT id, name, repo_path, github_url, created_at, updated_at
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		var githubURL sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoPath, &githubURL, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.GithubURL = fromNull(githubURL)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func scanProject(row *sql.Row) (*Project, error) {
	p := &Project{}
	var githubURL sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &githubURL, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("project not found")
	}
	if err != nil {
		return nil, err
	}
	p.GithubURL = fromNull(githubURL)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}
