package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gerrors "gobby/internal/errors"
	"gobby/internal/utils/id"
)

const memoryColumns = `id, project_id, content, memory_type, source_type,
	source_session_id, tags, created_at`

// InsertMemory stores a memory row. The caller is responsible for writing
// the embedding to the vector store under the returned id.
func (db *DB) InsertMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = id.NewUUID()
	}
	if m.MemoryType == "" {
		m.MemoryType = "fact"
	}
	if m.SourceType == "" {
		m.SourceType = "manual"
	}
	_, err := db.exec(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Content, m.MemoryType, m.SourceType,
		nullString(m.SourceSessionID), marshalJSON(m.Tags), nowString())
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory returns the memory with the given id.
func (db *DB) GetMemory(ctx context.Context, memoryID string) (*Memory, error) {
	row := db.queryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, memoryID)
	m, err := scanMemoryFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("memory not found")
	}
	return m, err
}

// MemoryContentExists reports whether an identical content string is already
// stored for the project. Used to dedup memory_save.
func (db *DB) MemoryContentExists(ctx context.Context, projectID, content string) (bool, error) {
	var count int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM memories
		WHERE project_id = ? AND content = ?`, projectID, content).Scan(&count)
	return count > 0, err
}

// ListMemories returns memories for a project, newest first.
func (db *DB) ListMemories(ctx context.Context, projectID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.query(ctx, `SELECT `+memoryColumns+` FROM memories
		WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemoryFrom(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// DeleteMemory removes a memory row.
func (db *DB) DeleteMemory(ctx context.Context, memoryID string) error {
	res, err := db.exec(ctx, `DELETE FROM memories WHERE id = ?`, memoryID)
	if err != nil {
		return err
	}
	return requireRow(res, "memory", memoryID)
}

func scanMemoryFrom(scanner rowScanner) (*Memory, error) {
	m := &Memory{}
	var sourceSessionID, tags sql.NullString
	var createdAt string
	err := scanner.Scan(&m.ID, &m.ProjectID, &m.Content, &m.MemoryType,
		&m.SourceType, &sourceSessionID, &tags, &createdAt)
	if err != nil {
		return nil, err
	}
	m.SourceSessionID = fromNull(sourceSessionID)
	m.Tags = unmarshalStringSlice(fromNull(tags))
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}
