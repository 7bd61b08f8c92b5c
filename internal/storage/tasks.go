package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gerrors "gobby/internal/errors"
	"gobby/internal/utils/id"
)

const taskColumns = `id, seq_num, project_id, title, description, status, priority,
	task_type, category, parent_task_id, commits, validation_criteria,
	validation_status, expansion_status, expansion_context, requires_user_review,
	labels, created_at, updated_at`

// CreateTask inserts a task, allocating the next per-project seq_num inside
// the insert transaction so concurrent creates never collide.
func (db *DB) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	if t.ID == "" {
		t.ID = id.NewUUID()
	}
	if t.Status == "" {
		t.Status = TaskStatusOpen
	}
	if t.TaskType == "" {
		t.TaskType = "feature"
	}
	now := nowString()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq_num), 0) + 1 FROM tasks WHERE project_id = ?`, t.ProjectID)
		if err := row.Scan(&t.SeqNum); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.SeqNum, t.ProjectID, t.Title, nullString(t.Description),
			t.Status, t.Priority, t.TaskType, nullString(t.Category),
			nullString(t.ParentTaskID), marshalJSON(t.Commits),
			nullString(t.ValidationCriteria), nullString(t.ValidationStatus),
			nullString(t.ExpansionStatus), nullString(t.ExpansionContext),
			t.RequiresUserReview, marshalJSON(t.Labels), now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	t.CreatedAt = parseTime(now)
	t.UpdatedAt = parseTime(now)
	return t, nil
}

// GetTask returns the task with the given id.
func (db *DB) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := db.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

// GetTaskBySeq resolves a per-project seq_num to a task.
func (db *DB) GetTaskBySeq(ctx context.Context, projectID string, seqNum int) (*Task, error) {
	row := db.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND seq_num = ?`, projectID, seqNum)
	return scanTask(row)
}

// TaskUpdates names the mutable task fields; nil pointers leave the field
// untouched.
type TaskUpdates struct {
	Title              *string
	Description        *string
	Status             *string
	Priority           *int
	Category           *string
	ValidationStatus   *string
	ExpansionStatus    *string
	ExpansionContext   *string
	Commits            *[]string
	Labels             *[]string
	RequiresUserReview *bool
}

// UpdateTask applies the non-nil updates to the task.
func (db *DB) UpdateTask(ctx context.Context, taskID string, updates TaskUpdates) error {
	set := "updated_at = ?"
	args := []any{nowString()}
	appendField := func(column string, value any) {
		set += ", " + column + " = ?"
		args = append(args, value)
	}
	if updates.Title != nil {
		appendField("title", *updates.Title)
	}
	if updates.Description != nil {
		appendField("description", *updates.Description)
	}
	if updates.Status != nil {
		appendField("status", *updates.Status)
	}
	if updates.Priority != nil {
		appendField("priority", *updates.Priority)
	}
	if updates.Category != nil {
		appendField("category", *updates.Category)
	}
	if updates.ValidationStatus != nil {
		appendField("validation_status", *updates.ValidationStatus)
	}
	if updates.ExpansionStatus != nil {
		appendField("expansion_status", *updates.ExpansionStatus)
	}
	if updates.ExpansionContext != nil {
		appendField("expansion_context", *updates.ExpansionContext)
	}
	if updates.Commits != nil {
		appendField("commits", marshalJSON(*updates.Commits))
	}
	if updates.Labels != nil {
		appendField("labels", marshalJSON(*updates.Labels))
	}
	if updates.RequiresUserReview != nil {
		appendField("requires_user_review", *updates.RequiresUserReview)
	}
	args = append(args, taskID)

	res, err := db.exec(ctx, `UPDATE tasks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, "task", taskID)
}

// ListTasks returns tasks for a project, optionally filtered by status and
// parent, ordered by seq_num.
func (db *DB) ListTasks(ctx context.Context, projectID, status, parentTaskID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if parentTaskID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, parentTaskID)
	}
	query += ` ORDER BY seq_num ASC`

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListChildTasks returns the direct children of a task, ordered by seq_num.
func (db *DB) ListChildTasks(ctx context.Context, taskID string) ([]*Task, error) {
	rows, err := db.query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE parent_task_id = ? ORDER BY seq_num ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// AddTaskDependency links task -> dependsOn with the given type.
func (db *DB) AddTaskDependency(ctx context.Context, taskID, dependsOnID, depType string) error {
	if depType == "" {
		depType = DepTypeBlocks
	}
	if depType != DepTypeBlocks && depType != DepTypeRelatesTo {
		return gerrors.ValidationFailed("unknown dependency type %q", depType)
	}
	_, err := db.exec(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_id, dep_type)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id, depends_on_id) DO UPDATE SET dep_type = excluded.dep_type`,
		taskID, dependsOnID, depType)
	return err
}

// ListTaskDependencies returns every dependency edge in a project.
func (db *DB) ListTaskDependencies(ctx context.Context, projectID string) ([]*TaskDependency, error) {
	rows, err := db.query(ctx, `
		SELECT d.task_id, d.depends_on_id, d.dep_type
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*TaskDependency
	for rows.Next() {
		d := &TaskDependency{}
		if err := rows.Scan(&d.TaskID, &d.DependsOnID, &d.DepType); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskFrom(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row *sql.Row) (*Task, error) {
	t, err := scanTaskFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("task not found")
	}
	return t, err
}

func scanTaskFrom(scanner rowScanner) (*Task, error) {
	t := &Task{}
	var description, category, parentID, commits, validationCriteria sql.NullString
	var validationStatus, expansionStatus, expansionContext, labels sql.NullString
	var createdAt, updatedAt string
	err := scanner.Scan(&t.ID, &t.SeqNum, &t.ProjectID, &t.Title, &description,
		&t.Status, &t.Priority, &t.TaskType, &category, &parentID, &commits,
		&validationCriteria, &validationStatus, &expansionStatus, &expansionContext,
		&t.RequiresUserReview, &labels, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = fromNull(description)
	t.Category = fromNull(category)
	t.ParentTaskID = fromNull(parentID)
	t.Commits = unmarshalStringSlice(fromNull(commits))
	t.ValidationCriteria = fromNull(validationCriteria)
	t.ValidationStatus = fromNull(validationStatus)
	t.ExpansionStatus = fromNull(expansionStatus)
	t.ExpansionContext = fromNull(expansionContext)
	t.Labels = unmarshalStringSlice(fromNull(labels))
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}
