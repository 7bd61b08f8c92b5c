package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gerrors "gobby/internal/errors"
	"gobby/internal/utils/id"
)

const executionColumns = `id, pipeline_name, project_id, status, inputs_json,
	outputs_json, resume_token, session_id, parent_execution_id,
	created_at, updated_at, completed_at`

const stepExecutionColumns = `id, execution_id, step_id, status, started_at,
	completed_at, input_json, output_json, error, approval_token,
	approved_by, approved_at`

// CreatePipelineExecution inserts an execution row with status pending.
func (db *DB) CreatePipelineExecution(ctx context.Context, e *PipelineExecution) error {
	if e.ID == "" {
		e.ID = id.NewPipelineExecutionID()
	}
	if e.Status == "" {
		e.Status = ExecStatusPending
	}
	now := nowString()
	_, err := db.exec(ctx, `
		INSERT INTO pipeline_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		e.ID, e.PipelineName, nullString(e.ProjectID), e.Status,
		nullString(e.InputsJSON), nullString(e.OutputsJSON), nullString(e.ResumeToken),
		nullString(e.SessionID), nullString(e.ParentExecutionID), now, now)
	if err != nil {
		return fmt.Errorf("create pipeline execution: %w", err)
	}
	e.CreatedAt = parseTime(now)
	e.UpdatedAt = parseTime(now)
	return nil
}

// ExecutionUpdates names the mutable execution fields.
type ExecutionUpdates struct {
	Status      *string
	OutputsJSON *string
	ResumeToken *string
	Completed   bool
}

// UpdatePipelineExecution applies the non-nil updates.
func (db *DB) UpdatePipelineExecution(ctx context.Context, executionID string, updates ExecutionUpdates) error {
	set := "updated_at = ?"
	args := []any{nowString()}
	if updates.Status != nil {
		set += ", status = ?"
		args = append(args, *updates.Status)
	}
	if updates.OutputsJSON != nil {
		set += ", outputs_json = ?"
		args = append(args, *updates.OutputsJSON)
	}
	if updates.ResumeToken != nil {
		set += ", resume_token = ?"
		args = append(args, nullString(*updates.ResumeToken))
	}
	if updates.Completed {
		set += ", completed_at = ?"
		args = append(args, nowString())
	}
	args = append(args, executionID)

	res, err := db.exec(ctx, `UPDATE pipeline_executions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update pipeline execution: %w", err)
	}
	return requireRow(res, "pipeline execution", executionID)
}

// GetPipelineExecution returns the execution with the given id.
func (db *DB) GetPipelineExecution(ctx context.Context, executionID string) (*PipelineExecution, error) {
	row := db.queryRow(ctx, `SELECT `+executionColumns+` FROM pipeline_executions WHERE id = ?`, executionID)
	return scanExecution(row)
}

// GetPipelineExecutionByToken resolves a resume token to its execution.
func (db *DB) GetPipelineExecutionByToken(ctx context.Context, token string) (*PipelineExecution, error) {
	row := db.queryRow(ctx, `SELECT `+executionColumns+` FROM pipeline_executions
		WHERE resume_token = ?`, token)
	return scanExecution(row)
}

// GetStepExecutionByToken resolves an approval token to its step row.
// Approval clears the token, so a spent token no longer resolves.
func (db *DB) GetStepExecutionByToken(ctx context.Context, token string) (*StepExecution, error) {
	row := db.queryRow(ctx, `SELECT `+stepExecutionColumns+` FROM step_executions
		WHERE approval_token = ?`, token)
	s, err := scanStepExecutionFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("approval token not found")
	}
	return s, err
}

// CreateStepExecution inserts a step execution row.
func (db *DB) CreateStepExecution(ctx context.Context, s *StepExecution) error {
	if s.ID == "" {
		s.ID = id.NewUUID()
	}
	if s.Status == "" {
		s.Status = StepStatusPending
	}
	_, err := db.exec(ctx, `
		INSERT INTO step_executions (`+stepExecutionColumns+`)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, NULL, NULL, NULL, NULL, NULL)`,
		s.ID, s.ExecutionID, s.StepID, s.Status, nullString(s.InputJSON))
	if err != nil {
		return fmt.Errorf("create step execution: %w", err)
	}
	return nil
}

// StepUpdates names the mutable step execution fields.
type StepUpdates struct {
	Status        *string
	OutputJSON    *string
	Error         *string
	ApprovalToken *string
	ApprovedBy    *string
	Started       bool
	Completed     bool
	Approved      bool
}

// UpdateStepExecution applies the non-nil updates.
func (db *DB) UpdateStepExecution(ctx context.Context, stepExecutionID string, updates StepUpdates) error {
	set := ""
	args := []any{}
	appendField := func(column string, value any) {
		if set != "" {
			set += ", "
		}
		set += column + " = ?"
		args = append(args, value)
	}
	if updates.Status != nil {
		appendField("status", *updates.Status)
	}
	if updates.OutputJSON != nil {
		appendField("output_json", *updates.OutputJSON)
	}
	if updates.Error != nil {
		appendField("error", *updates.Error)
	}
	if updates.ApprovalToken != nil {
		appendField("approval_token", nullString(*updates.ApprovalToken))
	}
	if updates.ApprovedBy != nil {
		appendField("approved_by", *updates.ApprovedBy)
	}
	if updates.Started {
		appendField("started_at", nowString())
	}
	if updates.Completed {
		appendField("completed_at", nowString())
	}
	if updates.Approved {
		appendField("approved_at", nowString())
	}
	if set == "" {
		return nil
	}
	args = append(args, stepExecutionID)

	res, err := db.exec(ctx, `UPDATE step_executions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	return requireRow(res, "step execution", stepExecutionID)
}

// ListStepExecutions returns all step rows for an execution in insert order.
func (db *DB) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := db.query(ctx, `SELECT `+stepExecutionColumns+` FROM step_executions
		WHERE execution_id = ? ORDER BY rowid ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		s, err := scanStepExecutionFrom(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func scanExecution(row *sql.Row) (*PipelineExecution, error) {
	e, err := scanExecutionFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("pipeline execution not found")
	}
	return e, err
}

func scanExecutionFrom(scanner rowScanner) (*PipelineExecution, error) {
	e := &PipelineExecution{}
	var projectID, inputs, outputs, token, sessionID, parentID, completedAt sql.NullString
	var createdAt, updatedAt string
	err := scanner.Scan(&e.ID, &e.PipelineName, &projectID, &e.Status,
		&inputs, &outputs, &token, &sessionID, &parentID,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.ProjectID = fromNull(projectID)
	e.InputsJSON = fromNull(inputs)
	e.OutputsJSON = fromNull(outputs)
	e.ResumeToken = fromNull(token)
	e.SessionID = fromNull(sessionID)
	e.ParentExecutionID = fromNull(parentID)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	e.CompletedAt = parseTime(fromNull(completedAt))
	return e, nil
}

func scanStepExecutionFrom(scanner rowScanner) (*StepExecution, error) {
	s := &StepExecution{}
	var startedAt, completedAt, input, output, stepErr sql.NullString
	var approvalToken, approvedBy, approvedAt sql.NullString
	err := scanner.Scan(&s.ID, &s.ExecutionID, &s.StepID, &s.Status,
		&startedAt, &completedAt, &input, &output, &stepErr,
		&approvalToken, &approvedBy, &approvedAt)
	if err != nil {
		return nil, err
	}
	s.StartedAt = parseTime(fromNull(startedAt))
	s.CompletedAt = parseTime(fromNull(completedAt))
	s.InputJSON = fromNull(input)
	s.OutputJSON = fromNull(output)
	s.Error = fromNull(stepErr)
	s.ApprovalToken = fromNull(approvalToken)
	s.ApprovedBy = fromNull(approvedBy)
	s.ApprovedAt = parseTime(fromNull(approvedAt))
	return s, nil
}
