package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gerrors "gobby/internal/errors"
)

const workflowStateColumns = `session_id, workflow_name, step, step_entered_at,
	step_action_count, total_action_count, observations, variables,
	context_injected, reflection_pending, updated_at`

// GetWorkflowState returns the state row for (sessionID, workflowName).
func (db *DB) GetWorkflowState(ctx context.Context, sessionID, workflowName string) (*WorkflowState, error) {
	row := db.queryRow(ctx, `SELECT `+workflowStateColumns+` FROM workflow_states
		WHERE session_id = ? AND workflow_name = ?`, sessionID, workflowName)
	return scanWorkflowState(row)
}

// ListWorkflowStates returns every workflow state attached to a session.
func (db *DB) ListWorkflowStates(ctx context.Context, sessionID string) ([]*WorkflowState, error) {
	rows, err := db.query(ctx, `SELECT `+workflowStateColumns+` FROM workflow_states
		WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*WorkflowState
	for rows.Next() {
		st, err := scanWorkflowStateFrom(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// SaveWorkflowState upserts the full state row.
func (db *DB) SaveWorkflowState(ctx context.Context, st *WorkflowState) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return saveWorkflowStateTx(ctx, tx, st)
	})
}

// DeleteWorkflowState removes a workflow instance's state.
func (db *DB) DeleteWorkflowState(ctx context.Context, sessionID, workflowName string) error {
	_, err := db.exec(ctx, `DELETE FROM workflow_states WHERE session_id = ? AND workflow_name = ?`,
		sessionID, workflowName)
	return err
}

// MutateWorkflowState runs a read-modify-write of one state row inside a
// single transaction. The mutate function receives the current state (never
// nil; a fresh zero state is supplied when the row does not exist yet) and
// its return value is persisted before the transaction commits. This is the
// primitive behind slot reservation and orchestration list updates.
func (db *DB) MutateWorkflowState(ctx context.Context, sessionID, workflowName string, mutate func(st *WorkflowState) error) (*WorkflowState, error) {
	var result *WorkflowState
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+workflowStateColumns+` FROM workflow_states
			WHERE session_id = ? AND workflow_name = ?`, sessionID, workflowName)
		st, err := scanWorkflowStateFrom(row)
		if errors.Is(err, sql.ErrNoRows) {
			st = &WorkflowState{
				SessionID:    sessionID,
				WorkflowName: workflowName,
				Variables:    map[string]any{},
			}
		} else if err != nil {
			return err
		}
		if st.Variables == nil {
			st.Variables = map[string]any{}
		}
		if err := mutate(st); err != nil {
			return err
		}
		result = st
		return saveWorkflowStateTx(ctx, tx, st)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func saveWorkflowStateTx(ctx context.Context, tx *sql.Tx, st *WorkflowState) error {
	var stepEntered any
	if !st.StepEnteredAt.IsZero() {
		stepEntered = formatTime(st.StepEnteredAt)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_states (`+workflowStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, workflow_name) DO UPDATE SET
			step = excluded.step,
			step_entered_at = excluded.step_entered_at,
			step_action_count = excluded.step_action_count,
			total_action_count = excluded.total_action_count,
			observations = excluded.observations,
			variables = excluded.variables,
			context_injected = excluded.context_injected,
			reflection_pending = excluded.reflection_pending,
			updated_at = excluded.updated_at`,
		st.SessionID, st.WorkflowName, st.Step, stepEntered,
		st.StepActionCount, st.TotalActionCount,
		marshalJSON(st.Observations), marshalJSON(st.Variables),
		st.ContextInjected, st.ReflectionPending, nowString())
	if err != nil {
		return fmt.Errorf("save workflow state: %w", err)
	}
	return nil
}

func scanWorkflowState(row *sql.Row) (*WorkflowState, error) {
	st, err := scanWorkflowStateFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("workflow state not found")
	}
	return st, err
}

func scanWorkflowStateFrom(scanner rowScanner) (*WorkflowState, error) {
	st := &WorkflowState{}
	var stepEntered, observations, variables sql.NullString
	var updatedAt string
	err := scanner.Scan(&st.SessionID, &st.WorkflowName, &st.Step, &stepEntered,
		&st.StepActionCount, &st.TotalActionCount, &observations, &variables,
		&st.ContextInjected, &st.ReflectionPending, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.StepEnteredAt = parseTime(fromNull(stepEntered))
	st.Observations = unmarshalStringSlice(fromNull(observations))
	st.Variables = unmarshalMap(fromNull(variables))
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}
