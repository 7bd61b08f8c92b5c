package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gerrors "gobby/internal/errors"
	"gobby/internal/utils/id"
)

const cronJobColumns = `id, project_id, name, schedule_type, cron_expr,
	interval_seconds, run_at, timezone, action_type, action_config, enabled,
	next_run_at, last_run_at, last_status, consecutive_failures, description,
	created_at, updated_at`

const cronRunColumns = `id, cron_job_id, triggered_at, started_at, completed_at,
	status, output, error, agent_run_id, pipeline_execution_id, created_at`

// CreateCronJob inserts a cron job. Names are unique across the database.
func (db *DB) CreateCronJob(ctx context.Context, j *CronJob) error {
	if j.ID == "" {
		j.ID = id.NewCronJobID()
	}
	if j.Timezone == "" {
		j.Timezone = "UTC"
	}
	if j.ActionConfig == "" {
		j.ActionConfig = "{}"
	}
	now := nowString()
	_, err := db.exec(ctx, `
		INSERT INTO cron_jobs (`+cronJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, nullString(j.ProjectID), j.Name, j.ScheduleType,
		nullString(j.CronExpr), nullableInt(j.IntervalSeconds), nullableTime(j.RunAt),
		j.Timezone, j.ActionType, j.ActionConfig, j.Enabled,
		nullableTime(j.NextRunAt), nullableTime(j.LastRunAt), nullString(j.LastStatus),
		j.ConsecutiveFailures, nullString(j.Description), now, now)
	if err != nil {
		return fmt.Errorf("create cron job: %w", err)
	}
	j.CreatedAt = parseTime(now)
	j.UpdatedAt = parseTime(now)
	return nil
}

// GetCronJob returns the job with the given id.
func (db *DB) GetCronJob(ctx context.Context, jobID string) (*CronJob, error) {
	row := db.queryRow(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = ?`, jobID)
	return scanCronJob(row)
}

// GetCronJobByName returns the job with the given name.
func (db *DB) GetCronJobByName(ctx context.Context, name string) (*CronJob, error) {
	row := db.queryRow(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE name = ?`, name)
	return scanCronJob(row)
}

// ListCronJobs returns all jobs, optionally filtered by project.
func (db *DB) ListCronJobs(ctx context.Context, projectID string) ([]*CronJob, error) {
	query := `SELECT ` + cronJobColumns + ` FROM cron_jobs`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY name ASC`

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCronJobs(rows)
}

// DueCronJobs returns enabled jobs whose next_run_at is at or before now.
func (db *DB) DueCronJobs(ctx context.Context, now time.Time) ([]*CronJob, error) {
	rows, err := db.query(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCronJobs(rows)
}

// CronJobUpdates names the mutable job fields.
type CronJobUpdates struct {
	ScheduleType        *string
	CronExpr            *string
	IntervalSeconds     *int
	RunAt               *time.Time
	Timezone            *string
	ActionType          *string
	ActionConfig        *string
	Enabled             *bool
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	LastStatus          *string
	ConsecutiveFailures *int
	Description         *string
}

// UpdateCronJob applies the non-nil updates.
func (db *DB) UpdateCronJob(ctx context.Context, jobID string, updates CronJobUpdates) error {
	set := "updated_at = ?"
	args := []any{nowString()}
	appendField := func(column string, value any) {
		set += ", " + column + " = ?"
		args = append(args, value)
	}
	if updates.ScheduleType != nil {
		appendField("schedule_type", *updates.ScheduleType)
	}
	if updates.CronExpr != nil {
		appendField("cron_expr", nullString(*updates.CronExpr))
	}
	if updates.IntervalSeconds != nil {
		appendField("interval_seconds", nullableInt(*updates.IntervalSeconds))
	}
	if updates.RunAt != nil {
		appendField("run_at", nullableTime(*updates.RunAt))
	}
	if updates.Timezone != nil {
		appendField("timezone", *updates.Timezone)
	}
	if updates.ActionType != nil {
		appendField("action_type", *updates.ActionType)
	}
	if updates.ActionConfig != nil {
		appendField("action_config", *updates.ActionConfig)
	}
	if updates.Enabled != nil {
		appendField("enabled", *updates.Enabled)
	}
	if updates.NextRunAt != nil {
		appendField("next_run_at", nullableTime(*updates.NextRunAt))
	}
	if updates.LastRunAt != nil {
		appendField("last_run_at", nullableTime(*updates.LastRunAt))
	}
	if updates.LastStatus != nil {
		appendField("last_status", *updates.LastStatus)
	}
	if updates.ConsecutiveFailures != nil {
		appendField("consecutive_failures", *updates.ConsecutiveFailures)
	}
	if updates.Description != nil {
		appendField("description", *updates.Description)
	}
	args = append(args, jobID)

	res, err := db.exec(ctx, `UPDATE cron_jobs SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update cron job: %w", err)
	}
	return requireRow(res, "cron job", jobID)
}

// DeleteCronJob removes a job and its run history.
func (db *DB) DeleteCronJob(ctx context.Context, jobID string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cron_runs WHERE cron_job_id = ?`, jobID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, jobID)
		if err != nil {
			return err
		}
		return requireRow(res, "cron job", jobID)
	})
}

// CreateCronRun inserts a run record.
func (db *DB) CreateCronRun(ctx context.Context, r *CronRun) error {
	if r.ID == "" {
		r.ID = id.NewCronRunID()
	}
	if r.Status == "" {
		r.Status = CronRunStatusPending
	}
	if r.TriggeredAt.IsZero() {
		r.TriggeredAt = time.Now()
	}
	_, err := db.exec(ctx, `
		INSERT INTO cron_runs (`+cronRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CronJobID, formatTime(r.TriggeredAt),
		nullableTime(r.StartedAt), nullableTime(r.CompletedAt), r.Status,
		nullString(r.Output), nullString(r.Error),
		nullString(r.AgentRunID), nullString(r.PipelineExecutionID), nowString())
	if err != nil {
		return fmt.Errorf("create cron run: %w", err)
	}
	return nil
}

// CronRunUpdates names the mutable run fields.
type CronRunUpdates struct {
	Status              *string
	Output              *string
	Error               *string
	AgentRunID          *string
	PipelineExecutionID *string
	Started             bool
	Completed           bool
}

// UpdateCronRun applies the non-nil updates.
func (db *DB) UpdateCronRun(ctx context.Context, runID string, updates CronRunUpdates) error {
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
	if updates.Output != nil {
		appendField("output", *updates.Output)
	}
	if updates.Error != nil {
		appendField("error", *updates.Error)
	}
	if updates.AgentRunID != nil {
		appendField("agent_run_id", *updates.AgentRunID)
	}
	if updates.PipelineExecutionID != nil {
		appendField("pipeline_execution_id", *updates.PipelineExecutionID)
	}
	if updates.Started {
		appendField("started_at", nowString())
	}
	if updates.Completed {
		appendField("completed_at", nowString())
	}
	if set == "" {
		return nil
	}
	args = append(args, runID)

	res, err := db.exec(ctx, `UPDATE cron_runs SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update cron run: %w", err)
	}
	return requireRow(res, "cron run", runID)
}

// ListCronRuns returns the most recent runs for a job, newest first.
func (db *DB) ListCronRuns(ctx context.Context, jobID string, limit int) ([]*CronRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.query(ctx, `SELECT `+cronRunColumns+` FROM cron_runs
		WHERE cron_job_id = ? ORDER BY triggered_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*CronRun
	for rows.Next() {
		r, err := scanCronRunFrom(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountRunningCronRuns returns the number of runs currently in flight.
func (db *DB) CountRunningCronRuns(ctx context.Context) (int, error) {
	var count int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM cron_runs
		WHERE status IN (?, ?)`, CronRunStatusPending, CronRunStatusRunning).Scan(&count)
	return count, err
}

// CleanupOldCronRuns deletes terminal runs older than the retention window.
func (db *DB) CleanupOldCronRuns(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := db.exec(ctx, `DELETE FROM cron_runs
		WHERE triggered_at < ? AND status IN (?, ?)`,
		cutoff, CronRunStatusCompleted, CronRunStatusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectCronJobs(rows *sql.Rows) ([]*CronJob, error) {
	var jobs []*CronJob
	for rows.Next() {
		j, err := scanCronJobFrom(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanCronJob(row *sql.Row) (*CronJob, error) {
	j, err := scanCronJobFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("cron job not found")
	}
	return j, err
}

func scanCronJobFrom(scanner rowScanner) (*CronJob, error) {
	j := &CronJob{}
	var projectID, cronExpr, runAt, nextRunAt, lastRunAt, lastStatus, description sql.NullString
	var intervalSeconds sql.NullInt64
	var createdAt, updatedAt string
	err := scanner.Scan(&j.ID, &projectID, &j.Name, &j.ScheduleType, &cronExpr,
		&intervalSeconds, &runAt, &j.Timezone, &j.ActionType, &j.ActionConfig,
		&j.Enabled, &nextRunAt, &lastRunAt, &lastStatus, &j.ConsecutiveFailures,
		&description, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.ProjectID = fromNull(projectID)
	j.CronExpr = fromNull(cronExpr)
	if intervalSeconds.Valid {
		j.IntervalSeconds = int(intervalSeconds.Int64)
	}
	j.RunAt = parseTime(fromNull(runAt))
	j.NextRunAt = parseTime(fromNull(nextRunAt))
	j.LastRunAt = parseTime(fromNull(lastRunAt))
	j.LastStatus = fromNull(lastStatus)
	j.Description = fromNull(description)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return j, nil
}

func scanCronRunFrom(scanner rowScanner) (*CronRun, error) {
	r := &CronRun{}
	var startedAt, completedAt, output, runErr, agentRunID, pipelineExecID sql.NullString
	var triggeredAt, createdAt string
	err := scanner.Scan(&r.ID, &r.CronJobID, &triggeredAt, &startedAt, &completedAt,
		&r.Status, &output, &runErr, &agentRunID, &pipelineExecID, &createdAt)
	if err != nil {
		return nil, err
	}
	r.TriggeredAt = parseTime(triggeredAt)
	r.StartedAt = parseTime(fromNull(startedAt))
	r.CompletedAt = parseTime(fromNull(completedAt))
	r.Output = fromNull(output)
	r.Error = fromNull(runErr)
	r.AgentRunID = fromNull(agentRunID)
	r.PipelineExecutionID = fromNull(pipelineExecID)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
