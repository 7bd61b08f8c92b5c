package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; each entry runs at most once, tracked in
// schema_migrations. Statements must stay idempotent (IF NOT EXISTS) so a
// partially-applied migration can be retried after a crash.
var migrations = []struct {
	version int
	name    string
	stmts   []string
}{
	{
		version: 1,
		name:    "core entities",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				repo_path TEXT NOT NULL UNIQUE,
				github_url TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				external_id TEXT NOT NULL,
				machine_id TEXT NOT NULL,
				source TEXT NOT NULL,
				project_id TEXT,
				title TEXT,
				status TEXT NOT NULL DEFAULT 'active',
				jsonl_path TEXT,
				summary_markdown TEXT,
				compact_markdown TEXT,
				git_branch TEXT,
				parent_session_id TEXT,
				agent_depth INTEGER NOT NULL DEFAULT 0,
				transcript_processed INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(external_id, machine_id, source)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_parent_lookup
				ON sessions(machine_id, project_id, source, status)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				seq_num INTEGER NOT NULL,
				project_id TEXT NOT NULL REFERENCES projects(id),
				title TEXT NOT NULL,
				description TEXT,
				status TEXT NOT NULL DEFAULT 'open',
				priority INTEGER NOT NULL DEFAULT 0,
				task_type TEXT NOT NULL DEFAULT 'feature',
				category TEXT,
				parent_task_id TEXT,
				commits TEXT,
				validation_criteria TEXT,
				validation_status TEXT,
				expansion_status TEXT,
				expansion_context TEXT,
				requires_user_review INTEGER NOT NULL DEFAULT 0,
				labels TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(project_id, seq_num)
			)`,
			`CREATE TABLE IF NOT EXISTS task_dependencies (
				task_id TEXT NOT NULL REFERENCES tasks(id),
				depends_on_id TEXT NOT NULL REFERENCES tasks(id),
				dep_type TEXT NOT NULL DEFAULT 'blocks',
				PRIMARY KEY(task_id, depends_on_id)
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_states (
				session_id TEXT NOT NULL,
				workflow_name TEXT NOT NULL,
				step TEXT NOT NULL DEFAULT '',
				step_entered_at TEXT,
				step_action_count INTEGER NOT NULL DEFAULT 0,
				total_action_count INTEGER NOT NULL DEFAULT 0,
				observations TEXT,
				variables TEXT,
				context_injected INTEGER NOT NULL DEFAULT 0,
				reflection_pending INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL,
				PRIMARY KEY(session_id, workflow_name)
			)`,
		},
	},
	{
		version: 2,
		name:    "pipelines and scheduler",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS pipeline_executions (
				id TEXT PRIMARY KEY,
				pipeline_name TEXT NOT NULL,
				project_id TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				inputs_json TEXT,
				outputs_json TEXT,
				resume_token TEXT,
				session_id TEXT,
				parent_execution_id TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pipeline_executions_token
				ON pipeline_executions(resume_token)`,
			`CREATE TABLE IF NOT EXISTS step_executions (
				id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL REFERENCES pipeline_executions(id),
				step_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				started_at TEXT,
				completed_at TEXT,
				input_json TEXT,
				output_json TEXT,
				error TEXT,
				approval_token TEXT,
				approved_by TEXT,
				approved_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_step_executions_execution
				ON step_executions(execution_id)`,
			`CREATE TABLE IF NOT EXISTS cron_jobs (
				id TEXT PRIMARY KEY,
				project_id TEXT,
				name TEXT NOT NULL UNIQUE,
				schedule_type TEXT NOT NULL,
				cron_expr TEXT,
				interval_seconds INTEGER,
				run_at TEXT,
				timezone TEXT NOT NULL DEFAULT 'UTC',
				action_type TEXT NOT NULL,
				action_config TEXT NOT NULL DEFAULT '{}',
				enabled INTEGER NOT NULL DEFAULT 1,
				next_run_at TEXT,
				last_run_at TEXT,
				last_status TEXT,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				description TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cron_runs (
				id TEXT PRIMARY KEY,
				cron_job_id TEXT NOT NULL REFERENCES cron_jobs(id),
				triggered_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				output TEXT,
				error TEXT,
				agent_run_id TEXT,
				pipeline_execution_id TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs(cron_job_id)`,
		},
	},
	{
		version: 3,
		name:    "memories, prompts, worktrees",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS memories (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				content TEXT NOT NULL,
				memory_type TEXT NOT NULL DEFAULT 'fact',
				source_type TEXT NOT NULL DEFAULT 'manual',
				source_session_id TEXT,
				tags TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id)`,
			`CREATE TABLE IF NOT EXISTS prompts (
				id TEXT PRIMARY KEY,
				path TEXT NOT NULL,
				tier TEXT NOT NULL,
				project_id TEXT NOT NULL DEFAULT '',
				name TEXT,
				description TEXT,
				version INTEGER NOT NULL DEFAULT 1,
				category TEXT,
				content TEXT NOT NULL,
				variables TEXT,
				source_file TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(path, tier, project_id)
			)`,
			`CREATE TABLE IF NOT EXISTS worktrees (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				path TEXT NOT NULL,
				branch TEXT,
				agent_run_id TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.sql.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, nowString())
			return err
		})
		if err != nil {
			return err
		}
		db.logger.Info("Applied migration %d: %s", m.version, m.name)
	}
	return nil
}
