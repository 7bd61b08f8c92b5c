package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"gobby/internal/agent"
	"gobby/internal/config"
	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/storage"
)

// Cron job action types.
const (
	ActionShell       = "shell"
	ActionAgentSpawn  = "agent_spawn"
	ActionPipelineRun = "pipeline_run"
)

// AgentSpawner dispatches agent_spawn jobs.
type AgentSpawner interface {
	Spawn(ctx context.Context, req *agent.SpawnRequest) (*agent.SpawnResult, error)
}

// PipelineRunner dispatches pipeline_run jobs.
type PipelineRunner interface {
	Run(ctx context.Context, name string, inputs map[string]any, projectID, sessionID string) (map[string]any, error)
}

// Scheduler polls for due cron jobs and dispatches them under a global
// concurrency cap.
type Scheduler struct {
	db        *storage.DB
	agents    AgentSpawner
	pipelines PipelineRunner
	cfg       config.SchedulerConfig
	logger    logging.Logger
}

// New constructs a scheduler. agents and pipelines may be nil; jobs of the
// corresponding action types then fail.
func New(db *storage.DB, agents AgentSpawner, pipelines PipelineRunner, cfg config.SchedulerConfig, logger logging.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Scheduler{
		db:        db,
		agents:    agents,
		pipelines: pipelines,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// AddJob validates and persists a job, computing its first next_run_at.
func (s *Scheduler) AddJob(ctx context.Context, job *storage.CronJob) (*storage.CronJob, error) {
	if job.Name == "" {
		return nil, gerrors.ValidationFailed("cron job requires a name")
	}
	if err := validateSchedule(job); err != nil {
		return nil, err
	}
	if job.ActionType == "" {
		return nil, gerrors.ValidationFailed("cron job requires an action_type")
	}
	job.Enabled = true

	next, err := ComputeNextRun(job, time.Now())
	if err != nil {
		return nil, err
	}
	job.NextRunAt = next
	if err := s.db.CreateCronJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("scheduler: added job %s (%s), next run %s", job.Name, job.ID, next)
	return job, nil
}

// UpdateJob applies field changes to an existing job. A schedule change is
// re-validated and next_run_at recomputed; the previous schedule's fields
// are cleared so exactly one survives.
func (s *Scheduler) UpdateJob(ctx context.Context, jobID string, updates storage.CronJobUpdates) (*storage.CronJob, error) {
	job, err := s.db.GetCronJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	rescheduled := updates.ScheduleType != nil || updates.CronExpr != nil ||
		updates.IntervalSeconds != nil || updates.RunAt != nil || updates.Timezone != nil
	if updates.ScheduleType != nil {
		job.ScheduleType = *updates.ScheduleType
	}
	if updates.CronExpr != nil {
		job.CronExpr = *updates.CronExpr
	}
	if updates.IntervalSeconds != nil {
		job.IntervalSeconds = *updates.IntervalSeconds
	}
	if updates.RunAt != nil {
		job.RunAt = *updates.RunAt
	}
	if updates.Timezone != nil {
		job.Timezone = *updates.Timezone
	}
	if updates.ActionType != nil {
		job.ActionType = *updates.ActionType
	}
	if updates.ActionConfig != nil {
		job.ActionConfig = *updates.ActionConfig
	}
	if updates.Enabled != nil {
		job.Enabled = *updates.Enabled
	}
	if updates.Description != nil {
		job.Description = *updates.Description
	}

	if rescheduled {
		switch job.ScheduleType {
		case storage.ScheduleTypeCron:
			job.IntervalSeconds, job.RunAt = 0, time.Time{}
		case storage.ScheduleTypeInterval:
			job.CronExpr, job.RunAt = "", time.Time{}
		case storage.ScheduleTypeOnce:
			job.CronExpr, job.IntervalSeconds = "", 0
		}
		if err := validateSchedule(job); err != nil {
			return nil, err
		}
		next, err := ComputeNextRun(job, time.Now())
		if err != nil {
			return nil, err
		}
		job.NextRunAt = next
		updates.ScheduleType = &job.ScheduleType
		updates.CronExpr = &job.CronExpr
		updates.IntervalSeconds = &job.IntervalSeconds
		updates.RunAt = &job.RunAt
		updates.NextRunAt = &next
	}

	if err := s.db.UpdateCronJob(ctx, jobID, updates); err != nil {
		return nil, err
	}
	s.logger.Info("scheduler: updated job %s (%s), next run %s", job.Name, job.ID, job.NextRunAt)
	return job, nil
}

// validateSchedule enforces exactly one schedule field matching the type.
func validateSchedule(job *storage.CronJob) error {
	set := 0
	if job.CronExpr != "" {
		set++
	}
	if job.IntervalSeconds > 0 {
		set++
	}
	if !job.RunAt.IsZero() {
		set++
	}
	if set != 1 {
		return gerrors.ValidationFailed(
			"exactly one of cron_expr, interval_seconds, run_at must be set")
	}
	switch job.ScheduleType {
	case storage.ScheduleTypeCron:
		if job.CronExpr == "" {
			return gerrors.ValidationFailed("schedule_type cron requires cron_expr")
		}
		return ValidateCronExpr(job.CronExpr)
	case storage.ScheduleTypeInterval:
		if job.IntervalSeconds <= 0 {
			return gerrors.ValidationFailed("schedule_type interval requires interval_seconds")
		}
	case storage.ScheduleTypeOnce:
		if job.RunAt.IsZero() {
			return gerrors.ValidationFailed("schedule_type once requires run_at")
		}
	default:
		return gerrors.ValidationFailed("unknown schedule_type %q", job.ScheduleType)
	}
	return nil
}

// Run polls for due jobs until ctx is cancelled. Old run rows are cleaned
// up once per retention sweep.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(6 * time.Hour)
	defer cleanup.Stop()

	s.logger.Info("scheduler: polling every %s, cap %d", s.cfg.PollInterval, s.cfg.MaxConcurrent)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		case <-cleanup.C:
			retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
			if retention <= 0 {
				continue
			}
			if n, err := s.db.CleanupOldCronRuns(ctx, retention); err != nil {
				s.logger.Error("scheduler: cleanup old runs: %v", err)
			} else if n > 0 {
				s.logger.Info("scheduler: cleaned up %d old runs", n)
			}
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	jobs, err := s.db.DueCronJobs(ctx, time.Now())
	if err != nil {
		s.logger.Error("scheduler: fetch due jobs: %v", err)
		return
	}
	for _, job := range jobs {
		running, err := s.db.CountRunningCronRuns(ctx)
		if err != nil {
			s.logger.Error("scheduler: count running: %v", err)
			return
		}
		if running >= s.cfg.MaxConcurrent {
			s.logger.Info("scheduler: concurrency cap %d reached, deferring %d jobs",
				s.cfg.MaxConcurrent, len(jobs))
			return
		}

		run := &storage.CronRun{CronJobID: job.ID}
		if err := s.db.CreateCronRun(ctx, run); err != nil {
			s.logger.Error("scheduler: create run for %s: %v", job.Name, err)
			continue
		}
		go s.execute(context.WithoutCancel(ctx), job, run)
	}
}

// RunJobNow dispatches one job immediately, bypassing the schedule. Used by
// the CLI's cron run command.
func (s *Scheduler) RunJobNow(ctx context.Context, jobID string) (*storage.CronRun, error) {
	job, err := s.db.GetCronJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	run := &storage.CronRun{CronJobID: job.ID}
	if err := s.db.CreateCronRun(ctx, run); err != nil {
		return nil, err
	}
	s.execute(ctx, job, run)
	return run, nil
}

func (s *Scheduler) execute(ctx context.Context, job *storage.CronJob, run *storage.CronRun) {
	runningStatus := storage.CronRunStatusRunning
	if err := s.db.UpdateCronRun(ctx, run.ID, storage.CronRunUpdates{
		Status: &runningStatus, Started: true,
	}); err != nil {
		s.logger.Error("scheduler: mark run %s running: %v", run.ID, err)
	}

	output, runErr := s.dispatch(ctx, job, run)

	status := storage.CronRunStatusCompleted
	updates := storage.CronRunUpdates{Status: &status, Completed: true}
	if runErr != nil {
		status = storage.CronRunStatusFailed
		msg := runErr.Error()
		updates.Error = &msg
		s.logger.Error("scheduler: job %s run %s failed: %v", job.Name, run.ID, runErr)
	} else if output != "" {
		updates.Output = &output
	}
	if err := s.db.UpdateCronRun(ctx, run.ID, updates); err != nil {
		s.logger.Error("scheduler: finish run %s: %v", run.ID, err)
	}

	s.settleJob(ctx, job, runErr == nil)
}

// settleJob records the run outcome on the job: last run bookkeeping, the
// failure streak with optional auto-disable, and the recomputed schedule.
func (s *Scheduler) settleJob(ctx context.Context, job *storage.CronJob, succeeded bool) {
	now := time.Now()
	job.LastRunAt = now

	failures := 0
	lastStatus := storage.CronRunStatusCompleted
	enabled := job.Enabled
	if !succeeded {
		failures = job.ConsecutiveFailures + 1
		lastStatus = storage.CronRunStatusFailed
		if s.cfg.AutoDisableThreshold > 0 && failures >= s.cfg.AutoDisableThreshold {
			enabled = false
			s.logger.Error("scheduler: auto-disabling job %s after %d consecutive failures",
				job.Name, failures)
		}
	}
	job.ConsecutiveFailures = failures
	job.Enabled = enabled

	next, err := ComputeNextRun(job, now)
	if err != nil {
		s.logger.Error("scheduler: compute next run for %s: %v", job.Name, err)
	}
	if job.ScheduleType == storage.ScheduleTypeOnce {
		enabled = false
	}

	if err := s.db.UpdateCronJob(ctx, job.ID, storage.CronJobUpdates{
		LastRunAt:           &now,
		LastStatus:          &lastStatus,
		ConsecutiveFailures: &failures,
		Enabled:             &enabled,
		NextRunAt:           &next,
	}); err != nil {
		s.logger.Error("scheduler: settle job %s: %v", job.Name, err)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job *storage.CronJob, run *storage.CronRun) (string, error) {
	actionConfig := map[string]any{}
	if job.ActionConfig != "" {
		if err := json.Unmarshal([]byte(job.ActionConfig), &actionConfig); err != nil {
			return "", gerrors.Wrap(gerrors.KindValidationFailed, err, "parse action_config")
		}
	}

	switch job.ActionType {
	case ActionShell:
		command, _ := actionConfig["command"].(string)
		if command == "" {
			return "", gerrors.ValidationFailed("shell job %s has no command", job.Name)
		}
		result, err := runShellCommand(ctx, command)
		if err != nil {
			return result, err
		}
		return result, nil

	case ActionAgentSpawn:
		if s.agents == nil {
			return "", gerrors.ValidationFailed("agent runner not configured")
		}
		prompt, _ := actionConfig["prompt"].(string)
		provider, _ := actionConfig["provider"].(string)
		mode, _ := actionConfig["mode"].(string)
		result, err := s.agents.Spawn(ctx, &agent.SpawnRequest{
			ProjectID: job.ProjectID,
			Prompt:    prompt,
			Provider:  provider,
			Mode:      mode,
		})
		if err != nil {
			return "", err
		}
		_ = s.db.UpdateCronRun(ctx, run.ID, storage.CronRunUpdates{AgentRunID: &result.RunID})
		return result.RunID, nil

	case ActionPipelineRun:
		if s.pipelines == nil {
			return "", gerrors.ValidationFailed("pipeline executor not configured")
		}
		name, _ := actionConfig["pipeline"].(string)
		if name == "" {
			return "", gerrors.ValidationFailed("pipeline_run job %s names no pipeline", job.Name)
		}
		inputs, _ := actionConfig["inputs"].(map[string]any)
		outputs, err := s.pipelines.Run(ctx, name, inputs, job.ProjectID, "")
		if err != nil {
			return "", err
		}
		encoded, _ := json.Marshal(outputs)
		return string(encoded), nil

	default:
		return "", gerrors.ValidationFailed("unknown action_type %q", job.ActionType)
	}
}
