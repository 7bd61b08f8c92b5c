// Package scheduler dispatches cron jobs: shell commands, agent spawns and
// pipeline runs on cron, interval or one-shot schedules.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	gerrors "gobby/internal/errors"
	"gobby/internal/storage"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpr checks a 5-field cron expression.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return gerrors.Wrap(gerrors.KindValidationFailed, err, "invalid cron expression %q", expr)
	}
	return nil
}

// ComputeNextRun returns the job's next fire time, or the zero time when
// the job will never fire again. Cron schedules fire strictly after
// max(last_run_at, now) in the job's timezone.
func ComputeNextRun(job *storage.CronJob, now time.Time) (time.Time, error) {
	if !job.Enabled {
		return time.Time{}, nil
	}

	switch job.ScheduleType {
	case storage.ScheduleTypeCron:
		schedule, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return time.Time{}, gerrors.Wrap(gerrors.KindValidationFailed, err,
				"job %s: invalid cron expression", job.Name)
		}
		loc, err := time.LoadLocation(job.Timezone)
		if err != nil {
			loc = time.UTC
		}
		after := now
		if job.LastRunAt.After(after) {
			after = job.LastRunAt
		}
		return schedule.Next(after.In(loc)), nil

	case storage.ScheduleTypeInterval:
		if job.IntervalSeconds <= 0 {
			return time.Time{}, gerrors.ValidationFailed("job %s: interval_seconds must be positive", job.Name)
		}
		base := job.LastRunAt
		if base.IsZero() {
			base = now
		}
		return base.Add(time.Duration(job.IntervalSeconds) * time.Second), nil

	case storage.ScheduleTypeOnce:
		if job.RunAt.After(now) {
			return job.RunAt, nil
		}
		return time.Time{}, nil

	default:
		return time.Time{}, gerrors.ValidationFailed("job %s: unknown schedule type %q",
			job.Name, job.ScheduleType)
	}
}
