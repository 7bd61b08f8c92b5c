package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/storage"
)

func TestValidateCronExpr(t *testing.T) {
	assert.NoError(t, ValidateCronExpr("0 7 * * *"))
	assert.NoError(t, ValidateCronExpr("*/5 * * * 1-5"))
	assert.Error(t, ValidateCronExpr("not a cron"))
	assert.Error(t, ValidateCronExpr("0 7 * *"))
}

func TestComputeNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	job := &storage.CronJob{
		Name:         "morning-report",
		Enabled:      true,
		ScheduleType: storage.ScheduleTypeCron,
		CronExpr:     "0 7 * * *",
		Timezone:     "UTC",
	}
	next, err := ComputeNextRun(job, now)
	require.NoError(t, err)
	assert.Equal(t, 7, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.True(t, next.After(now))
}

func TestComputeNextRunCronAfterLastRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	job := &storage.CronJob{
		Name:         "hourly",
		Enabled:      true,
		ScheduleType: storage.ScheduleTypeCron,
		CronExpr:     "0 * * * *",
		Timezone:     "UTC",
		// A run already fired past now; the next fire is strictly after it.
		LastRunAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	next, err := ComputeNextRun(job, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), next)
}

func TestComputeNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	job := &storage.CronJob{
		Name:            "poller",
		Enabled:         true,
		ScheduleType:    storage.ScheduleTypeInterval,
		IntervalSeconds: 300,
	}
	next, err := ComputeNextRun(job, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), next)

	job.LastRunAt = now.Add(-2 * time.Minute)
	next, err = ComputeNextRun(job, now)
	require.NoError(t, err)
	assert.Equal(t, job.LastRunAt.Add(5*time.Minute), next)

	job.IntervalSeconds = 0
	_, err = ComputeNextRun(job, now)
	assert.Error(t, err)
}

func TestComputeNextRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	job := &storage.CronJob{
		Name:         "one-shot",
		Enabled:      true,
		ScheduleType: storage.ScheduleTypeOnce,
		RunAt:        now.Add(time.Hour),
	}
	next, err := ComputeNextRun(job, now)
	require.NoError(t, err)
	assert.Equal(t, job.RunAt, next)

	job.RunAt = now.Add(-time.Hour)
	next, err = ComputeNextRun(job, now)
	require.NoError(t, err)
	assert.True(t, next.IsZero())
}

func TestComputeNextRunDisabled(t *testing.T) {
	job := &storage.CronJob{
		Name:         "parked",
		Enabled:      false,
		ScheduleType: storage.ScheduleTypeCron,
		CronExpr:     "0 7 * * *",
	}
	next, err := ComputeNextRun(job, time.Now())
	require.NoError(t, err)
	assert.True(t, next.IsZero())
}

func TestComputeNextRunUnknownType(t *testing.T) {
	job := &storage.CronJob{Name: "odd", Enabled: true, ScheduleType: "weekly"}
	_, err := ComputeNextRun(job, time.Now())
	assert.Error(t, err)
}
