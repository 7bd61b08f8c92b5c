package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gobby/internal/storage"
)

// intervalPattern accepts schedules like "300s", "10m", "2h".
var intervalPattern = regexp.MustCompile(`^(\d+)([smh])$`)

func newCronCmd() *cobra.Command {
	cron := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cron.AddCommand(newCronListCmd())
	cron.AddCommand(newCronAddCmd())
	cron.AddCommand(newCronRunCmd())
	cron.AddCommand(newCronToggleCmd())
	cron.AddCommand(newCronRunsCmd())
	cron.AddCommand(newCronRemoveCmd())
	cron.AddCommand(newCronEditCmd())
	return cron
}

func newCronListCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				Jobs []*storage.CronJob `json:"jobs"`
			}
			if err := getJSON(daemonBaseURL(cfg)+"/api/cron", &out); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out.Jobs)
			}
			if len(out.Jobs) == 0 {
				fmt.Println(gray("no cron jobs"))
				return nil
			}
			for _, job := range out.Jobs {
				state := green("enabled")
				if !job.Enabled {
					state = yellow("disabled")
				}
				next := "-"
				if !job.NextRunAt.IsZero() {
					next = job.NextRunAt.Local().Format(time.RFC3339)
				}
				fmt.Printf("%s  %s  %s  %s  next=%s\n",
					bold(job.Name), gray(job.ID), job.ActionType, state, next)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print jobs as JSON")
	return cmd
}

func newCronAddCmd() *cobra.Command {
	var (
		schedule     string
		actionType   string
		actionConfig string
		projectID    string
		timezone     string
		description  string
		jsonOut      bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			job := storage.CronJob{
				Name:         args[0],
				ProjectID:    projectID,
				ActionType:   actionType,
				ActionConfig: actionConfig,
				Timezone:     timezone,
			}
			if err := applySchedule(&job, schedule); err != nil {
				return err
			}
			if actionConfig != "" && !json.Valid([]byte(actionConfig)) {
				return fmt.Errorf("--action-config must be valid JSON")
			}
			job.Description = description

			var created storage.CronJob
			if err := postJSON(daemonBaseURL(cfg)+"/api/cron", job, &created); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(created)
			}
			fmt.Printf("%s %s (%s)\n", green("added"), bold(created.Name), gray(created.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", `cron expression ("0 7 * * *"), interval ("300s"), or RFC3339 time`)
	cmd.Flags().StringVar(&actionType, "action", "shell", "action type: shell, agent_spawn, pipeline_run")
	cmd.Flags().StringVar(&actionConfig, "action-config", "", "action configuration as JSON")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone for cron schedules")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the created job as JSON")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func newCronEditCmd() *cobra.Command {
	var (
		schedule     string
		actionType   string
		actionConfig string
		timezone     string
		description  string
		jsonOut      bool
	)
	cmd := &cobra.Command{
		Use:   "edit <job-id>",
		Short: "Change a job's schedule or action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			patch := map[string]any{}
			if schedule != "" {
				var job storage.CronJob
				if err := applySchedule(&job, schedule); err != nil {
					return err
				}
				patch["schedule_type"] = job.ScheduleType
				switch job.ScheduleType {
				case storage.ScheduleTypeCron:
					patch["cron_expr"] = job.CronExpr
				case storage.ScheduleTypeInterval:
					patch["interval_seconds"] = job.IntervalSeconds
				case storage.ScheduleTypeOnce:
					patch["run_at"] = job.RunAt
				}
			}
			if cmd.Flags().Changed("action") {
				patch["action_type"] = actionType
			}
			if cmd.Flags().Changed("action-config") {
				if !json.Valid([]byte(actionConfig)) {
					return fmt.Errorf("--action-config must be valid JSON")
				}
				patch["action_config"] = actionConfig
			}
			if cmd.Flags().Changed("timezone") {
				patch["timezone"] = timezone
			}
			if cmd.Flags().Changed("description") {
				patch["description"] = description
			}
			if len(patch) == 0 {
				return fmt.Errorf("nothing to change")
			}

			var updated storage.CronJob
			endpoint := daemonBaseURL(cfg) + "/api/cron/" + url.PathEscape(args[0])
			if err := patchJSON(endpoint, patch, &updated); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(updated)
			}
			next := "-"
			if !updated.NextRunAt.IsZero() {
				next = updated.NextRunAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("%s %s next=%s\n", green("updated"), bold(updated.Name), next)
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", `cron expression ("0 7 * * *"), interval ("300s"), or RFC3339 time`)
	cmd.Flags().StringVar(&actionType, "action", "", "action type: shell, agent_spawn, pipeline_run")
	cmd.Flags().StringVar(&actionConfig, "action-config", "", "action configuration as JSON")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for cron schedules")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the updated job as JSON")
	return cmd
}

// applySchedule classifies the --schedule value into one of the three
// schedule types.
func applySchedule(job *storage.CronJob, schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if m := intervalPattern.FindStringSubmatch(schedule); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "m":
			n *= 60
		case "h":
			n *= 3600
		}
		job.ScheduleType = storage.ScheduleTypeInterval
		job.IntervalSeconds = n
		return nil
	}
	if at, err := time.Parse(time.RFC3339, schedule); err == nil {
		job.ScheduleType = storage.ScheduleTypeOnce
		job.RunAt = at
		return nil
	}
	if len(strings.Fields(schedule)) == 5 {
		job.ScheduleType = storage.ScheduleTypeCron
		job.CronExpr = schedule
		return nil
	}
	return fmt.Errorf("unrecognized schedule %q", schedule)
}

func newCronRunCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var run storage.CronRun
			endpoint := daemonBaseURL(cfg) + "/api/cron/" + url.PathEscape(args[0]) + "/run"
			if err := postJSON(endpoint, nil, &run); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(run)
			}
			fmt.Printf("%s run %s\n", green("dispatched"), gray(run.ID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the run as JSON")
	return cmd
}

func newCronToggleCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "toggle <job-id>",
		Short: "Enable or disable a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				ID      string `json:"id"`
				Enabled bool   `json:"enabled"`
			}
			endpoint := daemonBaseURL(cfg) + "/api/cron/" + url.PathEscape(args[0]) + "/toggle"
			if err := postJSON(endpoint, nil, &out); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out)
			}
			if out.Enabled {
				fmt.Println(green("enabled"))
			} else {
				fmt.Println(yellow("disabled"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the toggle result as JSON")
	return cmd
}

func newCronRunsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "runs <job-id>",
		Short: "Show recent runs of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				Runs []*storage.CronRun `json:"runs"`
			}
			endpoint := daemonBaseURL(cfg) + "/api/cron/" + url.PathEscape(args[0]) + "/runs"
			if err := getJSON(endpoint, &out); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out.Runs)
			}
			for _, run := range out.Runs {
				status := run.Status
				switch run.Status {
				case storage.CronRunStatusCompleted:
					status = green(run.Status)
				case storage.CronRunStatusFailed:
					status = red(run.Status)
				}
				fmt.Printf("%s  %s  %s\n",
					run.TriggeredAt.Local().Format(time.RFC3339), status, gray(run.ID))
				if run.Error != "" {
					fmt.Printf("    %s\n", red(run.Error))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print runs as JSON")
	return cmd
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete a job and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req, err := newDeleteRequest(daemonBaseURL(cfg) + "/api/cron/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("daemon returned %d", resp.StatusCode)
			}
			fmt.Println(green("removed"))
			return nil
		},
	}
}
