package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gobby/internal/agent"
	gerrors "gobby/internal/errors"
	"gobby/internal/scheduler"
	"gobby/internal/storage"
	"gobby/internal/task"
	"gobby/internal/workflow"
)

// --- sessions ---

func (s *Server) handleListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := s.deps.Sessions.List(c.Request.Context(),
		c.Query("project_id"), c.Query("status"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	messages, err := s.deps.Sessions.Messages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleSetSessionStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}
	if err := s.deps.Sessions.SetStatus(c.Request.Context(), c.Param("id"), body.Status); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": body.Status})
}

func (s *Server) handleStartWorkflow(c *gin.Context) {
	if s.deps.Workflows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workflow engine disabled"})
		return
	}
	var body struct {
		Variables map[string]any `json:"variables"`
	}
	_ = c.ShouldBindJSON(&body)
	st, err := s.deps.Workflows.Start(c.Request.Context(), c.Param("id"), c.Param("name"), body.Variables)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStopWorkflow(c *gin.Context) {
	if s.deps.Workflows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workflow engine disabled"})
		return
	}
	if err := s.deps.Workflows.Stop(c.Request.Context(), c.Param("id"), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- tasks ---

func (s *Server) handleCreateTask(c *gin.Context) {
	var body struct {
		storage.Task
		ParentRef string `json:"parent_ref"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	t, err := s.deps.Tasks.Create(c.Request.Context(), &body.Task, body.ParentRef)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.deps.Tasks.List(c.Request.Context(),
		c.Query("project_id"), c.Query("status"), c.Query("parent_ref"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.deps.Tasks.Resolve(c.Request.Context(), c.Param("ref"), c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var updates storage.TaskUpdates
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	t, err := s.deps.Tasks.Update(c.Request.Context(), c.Param("ref"), c.Query("project_id"), updates)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCloseTask(c *gin.Context) {
	var body struct {
		NoCommitNeeded bool   `json:"no_commit_needed"`
		RepoPath       string `json:"repo_path"`
	}
	_ = c.ShouldBindJSON(&body)
	t, err := s.deps.Tasks.Close(c.Request.Context(), c.Param("ref"), c.Query("project_id"),
		task.CloseOptions{NoCommitNeeded: body.NoCommitNeeded, RepoPath: body.RepoPath})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleLinkCommit(c *gin.Context) {
	var body struct {
		Commit string `json:"commit"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Commit == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commit required"})
		return
	}
	t, err := s.deps.Tasks.LinkCommit(c.Request.Context(), c.Param("ref"), c.Query("project_id"), body.Commit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleAddDependency(c *gin.Context) {
	var body struct {
		DependsOn string `json:"depends_on"`
		DepType   string `json:"dep_type"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.DependsOn == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depends_on required"})
		return
	}
	err := s.deps.Tasks.AddDependency(c.Request.Context(), c.Param("ref"), body.DependsOn,
		c.Query("project_id"), body.DepType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- agents ---

// handleSpawnAgent starts a child agent. A max_concurrent bound reserves an
// orchestration slot on the parent session first; the runner returns the
// slot if the spawn fails, and a successful spawn converts it into a
// tracked entry in the orchestrator's spawned list.
func (s *Server) handleSpawnAgent(c *gin.Context) {
	var body struct {
		agent.SpawnRequest
		MaxConcurrent int `json:"max_concurrent"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	ctx := c.Request.Context()
	req := body.SpawnRequest

	reservedWorkflow := ""
	if body.MaxConcurrent > 0 && req.ParentSessionID != "" && s.deps.Workflows != nil {
		granted, name, err := s.deps.Workflows.States().ReserveSlotsForSession(
			ctx, req.ParentSessionID, body.MaxConcurrent, 1)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if granted == 0 {
			c.JSON(http.StatusConflict, gin.H{
				"error": fmt.Sprintf("max_concurrent %d reached", body.MaxConcurrent),
			})
			return
		}
		if name != "" {
			req.SlotReserved = true
			reservedWorkflow = name
		}
	}

	result, err := s.deps.Agents.Spawn(ctx, &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if reservedWorkflow != "" {
		if _, err := s.deps.Workflows.States().UpdateOrchestrationLists(
			ctx, req.ParentSessionID, reservedWorkflow, workflow.OrchestrationUpdate{
				AppendToSpawned: []string{result.RunID},
				ReleaseReserved: 1,
			}); err != nil {
			s.logger.Error("http: track spawned run %s: %v", result.RunID, err)
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.AgentsSpawned.WithLabelValues(req.Mode).Inc()
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleListAgents(c *gin.Context) {
	registry := s.deps.Agents.Registry()
	var agents []*agent.RunningAgent
	switch {
	case c.Query("parent_session_id") != "":
		agents = registry.ListByParent(c.Query("parent_session_id"))
	case c.Query("mode") != "":
		agents = registry.ListByMode(c.Query("mode"))
	default:
		agents = registry.ListAll()
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleCanSpawn(c *gin.Context) {
	ok, reason, depth, err := s.deps.Agents.CanSpawn(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"can_spawn": ok, "reason": reason, "depth": depth})
}

func (s *Server) handleStopAgent(c *gin.Context) {
	running, ok := s.deps.Agents.Registry().Remove(c.Param("run_id"), "stopped")
	if !ok {
		s.respondError(c, gerrors.NotFound("agent run %s not found", c.Param("run_id")))
		return
	}
	c.JSON(http.StatusOK, running)
}

// --- memories ---

func (s *Server) handleSaveMemory(c *gin.Context) {
	if s.deps.Memory == nil || !s.deps.Memory.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "memory subsystem disabled"})
		return
	}
	var mem storage.Memory
	if err := c.ShouldBindJSON(&mem); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	saved, err := s.deps.Memory.Save(c.Request.Context(), &mem)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"saved": saved, "id": mem.ID})
}

func (s *Server) handleListMemories(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	memories, err := s.deps.DB.ListMemories(c.Request.Context(), c.Query("project_id"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

func (s *Server) handleRecallMemories(c *gin.Context) {
	if s.deps.Memory == nil || !s.deps.Memory.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "memory subsystem disabled"})
		return
	}
	var body struct {
		ProjectID string `json:"project_id"`
		Query     string `json:"query"`
		Limit     int    `json:"limit"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	memories, err := s.deps.Memory.RecallRelevant(c.Request.Context(), body.ProjectID, body.Query, body.Limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

func (s *Server) handleDeleteMemory(c *gin.Context) {
	if err := s.deps.DB.DeleteMemory(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- prompts ---

func (s *Server) handleListPrompts(c *gin.Context) {
	prompts, err := s.deps.Prompts.List(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

func (s *Server) handleGetPrompt(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path required"})
		return
	}
	p, err := s.deps.Prompts.Get(c.Request.Context(), path, c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- cron ---

func (s *Server) handleListCronJobs(c *gin.Context) {
	jobs, err := s.deps.DB.ListCronJobs(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleAddCronJob(c *gin.Context) {
	var job storage.CronJob
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	added, err := s.deps.Scheduler.AddJob(c.Request.Context(), &job)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, added)
}

// handleUpdateCronJob patches a job. Schedule changes are validated and
// next_run_at recomputed by the scheduler.
func (s *Server) handleUpdateCronJob(c *gin.Context) {
	var body struct {
		ScheduleType    *string    `json:"schedule_type"`
		CronExpr        *string    `json:"cron_expr"`
		IntervalSeconds *int       `json:"interval_seconds"`
		RunAt           *time.Time `json:"run_at"`
		Timezone        *string    `json:"timezone"`
		ActionType      *string    `json:"action_type"`
		ActionConfig    *string    `json:"action_config"`
		Enabled         *bool      `json:"enabled"`
		Description     *string    `json:"description"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	updated, err := s.deps.Scheduler.UpdateJob(c.Request.Context(), c.Param("id"), storage.CronJobUpdates{
		ScheduleType:    body.ScheduleType,
		CronExpr:        body.CronExpr,
		IntervalSeconds: body.IntervalSeconds,
		RunAt:           body.RunAt,
		Timezone:        body.Timezone,
		ActionType:      body.ActionType,
		ActionConfig:    body.ActionConfig,
		Enabled:         body.Enabled,
		Description:     body.Description,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleRunCronJob(c *gin.Context) {
	run, err := s.deps.Scheduler.RunJobNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleToggleCronJob(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.deps.DB.GetCronJob(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	enabled := !job.Enabled
	updates := storage.CronJobUpdates{Enabled: &enabled}
	if enabled {
		job.Enabled = true
		next, err := scheduler.ComputeNextRun(job, time.Now())
		if err == nil {
			updates.NextRunAt = &next
		}
	}
	if err := s.deps.DB.UpdateCronJob(ctx, job.ID, updates); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": job.ID, "enabled": enabled})
}

func (s *Server) handleListCronRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := s.deps.DB.ListCronRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRemoveCronJob(c *gin.Context) {
	if err := s.deps.DB.DeleteCronJob(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
