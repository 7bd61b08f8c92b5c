// Package server exposes the daemon's HTTP and WebSocket control plane and
// wires the subsystems together at startup.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gobby/internal/adapters"
	"gobby/internal/agent"
	"gobby/internal/config"
	gerrors "gobby/internal/errors"
	"gobby/internal/hooks"
	"gobby/internal/logging"
	"gobby/internal/mcp"
	"gobby/internal/memory"
	"gobby/internal/observability"
	"gobby/internal/pipeline"
	"gobby/internal/project"
	"gobby/internal/prompts"
	"gobby/internal/scheduler"
	"gobby/internal/session"
	"gobby/internal/storage"
	"gobby/internal/task"
	"gobby/internal/workflow"
)

// Deps bundles the subsystems the HTTP layer serves. Optional fields may be
// nil; the corresponding routes answer 503 or stay unregistered.
type Deps struct {
	Config    *config.Config
	DB        *storage.DB
	Sessions  *session.Manager
	Projects  *project.Manager
	Tasks     *task.Manager
	Agents    *agent.Runner
	Pipelines *pipeline.Executor
	Workflows *workflow.Engine
	Memory    *memory.Service
	Prompts   *prompts.Loader
	Scheduler *scheduler.Scheduler
	Hooks     *hooks.Manager
	Adapters  *adapters.Registry
	MCPProxy  *mcp.Proxy
	Metrics   *observability.Metrics
	Logger    logging.Logger
}

// Server is the HTTP control plane.
type Server struct {
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
	logger     logging.Logger
}

// New builds the server and registers all routes.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		deps:      deps,
		engine:    engine,
		startTime: time.Now(),
		logger:    logging.OrNop(deps.Logger),
	}
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", deps.Config.Daemon.Host, deps.Config.Daemon.Port),
		Handler:     engine,
		ReadTimeout: 60 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.POST("/hooks/:adapter", s.handleHookIngest)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)

	sessions := api.Group("/sessions")
	{
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id", s.handleGetSession)
		sessions.GET("/:id/messages", s.handleSessionMessages)
		sessions.POST("/:id/status", s.handleSetSessionStatus)
		sessions.POST("/:id/workflows/:name/start", s.handleStartWorkflow)
		sessions.DELETE("/:id/workflows/:name", s.handleStopWorkflow)
	}

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:ref", s.handleGetTask)
		tasks.PATCH("/:ref", s.handleUpdateTask)
		tasks.POST("/:ref/close", s.handleCloseTask)
		tasks.POST("/:ref/commits", s.handleLinkCommit)
		tasks.POST("/:ref/dependencies", s.handleAddDependency)
	}

	agents := api.Group("/agents")
	{
		agents.POST("/spawn", s.handleSpawnAgent)
		agents.GET("", s.handleListAgents)
		agents.GET("/can-spawn/:session_id", s.handleCanSpawn)
		agents.DELETE("/:run_id", s.handleStopAgent)
	}

	memories := api.Group("/memories")
	{
		memories.POST("", s.handleSaveMemory)
		memories.GET("", s.handleListMemories)
		memories.POST("/recall", s.handleRecallMemories)
		memories.DELETE("/:id", s.handleDeleteMemory)
	}

	pipelines := api.Group("/pipelines")
	{
		pipelines.POST("/run", s.handleRunPipeline)
		pipelines.GET("/:execution_id", s.handleGetPipeline)
		pipelines.POST("/approve/:token", s.handleApprovePipeline)
	}

	promptsGroup := api.Group("/prompts")
	{
		promptsGroup.GET("", s.handleListPrompts)
		promptsGroup.GET("/get", s.handleGetPrompt)
	}

	cron := api.Group("/cron")
	{
		cron.GET("", s.handleListCronJobs)
		cron.POST("", s.handleAddCronJob)
		cron.PATCH("/:id", s.handleUpdateCronJob)
		cron.POST("/:id/run", s.handleRunCronJob)
		cron.POST("/:id/toggle", s.handleToggleCronJob)
		cron.GET("/:id/runs", s.handleListCronRuns)
		cron.DELETE("/:id", s.handleRemoveCronJob)
	}

	files := api.Group("/files")
	{
		files.GET("/projects", s.handleFileProjects)
		files.GET("/tree", s.handleFileTree)
		files.GET("/read", s.handleFileRead)
		files.GET("/image", s.handleFileImage)
		files.GET("/git-status", s.handleFileGitStatus)
		files.GET("/git-diff", s.handleFileGitDiff)
		files.POST("/write", s.handleFileWrite)
	}

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	if s.deps.MCPProxy != nil {
		s.engine.Any("/mcp/*path", gin.WrapH(s.deps.MCPProxy))
	}
}

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// handleHookIngest translates a CLI-native payload through its adapter and
// the hook manager, answering in the CLI's native shape.
func (s *Server) handleHookIngest(c *gin.Context) {
	adapter, err := s.deps.Adapters.Get(c.Param("adapter"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	var native map[string]any
	if err := c.ShouldBindJSON(&native); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	out, err := adapters.HandleNative(c.Request.Context(), adapter, native, s.deps.Hooks)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"address": s.httpServer.Addr,
	}
	if s.deps.Agents != nil {
		status["running_agents"] = len(s.deps.Agents.Registry().ListAll())
	}
	if s.deps.Adapters != nil {
		status["adapters"] = s.deps.Adapters.Names()
	}
	if s.deps.Projects != nil {
		if projects, err := s.deps.Projects.List(c.Request.Context()); err == nil {
			status["projects"] = len(projects)
		}
	}
	c.JSON(http.StatusOK, status)
}

// respondError maps classified errors to HTTP statuses. Only this layer
// translates error kinds into status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case gerrors.IsNotFound(err):
		status = http.StatusNotFound
	case gerrors.IsKind(err, gerrors.KindValidationFailed):
		status = http.StatusBadRequest
	case gerrors.IsKind(err, gerrors.KindUncommittedChanges):
		status = http.StatusConflict
	case gerrors.IsKind(err, gerrors.KindDepthExceeded):
		status = http.StatusUnprocessableEntity
	case gerrors.IsKind(err, gerrors.KindTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("http: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
