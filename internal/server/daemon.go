package server

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gobby/internal/adapters"
	"gobby/internal/agent"
	"gobby/internal/config"
	"gobby/internal/hooks"
	"gobby/internal/llm"
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

const reaperInterval = time.Minute

// Daemon owns the fully wired subsystem graph and the supervised run loop.
type Daemon struct {
	cfg    *config.Config
	db     *storage.DB
	http   *Server
	ws     *WSServer
	sched  *scheduler.Scheduler
	agents *agent.Runner
	logger logging.Logger
}

// NewDaemon wires every subsystem from configuration.
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	logger := logging.NewComponentLogger("daemon")

	db, err := storage.Open(cfg.DatabasePath, logging.NewComponentLogger("storage"))
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(db, logging.NewComponentLogger("session"))
	projects := project.NewManager(db, logging.NewComponentLogger("project"))
	tasks := task.NewManager(db, nil, logging.NewComponentLogger("task"))
	metrics := observability.New()

	llmClient := llm.New(cfg.LLM, logging.NewLLMLogger("llm"))

	var memLLM memory.LLMClient
	if llmClient != nil {
		memLLM = llmClient
	}
	var memoryService *memory.Service
	if cfg.Memory.Enabled {
		var vectors memory.VectorStore
		if store, err := memory.NewChromemStore(cfg.Memory.Dir, cfg.LLM); err != nil {
			logger.Error("daemon: vector store unavailable: %v", err)
		} else {
			vectors = store
		}
		memoryService = memory.NewService(db, vectors, memLLM,
			cfg.Memory, logging.NewComponentLogger("memory"))
	} else {
		memoryService = memory.NewService(db, nil, nil, cfg.Memory, nil)
	}

	promptLoader, err := prompts.NewLoader(db, logging.NewComponentLogger("prompts"))
	if err != nil {
		return nil, err
	}

	pipelineLoader := pipeline.NewLoader(cfg.Pipelines.Dir, logging.NewComponentLogger("pipeline"))
	if err := pipelineLoader.Reload(); err != nil {
		logger.Error("daemon: load pipelines: %v", err)
	}
	var pipelineLLM pipeline.LLMClient
	if llmClient != nil {
		pipelineLLM = llmClient
	}
	pipelines := pipeline.NewExecutor(db, pipelineLoader, pipelineLLM,
		logging.NewComponentLogger("pipeline"))

	workflowLoader := workflow.NewLoader(cfg.Workflows.Dir, logging.NewComponentLogger("workflow"))
	if err := workflowLoader.Reload(); err != nil {
		logger.Error("daemon: load workflows: %v", err)
	}
	states := workflow.NewStateManager(db, logging.NewComponentLogger("workflow"))
	actionExecutor := workflow.NewExecutor(logging.NewComponentLogger("workflow"))
	engine := workflow.NewEngine(workflowLoader, states, actionExecutor,
		sessions, tasks, logging.NewComponentLogger("workflow"))

	registry := agent.NewRegistry(logging.NewComponentLogger("agent"))
	agents := agent.NewRunner(db, sessions, registry, states, cfg.Agents,
		logging.NewComponentLogger("agent"))

	if llmClient != nil {
		engine.LLM = llmClient
	}
	engine.Memory = memoryService
	engine.Pipelines = pipelines
	engine.Agents = agents

	hookManager := hooks.NewManager(sessions, projects, engine, promptLoader,
		cfg.Webhooks, nil, metrics, logging.NewComponentLogger("hooks"))

	sched := scheduler.New(db, agents, pipelines, cfg.Scheduler,
		logging.NewComponentLogger("scheduler"))

	mcpProxy, err := mcp.NewProxy(cfg.MCP.BaseURL, logging.NewComponentLogger("mcp"))
	if err != nil {
		return nil, err
	}

	var ws *WSServer
	if cfg.WebSocket.Enabled() {
		var chatLLM LLMCompleter
		if llmClient != nil {
			chatLLM = llmClient
		}
		ws = NewWSServer(cfg.WebSocket, registry, chatLLM, metrics,
			logging.NewComponentLogger("websocket"))
		hookManager.SetBroadcaster(ws)
	}

	httpServer := New(Deps{
		Config:    cfg,
		DB:        db,
		Sessions:  sessions,
		Projects:  projects,
		Tasks:     tasks,
		Agents:    agents,
		Pipelines: pipelines,
		Workflows: engine,
		Memory:    memoryService,
		Prompts:   promptLoader,
		Scheduler: sched,
		Hooks:     hookManager,
		Adapters:  adapters.NewRegistry(),
		MCPProxy:  mcpProxy,
		Metrics:   metrics,
		Logger:    logging.NewComponentLogger("http"),
	})

	return &Daemon{
		cfg:    cfg,
		db:     db,
		http:   httpServer,
		ws:     ws,
		sched:  sched,
		agents: agents,
		logger: logger,
	}, nil
}

// Run serves until SIGINT/SIGTERM or the first component failure, then
// shuts down the rest gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.http.Run(ctx) })
	if d.ws != nil {
		group.Go(func() error { return d.ws.Run(ctx) })
	}
	if d.cfg.Scheduler.Enabled {
		group.Go(func() error {
			d.sched.Run(ctx)
			return nil
		})
	}
	group.Go(func() error {
		d.agents.RunReaper(ctx, reaperInterval)
		return nil
	})

	err := group.Wait()
	if closeErr := d.db.Close(); closeErr != nil {
		d.logger.Error("daemon: close database: %v", closeErr)
	}
	return err
}
