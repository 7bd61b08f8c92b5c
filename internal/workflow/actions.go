package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gobby/internal/agent"
	gerrors "gobby/internal/errors"
	"gobby/internal/hooks"
	"gobby/internal/logging"
	"gobby/internal/session"
	"gobby/internal/storage"
	"gobby/internal/task"
)

// LLMClient is the narrow completion port actions use.
type LLMClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// MemoryService is the memory subsystem port. All memory actions no-op when
// Enabled is false.
type MemoryService interface {
	Enabled() bool
	Save(ctx context.Context, mem *storage.Memory) (bool, error)
	RecallRelevant(ctx context.Context, projectID, query string, limit int) ([]*storage.Memory, error)
	ProjectContext(ctx context.Context, projectID string) (string, error)
	ExtractFromSession(ctx context.Context, sessionID, projectID string) (int, error)
	SyncImport(ctx context.Context, projectID, dir string) (int, error)
	SyncExport(ctx context.Context, projectID, dir string) (int, error)
}

// PipelineRunner is the pipeline executor port.
type PipelineRunner interface {
	Run(ctx context.Context, name string, inputs map[string]any, projectID, sessionID string) (map[string]any, error)
}

// AgentService spawns child agents and exposes their registry.
type AgentService interface {
	Spawn(ctx context.Context, req *agent.SpawnRequest) (*agent.SpawnResult, error)
	Registry() *agent.Registry
}

// ActionContext bundles everything a handler may need. Optional references
// are nil when the subsystem is not configured.
type ActionContext struct {
	SessionID   string
	State       *storage.WorkflowState
	Event       *hooks.Event
	Definition  *Definition
	EvalContext map[string]any

	DB        *storage.DB
	Sessions  *session.Manager
	Tasks     *task.Manager
	States    *StateManager
	Templates *TemplateEngine

	LLM       LLMClient
	Memory    MemoryService
	Pipelines PipelineRunner
	Agents    AgentService
	Loader    *Loader
}

// render applies the template engine to a string parameter.
func (ac *ActionContext) render(s string) string {
	if ac.Templates == nil {
		return s
	}
	return ac.Templates.Render(s, ac.EvalContext)
}

func (ac *ActionContext) projectID(ctx context.Context) string {
	if ac.Sessions == nil || ac.SessionID == "" {
		return ""
	}
	s, err := ac.Sessions.Get(ctx, ac.SessionID)
	if err != nil {
		return ""
	}
	return s.ProjectID
}

// ActionHandler executes one action. The result map is merged into the
// engine's per-event response.
type ActionHandler func(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error)

// Executor dispatches declarative actions to handlers. Background actions
// run detached: their results are discarded and errors logged from the
// done-callback, never merged into a hook response.
type Executor struct {
	handlers map[string]ActionHandler
	logger   logging.Logger

	bgMu     sync.Mutex
	bgTasks  map[int64]struct{}
	bgNextID int64
	bgDone   sync.WaitGroup
}

// NewExecutor constructs an executor with the full action table.
func NewExecutor(logger logging.Logger) *Executor {
	e := &Executor{
		handlers: map[string]ActionHandler{},
		logger:   logging.OrNop(logger),
		bgTasks:  map[int64]struct{}{},
	}
	e.registerBuiltins()
	return e
}

// Register installs or replaces a handler.
func (e *Executor) Register(name string, handler ActionHandler) {
	e.handlers[name] = handler
}

// Names returns the registered action names.
func (e *Executor) Names() []string {
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs one action. The background flag is popped from the params
// before the handler sees them.
func (e *Executor) Execute(ctx context.Context, ac *ActionContext, action Action) (map[string]any, error) {
	handler, ok := e.handlers[action.Name]
	if !ok {
		return nil, gerrors.ValidationFailed("unknown action %q", action.Name)
	}

	params := make(map[string]any, len(action.Params))
	for key, value := range action.Params {
		params[key] = value
	}
	background := action.Background
	if flag, ok := params["background"].(bool); ok {
		background = background || flag
		delete(params, "background")
	}

	if background {
		e.runBackground(ctx, ac, action.Name, handler, params)
		return nil, nil
	}
	return handler(ctx, ac, params)
}

// runBackground dispatches a fire-and-forget action tracked in the process
// set; the handler result is discarded.
func (e *Executor) runBackground(ctx context.Context, ac *ActionContext, name string, handler ActionHandler, params map[string]any) {
	e.bgMu.Lock()
	e.bgNextID++
	taskID := e.bgNextID
	e.bgTasks[taskID] = struct{}{}
	e.bgMu.Unlock()
	e.bgDone.Add(1)

	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			e.bgMu.Lock()
			delete(e.bgTasks, taskID)
			e.bgMu.Unlock()
			e.bgDone.Done()
		}()
		if _, err := handler(detached, ac, params); err != nil {
			e.logger.Error("background action %s failed: %v", name, err)
		}
	}()
}

// BackgroundCount reports in-flight background actions.
func (e *Executor) BackgroundCount() int {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	return len(e.bgTasks)
}

// WaitBackground blocks until all background actions finish. Test hook.
func (e *Executor) WaitBackground() {
	e.bgDone.Wait()
}

func (e *Executor) registerBuiltins() {
	e.Register("inject_context", e.actionInjectContext)
	e.Register("inject_message", e.actionInjectMessage)
	e.Register("restore_context", e.actionRestoreContext)
	e.Register("extract_handoff_context", e.actionExtractHandoff)
	e.Register("add_observation", e.actionAddObservation)
	e.Register("clear_observations", e.actionClearObservations)
	e.Register("set_variable", e.actionSetVariable)
	e.Register("increment_variable", e.actionIncrementVariable)
	e.Register("transition_to", e.actionTransitionTo)
	e.Register("block", e.actionBlock)
	e.Register("log", e.actionLog)
	e.Register("synthesize_title", e.actionSynthesizeTitle)
	e.Register("set_session_status", e.actionSetSessionStatus)
	e.Register("mark_handoff_ready", e.actionMarkHandoffReady)
	e.Register("record_message", e.actionRecordMessage)
	e.Register("create_task", e.actionCreateTask)
	e.Register("update_task", e.actionUpdateTask)
	e.Register("close_task", e.actionCloseTask)
	e.Register("inject_open_tasks", e.actionInjectOpenTasks)
	e.Register("spawn_agent", e.actionSpawnAgent)
	e.Register("wait_for_task", e.actionWaitForTask)
	e.Register("wait_for_any_task", e.actionWaitForAnyTask)
	e.Register("wait_for_all_tasks", e.actionWaitForAllTasks)
	e.Register("release_slots", e.actionReleaseSlots)
	e.Register("run_pipeline", e.actionRunPipeline)
	e.Register("memory_save", e.actionMemorySave)
	e.Register("memory_recall_relevant", e.actionMemoryRecall)
	e.Register("memory_inject_project_context", e.actionMemoryInjectProject)
	e.Register("memory_extract_from_session", e.actionMemoryExtract)
	e.Register("memory_review_gate", e.actionMemoryReviewGate)
	e.Register("memory_sync_import", e.actionMemorySyncImport)
	e.Register("memory_sync_export", e.actionMemorySyncExport)
}

// Context sources accepted by inject_context.
const (
	sourceHandoff        = "handoff"
	sourcePrevSummary    = "previous_session_summary"
	sourceArtifacts      = "artifacts"
	sourceObservations   = "observations"
	sourceWorkflowState  = "workflow_state"
	sourceCompactHandoff = "compact_handoff"
)

func (e *Executor) actionInjectContext(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	source := stringParam(params, "source")
	require := boolParam(params, "require")

	var content string
	switch source {
	case sourceHandoff, sourcePrevSummary:
		s, err := ac.Sessions.Get(ctx, ac.SessionID)
		if err != nil {
			return nil, err
		}
		if s.ParentSessionID != "" {
			parent, err := ac.Sessions.Get(ctx, s.ParentSessionID)
			if err == nil {
				content = parent.SummaryMarkdown
			}
		}

	case sourceCompactHandoff:
		s, err := ac.Sessions.Get(ctx, ac.SessionID)
		if err != nil {
			return nil, err
		}
		content = s.CompactMarkdown

	case sourceObservations:
		content = strings.Join(ac.State.Observations, "\n")

	case sourceWorkflowState:
		content = fmt.Sprintf("workflow: %s\nstep: %s\nactions this step: %d",
			ac.State.WorkflowName, ac.State.Step, ac.State.StepActionCount)

	case sourceArtifacts:
		content = stringParam(params, "content")

	default:
		return nil, gerrors.ValidationFailed("inject_context: unknown source %q", source)
	}

	if tmpl := stringParam(params, "template"); tmpl != "" && content != "" {
		renderCtx := map[string]any{"content": content}
		for key, value := range ac.EvalContext {
			renderCtx[key] = value
		}
		content = ac.Templates.Render(tmpl, renderCtx)
	}

	if content == "" {
		if require {
			return map[string]any{
				"decision": hooks.DecisionBlock,
				"reason":   fmt.Sprintf("required context source %q is empty", source),
			}, nil
		}
		return nil, nil
	}
	ac.State.ContextInjected = true
	return map[string]any{"inject_context": content}, nil
}

func (e *Executor) actionInjectMessage(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	content := ac.render(stringParam(params, "content"))
	if content == "" {
		return nil, nil
	}
	return map[string]any{"inject_message": content}, nil
}

func (e *Executor) actionRestoreContext(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	s, err := ac.Sessions.Get(ctx, ac.SessionID)
	if err != nil {
		return nil, err
	}
	if s.ParentSessionID == "" {
		return nil, nil
	}
	parent, err := ac.Sessions.Get(ctx, s.ParentSessionID)
	if err != nil || parent.SummaryMarkdown == "" {
		return nil, nil
	}
	content := parent.SummaryMarkdown
	if tmpl := stringParam(params, "template"); tmpl != "" {
		renderCtx := map[string]any{"content": content}
		for key, value := range ac.EvalContext {
			renderCtx[key] = value
		}
		content = ac.Templates.Render(tmpl, renderCtx)
	}
	return map[string]any{"inject_context": content}, nil
}

func (e *Executor) actionExtractHandoff(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	repoPath := stringParam(params, "repo_path")
	if repoPath == "" {
		if ac.Event != nil {
			repoPath = ac.Event.CWD
		}
	}
	markdown, err := ac.Sessions.SaveHandoff(ctx, ac.SessionID, repoPath)
	if err != nil {
		if gerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return map[string]any{"handoff_markdown": markdown}, nil
}

func (e *Executor) actionAddObservation(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	content := ac.render(stringParam(params, "content"))
	if content != "" {
		ac.State.Observations = append(ac.State.Observations, content)
	}
	return nil, nil
}

func (e *Executor) actionClearObservations(_ context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	ac.State.Observations = nil
	return nil, nil
}

func (e *Executor) actionSetVariable(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	name := stringParam(params, "name")
	if name == "" {
		return nil, gerrors.ValidationFailed("set_variable requires a name")
	}
	value := params["value"]
	if s, ok := value.(string); ok {
		value = ac.render(s)
	}
	ac.State.Variables[name] = value
	return nil, nil
}

func (e *Executor) actionIncrementVariable(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	name := stringParam(params, "name")
	if name == "" {
		return nil, gerrors.ValidationFailed("increment_variable requires a name")
	}
	by := 1
	if n, ok := toFloat(params["by"]); ok && params["by"] != nil {
		by = int(n)
	}
	ac.State.Variables[name] = intVar(ac.State.Variables, name) + by
	return nil, nil
}

func (e *Executor) actionTransitionTo(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	step := stringParam(params, "step")
	if step == "" {
		return nil, gerrors.ValidationFailed("transition_to requires a step")
	}
	if ac.Definition != nil && ac.Definition.FindStep(step) == nil {
		return nil, gerrors.ValidationFailed("transition_to: unknown step %q", step)
	}
	ac.State.Step = step
	ac.State.StepEnteredAt = time.Now()
	ac.State.StepActionCount = 0
	return map[string]any{"transitioned_to": step}, nil
}

func (e *Executor) actionBlock(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	return map[string]any{
		"decision": hooks.DecisionBlock,
		"reason":   ac.render(stringParam(params, "message")),
	}, nil
}

func (e *Executor) actionLog(_ context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	message := ac.render(stringParam(params, "message"))
	switch stringParam(params, "level") {
	case "error":
		e.logger.Error("workflow %s: %s", ac.State.WorkflowName, message)
	case "debug":
		e.logger.Debug("workflow %s: %s", ac.State.WorkflowName, message)
	default:
		e.logger.Info("workflow %s: %s", ac.State.WorkflowName, message)
	}
	return nil, nil
}

func (e *Executor) actionSynthesizeTitle(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.LLM == nil {
		return nil, nil
	}

	var material string
	switch stringParam(params, "source") {
	case "transcript":
		messages, err := ac.Sessions.Messages(ctx, ac.SessionID, 10)
		if err != nil {
			return nil, err
		}
		var parts []string
		for _, msg := range messages {
			parts = append(parts, msg.Role+": "+msg.Content)
		}
		material = strings.Join(parts, "\n")
	default:
		if ac.Event != nil {
			material = ac.Event.Prompt
		}
	}
	if material == "" {
		return nil, nil
	}

	title, err := ac.LLM.Complete(ctx,
		"You name coding sessions. Reply with a concise title of at most eight words. No quotes.",
		material)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil
	}
	if err := ac.Sessions.UpdateFields(ctx, ac.SessionID, storage.SessionFieldUpdates{Title: &title}); err != nil {
		return nil, err
	}
	return map[string]any{"title": title}, nil
}

func (e *Executor) actionSetSessionStatus(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	status := stringParam(params, "status")
	if status == "" {
		return nil, gerrors.ValidationFailed("set_session_status requires a status")
	}
	return nil, ac.Sessions.SetStatus(ctx, ac.SessionID, status)
}

func (e *Executor) actionMarkHandoffReady(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	summary := ac.render(stringParam(params, "summary"))
	return nil, ac.Sessions.MarkHandoffReady(ctx, ac.SessionID, summary)
}

func (e *Executor) actionRecordMessage(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	role := stringParam(params, "role")
	if role == "" {
		role = "system"
	}
	return nil, ac.Sessions.RecordMessage(ctx, ac.SessionID, role, ac.render(stringParam(params, "content")))
}

func (e *Executor) actionCreateTask(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	projectID := ac.projectID(ctx)
	if projectID == "" {
		return nil, gerrors.ValidationFailed("create_task: session has no project")
	}
	t, err := ac.Tasks.Create(ctx, &storage.Task{
		ProjectID:   projectID,
		Title:       ac.render(stringParam(params, "title")),
		Description: ac.render(stringParam(params, "description")),
	}, stringParam(params, "parent"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": t.ID, "task_ref": fmt.Sprintf("#%d", t.SeqNum)}, nil
}

func (e *Executor) actionUpdateTask(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	ref := ac.render(stringParam(params, "ref"))
	updates := storage.TaskUpdates{}
	if status := stringParam(params, "status"); status != "" {
		updates.Status = &status
	}
	if title := ac.render(stringParam(params, "title")); title != "" {
		updates.Title = &title
	}
	t, err := ac.Tasks.Update(ctx, ref, ac.projectID(ctx), updates)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": t.ID}, nil
}

func (e *Executor) actionCloseTask(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	ref := ac.render(stringParam(params, "ref"))
	repoPath := ""
	if ac.Event != nil {
		repoPath = ac.Event.CWD
	}
	t, err := ac.Tasks.Close(ctx, ref, ac.projectID(ctx), task.CloseOptions{
		NoCommitNeeded: boolParam(params, "no_commit_needed"),
		RepoPath:       repoPath,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": t.ID, "closed": true}, nil
}

func (e *Executor) actionInjectOpenTasks(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	projectID := ac.projectID(ctx)
	if projectID == "" {
		return nil, nil
	}
	tasks, err := ac.Tasks.List(ctx, projectID, storage.TaskStatusOpen, "")
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	var lines []string
	for _, t := range tasks {
		lines = append(lines, fmt.Sprintf("#%d %s", t.SeqNum, t.Title))
	}
	return map[string]any{"inject_context": "Open tasks:\n" + strings.Join(lines, "\n")}, nil
}

func (e *Executor) actionSpawnAgent(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Agents == nil {
		return nil, gerrors.ValidationFailed("spawn_agent: agent runner not configured")
	}
	req := &agent.SpawnRequest{
		ParentSessionID: ac.SessionID,
		ProjectID:       ac.projectID(ctx),
		Agent:           stringParam(params, "agent"),
		Task:            ac.render(stringParam(params, "task")),
		Prompt:          ac.render(stringParam(params, "prompt")),
		Workflow:        stringParam(params, "workflow"),
		Mode:            stringParam(params, "mode"),
		Provider:        stringParam(params, "provider"),
		Isolation:       stringParam(params, "isolation"),
		BaseBranch:      stringParam(params, "base_branch"),
	}

	// A max_concurrent bound holds a slot before the process starts; the
	// runner returns it if the spawn fails.
	maxConcurrent := 0
	if f, ok := toFloat(params["max_concurrent"]); ok {
		maxConcurrent = int(f)
	}
	if maxConcurrent == 0 && ac.State != nil {
		maxConcurrent = intVar(ac.State.Variables, "max_concurrent")
	}
	if maxConcurrent > 0 && ac.States != nil {
		granted, err := ac.States.CheckAndReserveSlots(ctx, ac.SessionID,
			ac.State.WorkflowName, maxConcurrent, 1)
		if err != nil {
			return nil, err
		}
		if granted == 0 {
			return map[string]any{
				"spawned": false,
				"reason":  fmt.Sprintf("max_concurrent %d reached", maxConcurrent),
			}, nil
		}
		req.SlotReserved = true
	}

	result, err := ac.Agents.Spawn(ctx, req)
	if err != nil {
		return nil, err
	}
	if ac.States != nil {
		update := OrchestrationUpdate{AppendToSpawned: []string{result.RunID}}
		if req.SlotReserved {
			update.ReleaseReserved = 1
		}
		if _, err := ac.States.UpdateOrchestrationLists(ctx, ac.SessionID, ac.State.WorkflowName, update); err != nil {
			e.logger.Error("spawn_agent: track run %s: %v", result.RunID, err)
		}
	}
	return map[string]any{
		"run_id":     result.RunID,
		"session_id": result.SessionID,
	}, nil
}

const (
	defaultWaitTimeout      = 300 * time.Second
	defaultWaitPollInterval = 2 * time.Second
)

// waitSettle polls until done reports true or the timeout elapses. Timeouts
// report completed=false, timed_out=true instead of failing.
func waitSettle(ctx context.Context, params map[string]any, done func() bool) map[string]any {
	timeout := durationParam(params, "timeout", defaultWaitTimeout)
	poll := durationParam(params, "poll_interval", defaultWaitPollInterval)

	deadline := time.Now().Add(timeout)
	for {
		if done() {
			return map[string]any{"completed": true, "timed_out": false}
		}
		if time.Now().After(deadline) {
			return map[string]any{"completed": false, "timed_out": true}
		}
		select {
		case <-ctx.Done():
			return map[string]any{"completed": false, "timed_out": true}
		case <-time.After(poll):
		}
	}
}

func (e *Executor) actionWaitForTask(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Agents == nil {
		return nil, gerrors.ValidationFailed("wait_for_task: agent runner not configured")
	}
	runID := ac.render(stringParam(params, "run_id"))
	return waitSettle(ctx, params, func() bool {
		_, live := ac.Agents.Registry().Get(runID)
		return !live
	}), nil
}

func (e *Executor) actionWaitForAnyTask(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Agents == nil {
		return nil, gerrors.ValidationFailed("wait_for_any_task: agent runner not configured")
	}
	runIDs := stringSliceParam(params, "run_ids")
	return waitSettle(ctx, params, func() bool {
		for _, runID := range runIDs {
			if _, live := ac.Agents.Registry().Get(runID); !live {
				return true
			}
		}
		return len(runIDs) == 0
	}), nil
}

func (e *Executor) actionWaitForAllTasks(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Agents == nil {
		return nil, gerrors.ValidationFailed("wait_for_all_tasks: agent runner not configured")
	}
	runIDs := stringSliceParam(params, "run_ids")
	return waitSettle(ctx, params, func() bool {
		for _, runID := range runIDs {
			if _, live := ac.Agents.Registry().Get(runID); live {
				return false
			}
		}
		return true
	}), nil
}

func (e *Executor) actionReleaseSlots(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.States == nil {
		return nil, nil
	}
	n := 1
	if f, ok := toFloat(params["n"]); ok && params["n"] != nil {
		n = int(f)
	}
	return nil, ac.States.ReleaseSlots(ctx, ac.SessionID, ac.State.WorkflowName, n)
}

func (e *Executor) actionRunPipeline(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Pipelines == nil {
		return nil, gerrors.ValidationFailed("run_pipeline: pipeline executor not configured")
	}
	name := stringParam(params, "name")
	inputs, _ := params["inputs"].(map[string]any)
	if ac.Templates != nil && inputs != nil {
		inputs, _ = ac.Templates.RenderValue(inputs, ac.EvalContext).(map[string]any)
	}

	if !boolParam(params, "await_completion") {
		detached := context.WithoutCancel(ctx)
		projectID := ac.projectID(ctx)
		go func() {
			if _, err := ac.Pipelines.Run(detached, name, inputs, projectID, ac.SessionID); err != nil {
				e.logger.Error("run_pipeline %s: %v", name, err)
			}
		}()
		ac.State.Variables["pending_pipeline"] = name
		return map[string]any{"pipeline": name, "dispatched": true}, nil
	}

	outputs, err := ac.Pipelines.Run(ctx, name, inputs, ac.projectID(ctx), ac.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pipeline": name, "outputs": outputs}, nil
}

func (e *Executor) actionMemorySave(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Memory == nil || !ac.Memory.Enabled() {
		return nil, nil
	}
	content := ac.render(stringParam(params, "content"))
	if content == "" {
		return nil, nil
	}
	saved, err := ac.Memory.Save(ctx, &storage.Memory{
		ProjectID:       ac.projectID(ctx),
		Content:         content,
		MemoryType:      stringParam(params, "memory_type"),
		SourceType:      "workflow",
		SourceSessionID: ac.SessionID,
		Tags:            stringSliceParam(params, "tags"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"memory_saved": saved}, nil
}

func (e *Executor) actionMemoryRecall(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Memory == nil || !ac.Memory.Enabled() {
		return nil, nil
	}
	query := ac.render(stringParam(params, "query"))
	if query == "" && ac.Event != nil {
		query = ac.Event.Prompt
	}
	if query == "" {
		return nil, nil
	}
	limit := 5
	if f, ok := toFloat(params["limit"]); ok && params["limit"] != nil {
		limit = int(f)
	}
	memories, err := ac.Memory.RecallRelevant(ctx, ac.projectID(ctx), query, limit)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, nil
	}
	var lines []string
	for _, mem := range memories {
		lines = append(lines, "- "+mem.Content)
	}
	return map[string]any{"inject_context": "Relevant memories:\n" + strings.Join(lines, "\n")}, nil
}

func (e *Executor) actionMemoryInjectProject(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	if ac.Memory == nil || !ac.Memory.Enabled() {
		return nil, nil
	}
	content, err := ac.Memory.ProjectContext(ctx, ac.projectID(ctx))
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, nil
	}
	return map[string]any{"inject_context": content}, nil
}

func (e *Executor) actionMemoryExtract(ctx context.Context, ac *ActionContext, _ map[string]any) (map[string]any, error) {
	if ac.Memory == nil || !ac.Memory.Enabled() {
		return nil, nil
	}
	count, err := ac.Memory.ExtractFromSession(ctx, ac.SessionID, ac.projectID(ctx))
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories_extracted": count}, nil
}

func (e *Executor) actionMemoryReviewGate(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Memory == nil || !ac.Memory.Enabled() {
		return nil, nil
	}
	if !boolParam(params, "require") {
		return nil, nil
	}
	if ac.State.ReflectionPending {
		return map[string]any{
			"decision": hooks.DecisionBlock,
			"reason":   "memory review is pending for this session",
		}, nil
	}
	return nil, nil
}

func (e *Executor) actionMemorySyncImport(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Memory == nil || !ac.Memory.Enabled() {
		return nil, nil
	}
	count, err := ac.Memory.SyncImport(ctx, ac.projectID(ctx), ac.render(stringParam(params, "dir")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories_imported": count}, nil
}

func (e *Executor) actionMemorySyncExport(ctx context.Context, ac *ActionContext, params map[string]any) (map[string]any, error) {
	if ac.Memory == nil || !ac.Memory.Enabled() {
		return nil, nil
	}
	count, err := ac.Memory.SyncExport(ctx, ac.projectID(ctx), ac.render(stringParam(params, "dir")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories_exported": count}, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return false
}

func stringSliceParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func durationParam(params map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := params[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	default:
		if f, ok := toFloat(v); ok && v != nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}
