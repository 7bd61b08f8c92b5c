package workflow

import (
	"context"
	"sort"
	"strings"
	"time"

	gerrors "gobby/internal/errors"
	"gobby/internal/hooks"
	"gobby/internal/logging"
	"gobby/internal/session"
	"gobby/internal/storage"
	"gobby/internal/task"
)

// maxChainDepth bounds the auto-transition chain after a fired transition.
const maxChainDepth = 10

// exemptTools always bypass step tool restrictions. They are read-only
// discovery calls the assistant needs even inside a locked-down step.
var exemptTools = map[string]bool{
	"mcp__gobby__list_tools":      true,
	"mcp__gobby__get_tool_info":   true,
	"mcp__gobby__get_status":      true,
	"mcp__gobby__list_workflows":  true,
	"mcp__gobby__workflow_status": true,
}

// triggerForEvent maps hook event types to trigger list names.
var triggerForEvent = map[hooks.EventType]string{
	hooks.SessionStart: TriggerOnSessionStart,
	hooks.SessionEnd:   TriggerOnSessionEnd,
	hooks.BeforeAgent:  TriggerOnBeforeAgent,
	hooks.AfterAgent:   TriggerOnAfterAgent,
	hooks.BeforeTool:   TriggerOnBeforeTool,
	hooks.AfterTool:    TriggerOnAfterTool,
	hooks.Stop:         TriggerOnStop,
	hooks.PreCompact:   TriggerOnPreCompact,
}

// Result is the engine's verdict for one event across all instances. It is
// the hooks package's EngineResult so the hook manager can consume it
// through its engine port.
type Result = hooks.EngineResult

// Engine evaluates workflow instances against hook events.
type Engine struct {
	loader   *Loader
	states   *StateManager
	executor *Executor
	eval     *Evaluator
	tmpl     *TemplateEngine
	sessions *session.Manager
	tasks    *task.Manager
	logger   logging.Logger

	// Optional subsystem ports passed through to actions.
	LLM       LLMClient
	Memory    MemoryService
	Pipelines PipelineRunner
	Agents    AgentService
}

// NewEngine constructs a workflow engine.
func NewEngine(loader *Loader, states *StateManager, executor *Executor, sessions *session.Manager, tasks *task.Manager, logger logging.Logger) *Engine {
	logger = logging.OrNop(logger)
	e := &Engine{
		loader:   loader,
		states:   states,
		executor: executor,
		eval:     NewEvaluator(logger),
		tmpl:     NewTemplateEngine(logger),
		sessions: sessions,
		tasks:    tasks,
		logger:   logger,
	}
	e.eval.RegisterFunc("task_tree_complete", e.exprTaskTreeComplete)
	return e
}

// Evaluator exposes the condition evaluator, for tests and the hook manager.
func (e *Engine) Evaluator() *Evaluator { return e.eval }

// Templates exposes the template engine.
func (e *Engine) Templates() *TemplateEngine { return e.tmpl }

// Loader exposes the definition loader.
func (e *Engine) Loader() *Loader { return e.loader }

// States exposes the state manager.
func (e *Engine) States() *StateManager { return e.states }

// exprTaskTreeComplete backs the task_tree_complete(ref, project_id)
// condition function.
func (e *Engine) exprTaskTreeComplete(args []any) (any, error) {
	if e.tasks == nil || len(args) < 2 {
		return false, nil
	}
	ref, _ := args[0].(string)
	projectID, _ := args[1].(string)
	complete, err := e.tasks.TreeComplete(context.Background(), ref, projectID)
	if err != nil {
		return false, err
	}
	return complete, nil
}

// Start attaches a workflow instance to a session, seeding state from the
// definition's defaults and entering the first step.
func (e *Engine) Start(ctx context.Context, sessionID, workflowName string, overrides map[string]any) (*storage.WorkflowState, error) {
	def, err := e.loader.Get(workflowName)
	if err != nil {
		return nil, err
	}
	variables := map[string]any{}
	for key, value := range def.Variables {
		variables[key] = value
	}
	for key, value := range overrides {
		variables[key] = value
	}
	st := &storage.WorkflowState{
		SessionID:     sessionID,
		WorkflowName:  workflowName,
		Step:          def.InitialStep(),
		StepEnteredAt: time.Now(),
		Variables:     variables,
	}
	if err := e.states.Save(ctx, st); err != nil {
		return nil, err
	}

	if step := def.FindStep(st.Step); step != nil && len(step.OnEnter) > 0 {
		ac := e.actionContext(sessionID, st, def, nil)
		result := &Result{Decision: hooks.DecisionAllow}
		e.runActions(ctx, ac, step.OnEnter, result)
		if err := e.states.Save(ctx, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Stop removes a workflow instance from a session.
func (e *Engine) Stop(ctx context.Context, sessionID, workflowName string) error {
	return e.states.Delete(ctx, sessionID, workflowName)
}

// HandleEvent evaluates every active instance on the session against the
// event, in priority order, stopping at the first block.
func (e *Engine) HandleEvent(ctx context.Context, sessionID string, event *hooks.Event) (*Result, error) {
	states, err := e.states.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	type instance struct {
		st  *storage.WorkflowState
		def *Definition
	}
	var instances []instance
	for _, st := range states {
		def, err := e.loader.Get(st.WorkflowName)
		if err != nil || def.Disabled {
			continue
		}
		instances = append(instances, instance{st, def})
	}
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].def.Priority < instances[j].def.Priority
	})

	result := &Result{Decision: hooks.DecisionAllow}
	for _, inst := range instances {
		if err := e.evaluateInstance(ctx, inst.st, inst.def, event, result); err != nil {
			e.logger.Error("workflow %s on %s: %v", inst.st.WorkflowName, sessionID, err)
			continue
		}
		if err := e.states.Save(ctx, inst.st); err != nil {
			return nil, err
		}
		if result.Blocked() {
			break
		}
	}
	return result, nil
}

func (e *Engine) evaluateInstance(ctx context.Context, st *storage.WorkflowState, def *Definition, event *hooks.Event, result *Result) error {
	evalCtx := e.buildContext(ctx, st, def, event)
	step := def.FindStep(st.Step)

	if event.Type == hooks.BeforeTool && step != nil {
		if blocked, reason := e.checkToolRestrictions(step, event, evalCtx); blocked {
			result.Decision = hooks.DecisionBlock
			result.Reason = reason
			return nil
		}
	}

	st.TotalActionCount++
	st.StepActionCount++

	if step != nil {
		e.followTransitions(ctx, st, def, step, evalCtx, event, result)
		if result.Blocked() {
			return nil
		}
	}

	if trigger := triggerForEvent[event.Type]; trigger != "" {
		ac := e.actionContext(st.SessionID, st, def, event)
		ac.EvalContext = e.buildContext(ctx, st, def, event)
		for _, action := range def.Triggers[trigger] {
			if action.When != "" && !e.eval.EvalBool(action.When, ac.EvalContext) {
				continue
			}
			e.runActions(ctx, ac, []Action{action}, result)
			if result.Blocked() {
				return nil
			}
		}
	}
	return nil
}

// checkToolRestrictions applies restriction precedence: exempt tools bypass
// everything, then blocked_tools, then the allowed_tools set, then user
// rules. The first block wins.
func (e *Engine) checkToolRestrictions(step *Step, event *hooks.Event, evalCtx map[string]any) (bool, string) {
	tool := event.ToolName
	if tool == "" {
		return false, ""
	}
	if exemptTools[tool] || exemptTools[bareToolName(tool)] {
		return false, ""
	}

	for _, blocked := range step.BlockedTools {
		if toolMatches(blocked, tool) {
			return true, "tool " + tool + " is blocked in step " + step.Name
		}
	}

	if allowed, restricted := step.AllowedToolList(); restricted {
		permitted := false
		for _, name := range allowed {
			if toolMatches(name, tool) {
				permitted = true
				break
			}
		}
		if !permitted {
			return true, "tool " + tool + " is not allowed in step " + step.Name
		}
	}

	for _, rule := range step.Rules {
		if rule.Action != "block" {
			continue
		}
		if e.eval.EvalBool(rule.When, evalCtx) {
			reason := rule.Message
			if reason == "" {
				reason = "blocked by rule in step " + step.Name
			}
			return true, reason
		}
	}
	return false, ""
}

// toolMatches compares tool names source-agnostically: a prefixed MCP name
// matches both its full and bare form.
func toolMatches(pattern, tool string) bool {
	if pattern == tool {
		return true
	}
	return bareToolName(pattern) == bareToolName(tool)
}

// bareToolName strips an mcp__<server>__ prefix.
func bareToolName(tool string) string {
	if !strings.HasPrefix(tool, "mcp__") {
		return tool
	}
	rest := tool[len("mcp__"):]
	if i := strings.Index(rest, "__"); i >= 0 {
		return rest[i+2:]
	}
	return tool
}

// followTransitions fires the first matching transition, then follows the
// auto-chain: each target step's transitions are re-evaluated until no
// transition fires, the depth limit is hit, or a step repeats.
func (e *Engine) followTransitions(ctx context.Context, st *storage.WorkflowState, def *Definition, step *Step, evalCtx map[string]any, event *hooks.Event, result *Result) {
	visited := map[string]bool{step.Name: true}
	current := step

	for depth := 0; depth < maxChainDepth; depth++ {
		var next *Step
		for _, tr := range current.Transitions {
			if !e.eval.EvalBool(tr.When, evalCtx) {
				continue
			}
			target := def.FindStep(tr.To)
			if target == nil {
				continue
			}
			next = target
			break
		}
		if next == nil {
			return
		}
		if visited[next.Name] {
			e.logger.Debug("workflow %s: transition loop at step %q", def.Name, next.Name)
			return
		}
		visited[next.Name] = true

		ac := e.actionContext(st.SessionID, st, def, event)
		ac.EvalContext = evalCtx
		e.runActions(ctx, ac, current.OnExit, result)
		if result.Blocked() {
			return
		}

		st.Step = next.Name
		st.StepEnteredAt = time.Now()
		st.StepActionCount = 0
		if next.StatusMessage != "" {
			result.ContextParts = append(result.ContextParts, e.tmpl.Render(next.StatusMessage, evalCtx))
		}

		e.runActions(ctx, ac, next.OnEnter, result)
		if result.Blocked() {
			return
		}

		evalCtx = e.buildContext(ctx, st, def, event)
		current = next
	}
	e.logger.Error("workflow %s: auto-transition chain exceeded depth %d", def.Name, maxChainDepth)
}

// runActions executes actions in order, merging each result into the
// aggregate. A decision=block result short-circuits the caller.
func (e *Engine) runActions(ctx context.Context, ac *ActionContext, actions []Action, result *Result) {
	for _, action := range actions {
		if action.When != "" && !e.eval.EvalBool(action.When, ac.EvalContext) {
			continue
		}
		out, err := e.executor.Execute(ctx, ac, action)
		if err != nil {
			e.logger.Error("workflow %s: action %s: %v", ac.State.WorkflowName, action.Name, err)
			continue
		}
		mergeActionResult(result, out)
		if result.Blocked() {
			return
		}
	}
}

func mergeActionResult(result *Result, out map[string]any) {
	if out == nil {
		return
	}
	if decision, ok := out["decision"].(string); ok && decision == hooks.DecisionBlock {
		result.Decision = hooks.DecisionBlock
		if reason, ok := out["reason"].(string); ok {
			result.Reason = reason
		}
		return
	}
	if part, ok := out["inject_context"].(string); ok && part != "" {
		result.ContextParts = append(result.ContextParts, part)
	}
	if msg, ok := out["inject_message"].(string); ok && msg != "" {
		result.Messages = append(result.Messages, msg)
	}
}

// buildContext assembles the name-resolution context: instance variables
// flattened to the top level plus the namespaced views and event fields.
func (e *Engine) buildContext(ctx context.Context, st *storage.WorkflowState, def *Definition, event *hooks.Event) map[string]any {
	evalCtx := map[string]any{}

	for key, value := range def.Variables {
		evalCtx[key] = value
	}
	for key, value := range st.Variables {
		evalCtx[key] = value
	}
	evalCtx["variables"] = st.Variables
	evalCtx["step"] = st.Step
	evalCtx["step_action_count"] = st.StepActionCount
	evalCtx["total_action_count"] = st.TotalActionCount
	evalCtx["observations"] = st.Observations

	if e.sessions != nil {
		if s, err := e.sessions.Get(ctx, st.SessionID); err == nil {
			evalCtx["session"] = map[string]any{
				"id":         s.ID,
				"status":     s.Status,
				"source":     s.Source,
				"project_id": s.ProjectID,
				"depth":      s.AgentDepth,
				"title":      s.Title,
			}
		}
	}

	if event != nil {
		evalCtx["event_type"] = string(event.Type)
		evalCtx["tool_name"] = event.ToolName
		evalCtx["tool_args"] = event.ToolInput
		evalCtx["prompt"] = event.Prompt
	}
	return evalCtx
}

func (e *Engine) actionContext(sessionID string, st *storage.WorkflowState, def *Definition, event *hooks.Event) *ActionContext {
	return &ActionContext{
		SessionID:   sessionID,
		State:       st,
		Event:       event,
		Definition:  def,
		EvalContext: map[string]any{},
		Sessions:    e.sessions,
		Tasks:       e.tasks,
		States:      e.states,
		Templates:   e.tmpl,
		LLM:         e.LLM,
		Memory:      e.Memory,
		Pipelines:   e.Pipelines,
		Agents:      e.Agents,
	}
}

// ValidateName guards user-supplied workflow names before Start.
func (e *Engine) ValidateName(name string) error {
	if name == "" {
		return gerrors.ValidationFailed("workflow name required")
	}
	_, err := e.loader.Get(name)
	return err
}
