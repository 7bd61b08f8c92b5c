package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/storage"
	"gobby/internal/utils/id"
	"gobby/internal/workflow"
)

// ApprovalRequired is the sentinel raised when an approval gate fires. The
// HTTP layer translates it into a 202 carrying the token.
type ApprovalRequired struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Token       string `json:"token"`
	Message     string `json:"message,omitempty"`
}

func (e *ApprovalRequired) Error() string {
	return fmt.Sprintf("pipeline %s step %s requires approval (token %s)",
		e.ExecutionID, e.StepID, e.Token)
}

// LLMClient executes prompt steps.
type LLMClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Executor runs pipeline executions against storage.
type Executor struct {
	db       *storage.DB
	loader   *Loader
	llm      LLMClient
	webhooks *WebhookClient
	eval     *workflow.Evaluator
	logger   logging.Logger
}

// NewExecutor constructs a pipeline executor. llm may be nil; prompt steps
// then fail with a validation error.
func NewExecutor(db *storage.DB, loader *Loader, llm LLMClient, logger logging.Logger) *Executor {
	logger = logging.OrNop(logger)
	return &Executor{
		db:       db,
		loader:   loader,
		llm:      llm,
		webhooks: NewWebhookClient(logger),
		eval:     workflow.NewEvaluator(logger),
		logger:   logger,
	}
}

// Loader exposes the definition loader.
func (x *Executor) Loader() *Loader { return x.loader }

// Run executes a named pipeline to completion or to the first approval
// gate, returning its outputs. Satisfies the workflow engine's pipeline
// port.
func (x *Executor) Run(ctx context.Context, name string, inputs map[string]any, projectID, sessionID string) (map[string]any, error) {
	_, outputs, err := x.runNamed(ctx, name, inputs, projectID, sessionID, "")
	return outputs, err
}

// Start executes a named pipeline like Run and additionally returns the
// execution row, so callers can report the execution id.
func (x *Executor) Start(ctx context.Context, name string, inputs map[string]any, projectID, sessionID string) (*storage.PipelineExecution, map[string]any, error) {
	return x.runNamed(ctx, name, inputs, projectID, sessionID, "")
}

func (x *Executor) runNamed(ctx context.Context, name string, inputs map[string]any, projectID, sessionID, parentExecutionID string) (*storage.PipelineExecution, map[string]any, error) {
	def, err := x.loader.Get(name)
	if err != nil {
		return nil, nil, err
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	inputsJSON, _ := json.Marshal(inputs)
	execution := &storage.PipelineExecution{
		PipelineName:      name,
		ProjectID:         projectID,
		SessionID:         sessionID,
		ParentExecutionID: parentExecutionID,
		InputsJSON:        string(inputsJSON),
	}
	if err := x.db.CreatePipelineExecution(ctx, execution); err != nil {
		return nil, nil, err
	}

	running := storage.ExecStatusRunning
	if err := x.db.UpdatePipelineExecution(ctx, execution.ID, storage.ExecutionUpdates{Status: &running}); err != nil {
		return nil, nil, err
	}
	x.logger.Info("pipeline: %s started as %s", name, execution.ID)

	outputs, err := x.executeFrom(ctx, def, execution, inputs, map[string]any{}, 0, nil)
	return execution, outputs, err
}

// executeFrom runs steps starting at index. resumedRow, when non-nil, is
// the pre-existing step row for the step at index (the approved gate).
func (x *Executor) executeFrom(ctx context.Context, def *Definition, execution *storage.PipelineExecution, inputs, stepOutputs map[string]any, index int, resumedRow *storage.StepExecution) (map[string]any, error) {
	for i := index; i < len(def.Steps); i++ {
		step := &def.Steps[i]

		var row *storage.StepExecution
		if i == index && resumedRow != nil {
			row = resumedRow
		} else {
			inputJSON, _ := json.Marshal(step.Input)
			row = &storage.StepExecution{
				ExecutionID: execution.ID,
				StepID:      step.ID,
				InputJSON:   string(inputJSON),
			}
			if err := x.db.CreateStepExecution(ctx, row); err != nil {
				return nil, err
			}
		}

		if step.Condition != "" {
			rendered := substitute(step.Condition, inputs, stepOutputs)
			if !x.eval.EvalBool(rendered, nil) {
				skipped := storage.StepStatusSkipped
				if err := x.db.UpdateStepExecution(ctx, row.ID, storage.StepUpdates{Status: &skipped, Completed: true}); err != nil {
					return nil, err
				}
				continue
			}
		}

		// Approval gates fire before the step body. The resumed row was
		// already approved, so the gate is skipped on resume.
		if step.NeedsApproval() && row.ApprovedAt.IsZero() {
			token := id.NewResumeToken()
			waiting := storage.ExecStatusWaitingApproval
			if err := x.db.UpdatePipelineExecution(ctx, execution.ID, storage.ExecutionUpdates{
				Status: &waiting, ResumeToken: &token,
			}); err != nil {
				return nil, err
			}
			stepWaiting := storage.StepStatusWaitingApproval
			if err := x.db.UpdateStepExecution(ctx, row.ID, storage.StepUpdates{
				Status: &stepWaiting, ApprovalToken: &token,
			}); err != nil {
				return nil, err
			}
			if def.Webhooks != nil {
				x.webhooks.Fire(ctx, def.Webhooks.OnApprovalPending, map[string]any{
					"execution_id": execution.ID,
					"pipeline":     def.Name,
					"step_id":      step.ID,
					"token":        token,
					"message":      step.Approval.Message,
				})
			}
			return nil, &ApprovalRequired{
				ExecutionID: execution.ID,
				StepID:      step.ID,
				Token:       token,
				Message:     step.Approval.Message,
			}
		}

		runningStatus := storage.StepStatusRunning
		if err := x.db.UpdateStepExecution(ctx, row.ID, storage.StepUpdates{Status: &runningStatus, Started: true}); err != nil {
			return nil, err
		}

		output, err := x.runStepBody(ctx, def, execution, step, inputs, stepOutputs)
		if err != nil {
			var approval *ApprovalRequired
			if ok := asApproval(err, &approval); ok {
				// A nested pipeline is waiting; this execution waits with it.
				waiting := storage.ExecStatusWaitingApproval
				token := approval.Token
				_ = x.db.UpdatePipelineExecution(ctx, execution.ID, storage.ExecutionUpdates{Status: &waiting, ResumeToken: &token})
				stepWaiting := storage.StepStatusWaitingApproval
				_ = x.db.UpdateStepExecution(ctx, row.ID, storage.StepUpdates{Status: &stepWaiting})
				return nil, err
			}
			return nil, x.failExecution(ctx, def, execution, row, err)
		}

		outputJSON, _ := json.Marshal(output)
		completed := storage.StepStatusCompleted
		outputStr := string(outputJSON)
		if err := x.db.UpdateStepExecution(ctx, row.ID, storage.StepUpdates{
			Status: &completed, OutputJSON: &outputStr, Completed: true,
		}); err != nil {
			return nil, err
		}
		stepOutputs[step.ID] = output
	}

	outputs := map[string]any{}
	for name, binding := range def.Outputs {
		outputs[name] = substitute(binding, inputs, stepOutputs)
	}
	outputsJSON, _ := json.Marshal(outputs)
	outputsStr := string(outputsJSON)
	completed := storage.ExecStatusCompleted
	if err := x.db.UpdatePipelineExecution(ctx, execution.ID, storage.ExecutionUpdates{
		Status: &completed, OutputsJSON: &outputsStr, Completed: true,
	}); err != nil {
		return nil, err
	}
	if def.Webhooks != nil {
		x.webhooks.Fire(ctx, def.Webhooks.OnComplete, map[string]any{
			"execution_id": execution.ID,
			"pipeline":     def.Name,
			"status":       storage.ExecStatusCompleted,
			"outputs":      outputs,
		})
	}
	x.logger.Info("pipeline: %s completed", execution.ID)
	return outputs, nil
}

func (x *Executor) failExecution(ctx context.Context, def *Definition, execution *storage.PipelineExecution, row *storage.StepExecution, cause error) error {
	failed := storage.StepStatusFailed
	msg := cause.Error()
	_ = x.db.UpdateStepExecution(ctx, row.ID, storage.StepUpdates{
		Status: &failed, Error: &msg, Completed: true,
	})
	execFailed := storage.ExecStatusFailed
	_ = x.db.UpdatePipelineExecution(ctx, execution.ID, storage.ExecutionUpdates{
		Status: &execFailed, Completed: true,
	})
	if def.Webhooks != nil {
		x.webhooks.Fire(ctx, def.Webhooks.OnFailure, map[string]any{
			"execution_id": execution.ID,
			"pipeline":     def.Name,
			"status":       storage.ExecStatusFailed,
			"step_id":      row.StepID,
			"error":        msg,
		})
	}
	x.logger.Error("pipeline: %s failed at step %s: %v", execution.ID, row.StepID, cause)
	return cause
}

func (x *Executor) runStepBody(ctx context.Context, def *Definition, execution *storage.PipelineExecution, step *Step, inputs, stepOutputs map[string]any) (any, error) {
	switch {
	case step.Exec != "":
		return runShell(ctx, substitute(step.Exec, inputs, stepOutputs))

	case step.Prompt != "":
		if x.llm == nil {
			return nil, gerrors.ValidationFailed("step %s: no LLM configured for prompt steps", step.ID)
		}
		system := "You are executing one step of an automation pipeline. Reply with the step result only."
		if len(step.Tools) > 0 {
			system += " Available tools: " + strings.Join(step.Tools, ", ") + "."
		}
		text, err := x.llm.Complete(ctx, system, substitute(step.Prompt, inputs, stepOutputs))
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil

	case step.InvokePipeline != "":
		childInputs, _ := substituteValue(step.Input, inputs, stepOutputs).(map[string]any)
		_, childOutputs, err := x.runNamed(ctx, step.InvokePipeline, childInputs,
			execution.ProjectID, execution.SessionID, execution.ID)
		if err != nil {
			return nil, err
		}
		return childOutputs, nil

	default:
		return nil, gerrors.ValidationFailed("step %s has no body", step.ID)
	}
}

func runShell(ctx context.Context, command string) (map[string]any, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	output := map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
	if runErr != nil && exitCode == 0 {
		return output, gerrors.Wrap(gerrors.KindInternal, runErr, "run command")
	}
	if exitCode != 0 {
		return output, gerrors.New(gerrors.KindInternal,
			"command exited %d: %s", exitCode, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

// Approve resumes a waiting execution from its gated step. Tokens are
// single-use: approval consumes the token, so a spent or unknown token is
// a not-found.
func (x *Executor) Approve(ctx context.Context, token, approvedBy string) (*storage.PipelineExecution, error) {
	row, err := x.db.GetStepExecutionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	execution, err := x.db.GetPipelineExecution(ctx, row.ExecutionID)
	if err != nil {
		return nil, err
	}

	if row.Status != storage.StepStatusWaitingApproval {
		return nil, gerrors.NotFound("approval token already used")
	}

	def, err := x.loader.Get(execution.PipelineName)
	if err != nil {
		return nil, err
	}
	index := def.StepIndex(row.StepID)
	if index < 0 {
		return nil, gerrors.New(gerrors.KindFatal,
			"execution %s references unknown step %s", execution.ID, row.StepID)
	}

	if approvedBy == "" {
		approvedBy = "api"
	}
	pending := storage.StepStatusPending
	spent := ""
	if err := x.db.UpdateStepExecution(ctx, row.ID, storage.StepUpdates{
		Status: &pending, ApprovalToken: &spent, ApprovedBy: &approvedBy, Approved: true,
	}); err != nil {
		return nil, err
	}
	running := storage.ExecStatusRunning
	if err := x.db.UpdatePipelineExecution(ctx, execution.ID, storage.ExecutionUpdates{Status: &running}); err != nil {
		return nil, err
	}

	inputs, stepOutputs, err := x.resumeState(ctx, execution)
	if err != nil {
		return nil, err
	}
	row.ApprovedAt = time.Now()

	if _, err := x.executeFrom(ctx, def, execution, inputs, stepOutputs, index, row); err != nil {
		var approval *ApprovalRequired
		if asApproval(err, &approval) {
			return x.db.GetPipelineExecution(ctx, execution.ID)
		}
		return nil, err
	}

	// A completed child resumes a parent waiting on its invoke_pipeline step.
	if execution.ParentExecutionID != "" {
		if err := x.resumeParent(ctx, execution); err != nil {
			x.logger.Error("pipeline: resume parent of %s: %v", execution.ID, err)
		}
	}
	return x.db.GetPipelineExecution(ctx, execution.ID)
}

// resumeState rebuilds the substitution context from persisted rows.
func (x *Executor) resumeState(ctx context.Context, execution *storage.PipelineExecution) (map[string]any, map[string]any, error) {
	inputs := map[string]any{}
	if execution.InputsJSON != "" {
		if err := json.Unmarshal([]byte(execution.InputsJSON), &inputs); err != nil {
			return nil, nil, err
		}
	}
	rows, err := x.db.ListStepExecutions(ctx, execution.ID)
	if err != nil {
		return nil, nil, err
	}
	stepOutputs := map[string]any{}
	for _, row := range rows {
		if row.Status == storage.StepStatusCompleted && row.OutputJSON != "" {
			var output any
			if err := json.Unmarshal([]byte(row.OutputJSON), &output); err == nil {
				stepOutputs[row.StepID] = output
			}
		}
	}
	return inputs, stepOutputs, nil
}

// resumeParent continues a parent execution whose invoke_pipeline step was
// waiting on the just-completed child.
func (x *Executor) resumeParent(ctx context.Context, child *storage.PipelineExecution) error {
	parent, err := x.db.GetPipelineExecution(ctx, child.ParentExecutionID)
	if err != nil {
		return err
	}
	if parent.Status != storage.ExecStatusWaitingApproval {
		return nil
	}
	def, err := x.loader.Get(parent.PipelineName)
	if err != nil {
		return err
	}

	rows, err := x.db.ListStepExecutions(ctx, parent.ID)
	if err != nil {
		return err
	}
	var waiting *storage.StepExecution
	for _, row := range rows {
		if row.Status == storage.StepStatusWaitingApproval {
			waiting = row
			break
		}
	}
	if waiting == nil {
		return nil
	}
	index := def.StepIndex(waiting.StepID)
	if index < 0 {
		return nil
	}

	var childOutputs map[string]any
	if child.OutputsJSON != "" {
		_ = json.Unmarshal([]byte(child.OutputsJSON), &childOutputs)
	}
	outputJSON, _ := json.Marshal(childOutputs)
	outputStr := string(outputJSON)
	completed := storage.StepStatusCompleted
	if err := x.db.UpdateStepExecution(ctx, waiting.ID, storage.StepUpdates{
		Status: &completed, OutputJSON: &outputStr, Completed: true,
	}); err != nil {
		return err
	}
	running := storage.ExecStatusRunning
	if err := x.db.UpdatePipelineExecution(ctx, parent.ID, storage.ExecutionUpdates{Status: &running}); err != nil {
		return err
	}

	inputs, stepOutputs, err := x.resumeState(ctx, parent)
	if err != nil {
		return err
	}
	stepOutputs[waiting.StepID] = childOutputs
	if _, err := x.executeFrom(ctx, def, parent, inputs, stepOutputs, index+1, nil); err != nil {
		var approval *ApprovalRequired
		if asApproval(err, &approval) {
			return nil
		}
		return err
	}
	if parent.ParentExecutionID != "" {
		return x.resumeParent(ctx, parent)
	}
	return nil
}

// Status returns an execution with its step rows.
func (x *Executor) Status(ctx context.Context, executionID string) (*storage.PipelineExecution, []*storage.StepExecution, error) {
	execution, err := x.db.GetPipelineExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := x.db.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return execution, steps, nil
}

func asApproval(err error, target **ApprovalRequired) bool {
	return errors.As(err, target)
}
