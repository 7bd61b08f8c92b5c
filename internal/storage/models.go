package storage

import "time"

// Session status machine, driven by hooks: BEFORE_AGENT marks a session
// active, AFTER_AGENT/STOP pause it, PRE_COMPACT readies it for handoff, and
// a successful handoff to a child expires it.
const (
	SessionStatusActive       = "active"
	SessionStatusPaused       = "paused"
	SessionStatusHandoffReady = "handoff_ready"
	SessionStatusExpired      = "expired"
	SessionStatusArchived     = "archived"
)

// Task statuses.
const (
	TaskStatusOpen       = "open"
	TaskStatusInProgress = "in_progress"
	TaskStatusReview     = "review"
	TaskStatusClosed     = "closed"
)

// Task dependency types.
const (
	DepTypeBlocks    = "blocks"
	DepTypeRelatesTo = "relates_to"
)

// Pipeline execution statuses.
const (
	ExecStatusPending         = "pending"
	ExecStatusRunning         = "running"
	ExecStatusWaitingApproval = "waiting_approval"
	ExecStatusCompleted       = "completed"
	ExecStatusFailed          = "failed"
	ExecStatusCancelled       = "cancelled"
)

// Step execution statuses.
const (
	StepStatusPending         = "pending"
	StepStatusRunning         = "running"
	StepStatusWaitingApproval = "waiting_approval"
	StepStatusCompleted       = "completed"
	StepStatusFailed          = "failed"
	StepStatusSkipped         = "skipped"
)

// Cron schedule and run values.
const (
	ScheduleTypeCron     = "cron"
	ScheduleTypeInterval = "interval"
	ScheduleTypeOnce     = "once"

	CronRunStatusPending   = "pending"
	CronRunStatusRunning   = "running"
	CronRunStatusCompleted = "completed"
	CronRunStatusFailed    = "failed"
)

// Prompt tiers, in ascending resolution precedence.
const (
	PromptTierBundled = "bundled"
	PromptTierUser    = "user"
	PromptTierProject = "project"
)

// Project owns sessions, tasks, memories and workflows for one repository
// root, identified on disk by a .gobby/project.json sidecar.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoPath  string    `json:"repo_path"`
	GithubURL string    `json:"github_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one conversation with an assistant CLI, unique per
// (external_id, machine_id, source).
type Session struct {
	ID                  string    `json:"id"`
	ExternalID          string    `json:"external_id"`
	MachineID           string    `json:"machine_id"`
	Source              string    `json:"source"`
	ProjectID           string    `json:"project_id,omitempty"`
	Title               string    `json:"title,omitempty"`
	Status              string    `json:"status"`
	JSONLPath           string    `json:"jsonl_path,omitempty"`
	SummaryMarkdown     string    `json:"summary_markdown,omitempty"`
	CompactMarkdown     string    `json:"compact_markdown,omitempty"`
	GitBranch           string    `json:"git_branch,omitempty"`
	ParentSessionID     string    `json:"parent_session_id,omitempty"`
	AgentDepth          int       `json:"agent_depth"`
	TranscriptProcessed bool      `json:"transcript_processed"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Message is a lightweight transcript record kept alongside the session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of tracked work. SeqNum is per-project monotonic; "#N" is
// the public short reference. Tasks form a forest via ParentTaskID.
type Task struct {
	ID                 string    `json:"id"`
	SeqNum             int       `json:"seq_num"`
	ProjectID          string    `json:"project_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Status             string    `json:"status"`
	Priority           int       `json:"priority"`
	TaskType           string    `json:"task_type"`
	Category           string    `json:"category,omitempty"`
	ParentTaskID       string    `json:"parent_task_id,omitempty"`
	Commits            []string  `json:"commits"`
	ValidationCriteria string    `json:"validation_criteria,omitempty"`
	ValidationStatus   string    `json:"validation_status,omitempty"`
	ExpansionStatus    string    `json:"expansion_status,omitempty"`
	ExpansionContext   string    `json:"expansion_context,omitempty"`
	RequiresUserReview bool      `json:"requires_user_review"`
	Labels             []string  `json:"labels"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TaskDependency links two tasks. The graph must stay acyclic.
type TaskDependency struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
	DepType     string `json:"dep_type"`
}

// WorkflowState is the persisted per-session state of one workflow instance.
type WorkflowState struct {
	SessionID         string         `json:"session_id"`
	WorkflowName      string         `json:"workflow_name"`
	Step              string         `json:"step"`
	StepEnteredAt     time.Time      `json:"step_entered_at,omitempty"`
	StepActionCount   int            `json:"step_action_count"`
	TotalActionCount  int            `json:"total_action_count"`
	Observations      []string       `json:"observations"`
	Variables         map[string]any `json:"variables"`
	ContextInjected   bool           `json:"context_injected"`
	ReflectionPending bool           `json:"reflection_pending"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PipelineExecution is one run of a declared pipeline.
type PipelineExecution struct {
	ID                string    `json:"id"`
	PipelineName      string    `json:"pipeline_name"`
	ProjectID         string    `json:"project_id,omitempty"`
	Status            string    `json:"status"`
	InputsJSON        string    `json:"inputs_json,omitempty"`
	OutputsJSON       string    `json:"outputs_json,omitempty"`
	ResumeToken       string    `json:"resume_token,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	ParentExecutionID string    `json:"parent_execution_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
}

// StepExecution is one step within a pipeline execution.
type StepExecution struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	StepID        string    `json:"step_id"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	InputJSON     string    `json:"input_json,omitempty"`
	OutputJSON    string    `json:"output_json,omitempty"`
	Error         string    `json:"error,omitempty"`
	ApprovalToken string    `json:"approval_token,omitempty"`
	ApprovedBy    string    `json:"approved_by,omitempty"`
	ApprovedAt    time.Time `json:"approved_at,omitempty"`
}

// CronJob is a scheduled job. Exactly one of CronExpr, IntervalSeconds,
// RunAt is set, matching ScheduleType.
type CronJob struct {
	ID                  string    `json:"id"`
	ProjectID           string    `json:"project_id,omitempty"`
	Name                string    `json:"name"`
	ScheduleType        string    `json:"schedule_type"`
	CronExpr            string    `json:"cron_expr,omitempty"`
	IntervalSeconds     int       `json:"interval_seconds,omitempty"`
	RunAt               time.Time `json:"run_at,omitempty"`
	Timezone            string    `json:"timezone"`
	ActionType          string    `json:"action_type"`
	ActionConfig        string    `json:"action_config"`
	Enabled             bool      `json:"enabled"`
	NextRunAt           time.Time `json:"next_run_at,omitempty"`
	LastRunAt           time.Time `json:"last_run_at,omitempty"`
	LastStatus          string    `json:"last_status,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Description         string    `json:"description,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CronRun records one dispatch of a cron job.
type CronRun struct {
	ID                  string    `json:"id"`
	CronJobID           string    `json:"cron_job_id"`
	TriggeredAt         time.Time `json:"triggered_at"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	CompletedAt         time.Time `json:"completed_at,omitempty"`
	Status              string    `json:"status"`
	Output              string    `json:"output,omitempty"`
	Error               string    `json:"error,omitempty"`
	AgentRunID          string    `json:"agent_run_id,omitempty"`
	PipelineExecutionID string    `json:"pipeline_execution_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Memory is a stored fact or observation; its vector embedding lives in the
// external vector store keyed by the memory id.
type Memory struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Content         string    `json:"content"`
	MemoryType      string    `json:"memory_type"`
	SourceType      string    `json:"source_type"`
	SourceSessionID string    `json:"source_session_id,omitempty"`
	Tags            []string  `json:"tags"`
	CreatedAt       time.Time `json:"created_at"`
}

// Prompt is a stored prompt template, unique on (path, tier, project_id).
type Prompt struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Tier        string    `json:"tier"`
	ProjectID   string    `json:"project_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	Category    string    `json:"category,omitempty"`
	Content     string    `json:"content"`
	Variables   string    `json:"variables,omitempty"`
	SourceFile  string    `json:"source_file,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Worktree records an isolation working tree created for a child agent.
type Worktree struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch,omitempty"`
	AgentRunID string    `json:"agent_run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
