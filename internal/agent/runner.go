package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"gobby/internal/config"
	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/session"
	"gobby/internal/storage"
	"gobby/internal/utils/id"
)

// SlotReleaser returns reserved orchestration slots to a parent session's
// workflow state when a spawn fails after reservation.
type SlotReleaser interface {
	ReleaseReservedSlots(ctx context.Context, sessionID string, n int) error
}

// InProcessFunc executes an in_process agent run inside the daemon.
type InProcessFunc func(ctx context.Context, req *SpawnRequest, sessionID string) error

// SpawnRequest describes a child agent to start.
type SpawnRequest struct {
	ParentSessionID string `json:"parent_session_id,omitempty"`
	ProjectID       string `json:"project_id"`
	Agent           string `json:"agent,omitempty"`
	Task            string `json:"task,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	Workflow        string `json:"workflow,omitempty"`
	Mode            string `json:"mode"`
	Provider        string `json:"provider"`
	Terminal        string `json:"terminal,omitempty"`
	Isolation       string `json:"isolation,omitempty"`
	BaseBranch      string `json:"base_branch,omitempty"`
	// SlotReserved marks that the caller already reserved an orchestration
	// slot on the parent; the runner releases it if the spawn fails.
	SlotReserved bool `json:"-"`
}

// SpawnResult reports a successful spawn.
type SpawnResult struct {
	RunID      string `json:"run_id"`
	SessionID  string `json:"session_id"`
	PID        int    `json:"pid,omitempty"`
	WorktreeID string `json:"worktree_id,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
}

// Runner spawns child assistant processes and tracks them in the registry.
type Runner struct {
	db          *storage.DB
	sessions    *session.Manager
	registry    *Registry
	slots       SlotReleaser
	cfg         config.AgentConfig
	worktreeDir string
	logger      logging.Logger
	inProcess   InProcessFunc
}

// NewRunner constructs a runner. slots and inProcess may be nil.
func NewRunner(db *storage.DB, sessions *session.Manager, registry *Registry, slots SlotReleaser, cfg config.AgentConfig, logger logging.Logger) *Runner {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(config.Home(), "agent-logs")
	}
	return &Runner{
		db:          db,
		sessions:    sessions,
		registry:    registry,
		slots:       slots,
		cfg:         cfg,
		worktreeDir: filepath.Join(config.Home(), "worktrees"),
		logger:      logging.OrNop(logger),
	}
}

// SetInProcessFunc installs the handler for in_process runs.
func (r *Runner) SetInProcessFunc(fn InProcessFunc) {
	r.inProcess = fn
}

// Registry exposes the runner's agent registry.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Spawn prepares and starts a child agent. On any failure after a slot was
// reserved, the slot is released before the error propagates.
func (r *Runner) Spawn(ctx context.Context, req *SpawnRequest) (result *SpawnResult, err error) {
	if req.Mode == "" {
		req.Mode = ModeHeadless
	}
	if req.Provider == "" {
		req.Provider = "claude"
	}
	defer func() {
		if err != nil && req.SlotReserved && r.slots != nil && req.ParentSessionID != "" {
			if relErr := r.slots.ReleaseReservedSlots(context.WithoutCancel(ctx), req.ParentSessionID, 1); relErr != nil {
				r.logger.Error("agent: release reserved slot for %s: %v", req.ParentSessionID, relErr)
			}
		}
	}()

	childSession, proj, err := r.prepareRun(ctx, req)
	if err != nil {
		return nil, err
	}

	runID := id.NewRunID()
	iso, err := r.prepareIsolation(ctx, proj, runID, req.Isolation, req.BaseBranch)
	if err != nil {
		return nil, err
	}

	running := &RunningAgent{
		RunID:           runID,
		SessionID:       childSession.ID,
		ParentSessionID: req.ParentSessionID,
		Mode:            req.Mode,
		Provider:        req.Provider,
		WorkflowName:    req.Workflow,
		WorktreeID:      iso.WorktreeID,
		Task:            req.Task,
		StartedAt:       time.Now(),
	}

	// Registered before the process starts: a fast-exiting child's removal
	// must never precede the add.
	if err := r.registry.Add(running); err != nil {
		return nil, err
	}

	switch req.Mode {
	case ModeInProcess:
		err = r.spawnInProcess(ctx, req, running)
	case ModeHeadless:
		err = r.spawnHeadless(req, running, iso.Path)
	case ModeEmbedded:
		err = r.spawnEmbedded(req, running, iso.Path)
	case ModeTerminal:
		err = r.spawnTerminal(req, running, iso.Path)
	default:
		err = gerrors.ValidationFailed("unknown spawn mode %q", req.Mode)
	}
	if err != nil {
		r.registry.Remove(runID, "failed")
		return nil, err
	}

	r.logger.Info("agent: spawned %s mode=%s provider=%s session=%s",
		runID, req.Mode, req.Provider, childSession.ID)
	return &SpawnResult{
		RunID:      runID,
		SessionID:  childSession.ID,
		PID:        running.PID,
		WorktreeID: iso.WorktreeID,
		BranchName: iso.Branch,
	}, nil
}

// CanSpawn reports whether a child of parentSessionID would stay within the
// depth limit, consulting the stored ancestor chain. Used by dry-run checks
// and orchestration actions before committing a slot.
func (r *Runner) CanSpawn(ctx context.Context, parentSessionID string) (bool, string, int, error) {
	if parentSessionID == "" {
		return true, "", 0, nil
	}
	parent, err := r.sessions.Get(ctx, parentSessionID)
	if err != nil {
		return false, "parent session not found", 0, err
	}
	childDepth := parent.AgentDepth + 1
	if childDepth > r.cfg.MaxDepth {
		return false, fmt.Sprintf("SPAWN_DEPTH_EXCEEDED: depth %d exceeds maximum %d",
			childDepth, r.cfg.MaxDepth), parent.AgentDepth, nil
	}
	return true, "", parent.AgentDepth, nil
}

// prepareRun creates the child session row with incremented depth, failing
// when the ancestor chain would exceed the configured maximum.
func (r *Runner) prepareRun(ctx context.Context, req *SpawnRequest) (*storage.Session, *storage.Project, error) {
	depth := 0
	machineID := "local"
	if req.ParentSessionID != "" {
		parent, err := r.sessions.Get(ctx, req.ParentSessionID)
		if err != nil {
			return nil, nil, err
		}
		depth = parent.AgentDepth + 1
		machineID = parent.MachineID
		if req.ProjectID == "" {
			req.ProjectID = parent.ProjectID
		}
		if depth > r.cfg.MaxDepth {
			return nil, nil, gerrors.New(gerrors.KindDepthExceeded,
				"agent depth %d exceeds maximum %d", depth, r.cfg.MaxDepth)
		}
	}
	if req.ProjectID == "" {
		return nil, nil, gerrors.ValidationFailed("spawn requires a project")
	}
	proj, err := r.db.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	childSession, err := r.sessions.Register(ctx, &storage.Session{
		ExternalID:      id.NewUUID(),
		MachineID:       machineID,
		Source:          req.Provider,
		ProjectID:       req.ProjectID,
		ParentSessionID: req.ParentSessionID,
		AgentDepth:      depth,
		Status:          storage.SessionStatusActive,
	})
	if err != nil {
		return nil, nil, err
	}
	return childSession, proj, nil
}

func (r *Runner) spawnInProcess(ctx context.Context, req *SpawnRequest, running *RunningAgent) error {
	if r.inProcess == nil {
		return gerrors.ValidationFailed("in_process mode not available: no executor configured")
	}
	go func() {
		status := "completed"
		if err := r.inProcess(context.WithoutCancel(ctx), req, running.SessionID); err != nil {
			status = "failed"
			r.logger.Error("agent: in_process run %s failed: %v", running.RunID, err)
		}
		r.registry.Remove(running.RunID, status)
	}()
	return nil
}

func (r *Runner) spawnHeadless(req *SpawnRequest, running *RunningAgent, workdir string) error {
	name, args := buildCLICommand(req)
	cmd := exec.Command(name, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "GOBBY_PARENT_SESSION_ID="+req.ParentSessionID)

	if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(r.cfg.LogDir, running.RunID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return gerrors.Wrap(gerrors.KindInternal, err, "start headless agent")
	}
	running.PID = cmd.Process.Pid

	go func() {
		defer logFile.Close()
		status := "completed"
		if err := cmd.Wait(); err != nil {
			status = "failed"
			r.logger.Error("agent: headless run %s exited: %v (log: %s)", running.RunID, err, logPath)
		}
		r.registry.Remove(running.RunID, status)
	}()
	return nil
}

func (r *Runner) spawnEmbedded(req *SpawnRequest, running *RunningAgent, workdir string) error {
	name, args := buildCLICommand(req)
	cmd := exec.Command(name, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "GOBBY_PARENT_SESSION_ID="+req.ParentSessionID)

	master, err := pty.Start(cmd)
	if err != nil {
		return gerrors.Wrap(gerrors.KindInternal, err, "start embedded agent pty")
	}
	running.PID = cmd.Process.Pid
	running.PTY = master

	go func() {
		status := "completed"
		if err := cmd.Wait(); err != nil {
			status = "failed"
			r.logger.Error("agent: embedded run %s exited: %v", running.RunID, err)
		}
		master.Close()
		r.registry.Remove(running.RunID, status)
	}()
	return nil
}

// spawnTerminal opens a detached terminal window running the composed CLI
// command. Only the launcher process is observed; the terminal owns the
// agent's lifetime, so the run is reaped by stale cleanup.
func (r *Runner) spawnTerminal(req *SpawnRequest, running *RunningAgent, workdir string) error {
	terminal := req.Terminal
	if terminal == "" {
		terminal = r.cfg.Terminal
	}
	if terminal == "" {
		terminal = "tmux"
	}
	running.TerminalType = terminal

	name, args := buildCLICommand(req)
	command := name
	for _, a := range args {
		command += " " + shellQuote(a)
	}

	var cmd *exec.Cmd
	switch terminal {
	case "tmux":
		cmd = exec.Command("tmux", "new-window", "-c", workdir, command)
	default:
		return gerrors.ValidationFailed("unsupported terminal %q", terminal)
	}
	if err := cmd.Run(); err != nil {
		return gerrors.Wrap(gerrors.KindInternal, err, "launch %s window", terminal)
	}
	return nil
}

// buildCLICommand composes the assistant CLI invocation for a provider.
func buildCLICommand(req *SpawnRequest) (string, []string) {
	prompt := req.Prompt
	if prompt == "" && req.Task != "" {
		prompt = fmt.Sprintf("Work on task %s", req.Task)
	}
	switch req.Provider {
	case "gemini":
		return "gemini", []string{"--prompt", prompt}
	case "codex":
		return "codex", []string{"exec", prompt}
	case "cursor":
		return "cursor-agent", []string{"--print", prompt}
	case "copilot":
		return "copilot", []string{"--prompt", prompt}
	default:
		args := []string{"--print", prompt}
		if req.Agent != "" {
			args = append([]string{"--agents", req.Agent}, args...)
		}
		return "claude", args
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Reap removes agents whose processes have died and agents older than the
// stale timeout. Called periodically by the supervisor.
func (r *Runner) Reap() {
	var dead []int
	for _, running := range r.registry.ListAll() {
		if running.PID == 0 {
			continue
		}
		if err := syscall.Kill(running.PID, 0); err != nil {
			dead = append(dead, running.PID)
		}
	}
	if len(dead) > 0 {
		removed := r.registry.CleanupByPIDs(dead)
		r.logger.Info("agent: reaped %d dead runs", len(removed))
	}
	if stale := r.registry.CleanupStale(r.cfg.StaleTimeout); len(stale) > 0 {
		r.logger.Info("agent: reaped %d stale runs", len(stale))
	}
}

// RunReaper runs Reap on an interval until ctx is cancelled.
func (r *Runner) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}
