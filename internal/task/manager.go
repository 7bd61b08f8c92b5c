// Package task manages tracked work items: reference resolution, the close
// invariants, and dependency cycle checks.
package task

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/storage"
)

// GitStatus reports whether a repository has uncommitted tracked changes.
// Injectable so the close invariants are testable without a real repo.
type GitStatus interface {
	HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error)
}

// ExecGitStatus shells out to git diff for the answer.
type ExecGitStatus struct{}

func (ExecGitStatus) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "status", "--porcelain", "--untracked-files=no")
	out, err := cmd.Output()
	if err != nil {
		return false, gerrors.Wrap(gerrors.KindInternal, err, "git status in %s", repoPath)
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// Manager wraps task storage with the reference and close rules.
type Manager struct {
	db     *storage.DB
	git    GitStatus
	logger logging.Logger
}

// NewManager constructs a task manager.
func NewManager(db *storage.DB, git GitStatus, logger logging.Logger) *Manager {
	if git == nil {
		git = ExecGitStatus{}
	}
	return &Manager{db: db, git: git, logger: logging.OrNop(logger)}
}

// Create inserts a task, resolving a parent reference if given.
func (m *Manager) Create(ctx context.Context, t *storage.Task, parentRef string) (*storage.Task, error) {
	if t.Title == "" {
		return nil, gerrors.ValidationFailed("task requires a title")
	}
	if parentRef != "" {
		parent, err := m.Resolve(ctx, parentRef, t.ProjectID)
		if err != nil {
			return nil, err
		}
		t.ParentTaskID = parent.ID
	}
	created, err := m.db.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	m.logger.Info("task: created #%d %q in project %s", created.SeqNum, created.Title, created.ProjectID)
	return created, nil
}

// Resolve maps a task reference to its row. Accepted shapes: "#N" by
// seq_num, a dotted path like "1.2.3" walked down the parent chain, or a
// bare UUID. Anything else is not_found.
func (m *Manager) Resolve(ctx context.Context, ref, projectID string) (*storage.Task, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, gerrors.NotFound("empty task reference")

	case strings.HasPrefix(ref, "#"):
		seq, err := strconv.Atoi(ref[1:])
		if err != nil {
			return nil, gerrors.NotFound("task reference %q is not #N", ref)
		}
		return m.db.GetTaskBySeq(ctx, projectID, seq)

	case isDottedPath(ref):
		return m.resolveDotted(ctx, ref, projectID)

	default:
		if _, err := uuid.Parse(ref); err != nil {
			return nil, gerrors.NotFound("unrecognized task reference %q", ref)
		}
		t, err := m.db.GetTask(ctx, ref)
		if err != nil {
			return nil, err
		}
		if projectID != "" && t.ProjectID != projectID {
			return nil, gerrors.NotFound("task %s not in project %s", ref, projectID)
		}
		return t, nil
	}
}

// resolveDotted walks "1.2.3": the first segment is a root seq_num, each
// following segment is a 1-based child index in seq_num order.
func (m *Manager) resolveDotted(ctx context.Context, ref, projectID string) (*storage.Task, error) {
	segments := strings.Split(ref, ".")
	rootSeq, err := strconv.Atoi(segments[0])
	if err != nil {
		return nil, gerrors.NotFound("unrecognized task reference %q", ref)
	}
	current, err := m.db.GetTaskBySeq(ctx, projectID, rootSeq)
	if err != nil {
		return nil, err
	}
	for _, segment := range segments[1:] {
		index, err := strconv.Atoi(segment)
		if err != nil || index < 1 {
			return nil, gerrors.NotFound("unrecognized task reference %q", ref)
		}
		children, err := m.db.ListChildTasks(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		if index > len(children) {
			return nil, gerrors.NotFound("task reference %q: no child %d under #%d", ref, index, current.SeqNum)
		}
		current = children[index-1]
	}
	return current, nil
}

func isDottedPath(ref string) bool {
	if !strings.Contains(ref, ".") {
		return false
	}
	for _, segment := range strings.Split(ref, ".") {
		if segment == "" {
			return false
		}
		for _, r := range segment {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// CloseOptions control the close invariants.
type CloseOptions struct {
	// NoCommitNeeded asserts the task required no code change. Rejected when
	// the repository has uncommitted tracked changes.
	NoCommitNeeded bool
	// RepoPath is the repository to check for uncommitted changes. Empty
	// skips the git check.
	RepoPath string
}

// Close transitions a task to closed, enforcing the close invariants:
// no open children, and either linked commits or an honest no_commit_needed.
func (m *Manager) Close(ctx context.Context, ref, projectID string, opts CloseOptions) (*storage.Task, error) {
	t, err := m.Resolve(ctx, ref, projectID)
	if err != nil {
		return nil, err
	}

	children, err := m.db.ListChildTasks(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	var open []string
	for _, child := range children {
		if child.Status != storage.TaskStatusClosed {
			open = append(open, "#"+strconv.Itoa(child.SeqNum))
		}
	}
	if len(open) > 0 {
		return nil, gerrors.ValidationFailed("task #%d has unclosed children: %s",
			t.SeqNum, strings.Join(open, ", "))
	}

	if len(t.Commits) == 0 {
		if !opts.NoCommitNeeded {
			return nil, gerrors.ValidationFailed(
				"task #%d has no linked commits; pass no_commit_needed=true if none were required", t.SeqNum)
		}
		if opts.RepoPath != "" {
			dirty, err := m.git.HasUncommittedChanges(ctx, opts.RepoPath)
			if err != nil {
				return nil, err
			}
			// Hard block: no_commit_needed is a lie when tracked files changed.
			if dirty {
				return nil, gerrors.New(gerrors.KindUncommittedChanges,
					"task #%d: no_commit_needed=true but tracked files have uncommitted changes", t.SeqNum)
			}
		}
	}

	status := storage.TaskStatusClosed
	if err := m.db.UpdateTask(ctx, t.ID, storage.TaskUpdates{Status: &status}); err != nil {
		return nil, err
	}
	t.Status = status
	m.logger.Info("task: closed #%d %q", t.SeqNum, t.Title)
	return t, nil
}

// Update applies partial updates to a resolved task.
func (m *Manager) Update(ctx context.Context, ref, projectID string, updates storage.TaskUpdates) (*storage.Task, error) {
	t, err := m.Resolve(ctx, ref, projectID)
	if err != nil {
		return nil, err
	}
	if err := m.db.UpdateTask(ctx, t.ID, updates); err != nil {
		return nil, err
	}
	return m.db.GetTask(ctx, t.ID)
}

// LinkCommit appends a commit hash to the task's commit list.
func (m *Manager) LinkCommit(ctx context.Context, ref, projectID, commit string) (*storage.Task, error) {
	t, err := m.Resolve(ctx, ref, projectID)
	if err != nil {
		return nil, err
	}
	for _, existing := range t.Commits {
		if existing == commit {
			return t, nil
		}
	}
	commits := append(t.Commits, commit)
	if err := m.db.UpdateTask(ctx, t.ID, storage.TaskUpdates{Commits: &commits}); err != nil {
		return nil, err
	}
	t.Commits = commits
	return t, nil
}

// List returns tasks for a project, optionally filtered.
func (m *Manager) List(ctx context.Context, projectID, status, parentRef string) ([]*storage.Task, error) {
	parentID := ""
	if parentRef != "" {
		parent, err := m.Resolve(ctx, parentRef, projectID)
		if err != nil {
			return nil, err
		}
		parentID = parent.ID
	}
	return m.db.ListTasks(ctx, projectID, status, parentID)
}

// AddDependency links task -> dependsOn after a cycle check.
func (m *Manager) AddDependency(ctx context.Context, taskRef, dependsOnRef, projectID, depType string) error {
	t, err := m.Resolve(ctx, taskRef, projectID)
	if err != nil {
		return err
	}
	dep, err := m.Resolve(ctx, dependsOnRef, projectID)
	if err != nil {
		return err
	}
	if t.ID == dep.ID {
		return gerrors.ValidationFailed("task #%d cannot depend on itself", t.SeqNum)
	}
	cycle, err := m.wouldCycle(ctx, t.ProjectID, t.ID, dep.ID)
	if err != nil {
		return err
	}
	if cycle {
		return gerrors.ValidationFailed("dependency #%d -> #%d would create a cycle", t.SeqNum, dep.SeqNum)
	}
	return m.db.AddTaskDependency(ctx, t.ID, dep.ID, depType)
}

// wouldCycle reports whether adding taskID -> dependsOnID closes a loop,
// by walking the existing blocks edges from dependsOnID.
func (m *Manager) wouldCycle(ctx context.Context, projectID, taskID, dependsOnID string) (bool, error) {
	deps, err := m.db.ListTaskDependencies(ctx, projectID)
	if err != nil {
		return false, err
	}
	edges := map[string][]string{}
	for _, d := range deps {
		edges[d.TaskID] = append(edges[d.TaskID], d.DependsOnID)
	}

	visited := map[string]bool{}
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		stack = append(stack, edges[current]...)
	}
	return false, nil
}

// TreeComplete reports whether a task and every descendant are closed.
// Exposed to workflow conditions as task_tree_complete.
func (m *Manager) TreeComplete(ctx context.Context, ref, projectID string) (bool, error) {
	root, err := m.Resolve(ctx, ref, projectID)
	if err != nil {
		return false, err
	}
	stack := []*storage.Task{root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current.Status != storage.TaskStatusClosed {
			return false, nil
		}
		children, err := m.db.ListChildTasks(ctx, current.ID)
		if err != nil {
			return false, err
		}
		stack = append(stack, children...)
	}
	return true, nil
}
