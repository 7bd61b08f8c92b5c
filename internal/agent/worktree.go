package agent

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	gerrors "gobby/internal/errors"
	"gobby/internal/project"
	"gobby/internal/storage"
)

// Isolation modes for spawned agents.
const (
	IsolationNone     = ""
	IsolationWorktree = "worktree"
	IsolationClone    = "clone"
)

// isolationResult describes the working copy prepared for a child agent.
type isolationResult struct {
	Path       string
	Branch     string
	WorktreeID string
}

// prepareIsolation creates a git worktree or clone for the child run and
// records it. The new directory receives a project sidecar pointing back at
// the parent repo; an existing sidecar is left alone.
func (r *Runner) prepareIsolation(ctx context.Context, proj *storage.Project, runID, isolation, baseBranch string) (*isolationResult, error) {
	if isolation == IsolationNone {
		return &isolationResult{Path: proj.RepoPath}, nil
	}

	branch := "gobby/" + runID
	target := filepath.Join(r.worktreeDir, runID)

	switch isolation {
	case IsolationWorktree:
		args := []string{"-C", proj.RepoPath, "worktree", "add", "-b", branch, target}
		if baseBranch != "" {
			args = append(args, baseBranch)
		}
		if out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput(); err != nil {
			return nil, gerrors.Wrap(gerrors.KindInternal, err,
				"git worktree add: %s", strings.TrimSpace(string(out)))
		}

	case IsolationClone:
		if out, err := exec.CommandContext(ctx, "git", "clone", proj.RepoPath, target).CombinedOutput(); err != nil {
			return nil, gerrors.Wrap(gerrors.KindInternal, err,
				"git clone: %s", strings.TrimSpace(string(out)))
		}
		checkout := branch
		if baseBranch != "" {
			checkout = fmt.Sprintf("%s %s", branch, baseBranch)
		}
		args := append([]string{"-C", target, "checkout", "-b"}, strings.Fields(checkout)...)
		if out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput(); err != nil {
			return nil, gerrors.Wrap(gerrors.KindInternal, err,
				"git checkout: %s", strings.TrimSpace(string(out)))
		}

	default:
		return nil, gerrors.ValidationFailed("unknown isolation mode %q", isolation)
	}

	if err := project.WriteSidecar(target, &project.Sidecar{
		ID:                proj.ID,
		Name:              proj.Name,
		ParentProjectPath: proj.RepoPath,
	}); err != nil {
		r.logger.Error("agent: write worktree sidecar for %s: %v", target, err)
	}

	wt := &storage.Worktree{ProjectID: proj.ID, Path: target, Branch: branch, AgentRunID: runID}
	if err := r.db.InsertWorktree(ctx, wt); err != nil {
		return nil, err
	}
	return &isolationResult{Path: target, Branch: branch, WorktreeID: wt.ID}, nil
}
