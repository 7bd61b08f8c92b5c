// Package project resolves repository roots to project rows and maintains
// the per-repo .gobby/project.json sidecar.
package project

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/storage"
)

const (
	// SidecarDir is the per-repo state directory.
	SidecarDir = ".gobby"
	// SidecarFile is the project identity file inside SidecarDir.
	SidecarFile = "project.json"
)

// Sidecar is the on-disk project identity. ParentProjectPath is set on
// worktree copies so child workflows can locate the parent repo.
type Sidecar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ParentProjectPath string `json:"parent_project_path,omitempty"`
}

// Manager registers and resolves projects.
type Manager struct {
	db     *storage.DB
	logger logging.Logger
}

// NewManager constructs a project manager.
func NewManager(db *storage.DB, logger logging.Logger) *Manager {
	return &Manager{db: db, logger: logging.OrNop(logger)}
}

// Register ensures a project exists for repoPath and that its sidecar is
// written. Idempotent: a second call returns the same row and leaves an
// existing sidecar untouched.
func (m *Manager) Register(ctx context.Context, repoPath, name string) (*storage.Project, error) {
	repoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, gerrors.ValidationFailed("resolve repo path: %v", err)
	}
	if name == "" {
		name = filepath.Base(repoPath)
	}

	// An existing sidecar pins the project identity even if the DB row is
	// gone (fresh database, same repo).
	if sc, err := ReadSidecar(repoPath); err == nil {
		if p, err := m.db.GetProject(ctx, sc.ID); err == nil {
			return p, nil
		}
		p, err := m.db.CreateProject(ctx, &storage.Project{ID: sc.ID, Name: sc.Name, RepoPath: repoPath})
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	p, err := m.db.CreateProject(ctx, &storage.Project{Name: name, RepoPath: repoPath})
	if err != nil {
		return nil, err
	}
	if err := WriteSidecar(repoPath, &Sidecar{ID: p.ID, Name: p.Name}); err != nil {
		m.logger.Error("project: write sidecar for %s: %v", repoPath, err)
	}
	m.logger.Info("project: registered %s (%s)", p.Name, p.ID)
	return p, nil
}

// Resolve maps a working directory to its project, walking up to the
// repository root. A directory with no project yet is registered on the fly.
func (m *Manager) Resolve(ctx context.Context, cwd string) (*storage.Project, error) {
	root, err := FindRoot(cwd)
	if err != nil {
		return nil, err
	}
	if sc, scErr := ReadSidecar(root); scErr == nil {
		if p, err := m.db.GetProject(ctx, sc.ID); err == nil {
			return p, nil
		}
	}
	if p, err := m.db.GetProjectByPath(ctx, root); err == nil {
		return p, nil
	}
	return m.Register(ctx, root, "")
}

// Get returns a project by id.
func (m *Manager) Get(ctx context.Context, projectID string) (*storage.Project, error) {
	return m.db.GetProject(ctx, projectID)
}

// List returns all registered projects.
func (m *Manager) List(ctx context.Context) ([]*storage.Project, error) {
	return m.db.ListProjects(ctx)
}

// FindRoot walks up from dir looking for a .gobby sidecar or a .git entry.
// The sidecar wins so worktrees with their own sidecar resolve to themselves.
func FindRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", gerrors.ValidationFailed("resolve cwd: %v", err)
	}
	for current := dir; ; {
		if fileExists(filepath.Join(current, SidecarDir, SidecarFile)) {
			return current, nil
		}
		if pathExists(filepath.Join(current, ".git")) {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return dir, nil
		}
		current = parent
	}
}

// ReadSidecar loads <root>/.gobby/project.json.
func ReadSidecar(root string) (*Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(root, SidecarDir, SidecarFile))
	if err != nil {
		return nil, err
	}
	sc := &Sidecar{}
	if err := json.Unmarshal(data, sc); err != nil {
		return nil, gerrors.Wrap(gerrors.KindInternal, err, "parse project sidecar")
	}
	if sc.ID == "" {
		return nil, gerrors.ValidationFailed("project sidecar missing id")
	}
	return sc, nil
}

// WriteSidecar writes the sidecar unless one already exists. Worktree setup
// relies on this: an inherited sidecar is never clobbered.
func WriteSidecar(root string, sc *Sidecar) error {
	path := filepath.Join(root, SidecarDir, SidecarFile)
	if fileExists(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
