package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(db, nil)
}

func newRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755))
	return repo
}

func TestRegisterIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	repo := newRepo(t)

	first, err := m.Register(ctx, repo, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", first.Name)

	// The sidecar pins the identity.
	sc, err := ReadSidecar(repo)
	require.NoError(t, err)
	assert.Equal(t, first.ID, sc.ID)

	second, err := m.Register(ctx, repo, "renamed")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "demo", second.Name)
}

func TestRegisterRecreatesRowFromSidecar(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	old := newTestManager(t)
	original, err := old.Register(ctx, repo, "demo")
	require.NoError(t, err)

	// A fresh database with the same repo keeps the sidecar's identity.
	fresh := newTestManager(t)
	recreated, err := fresh.Register(ctx, repo, "")
	require.NoError(t, err)
	assert.Equal(t, original.ID, recreated.ID)
}

func TestRegisterDefaultsNameToBase(t *testing.T) {
	m := newTestManager(t)
	repo := newRepo(t)

	p, err := m.Register(context.Background(), repo, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(repo), p.Name)
}

func TestResolveWalksToRoot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	repo := newRepo(t)
	nested := filepath.Join(repo, "internal", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	// First resolve registers the project on the fly.
	p, err := m.Resolve(ctx, nested)
	require.NoError(t, err)
	assert.Equal(t, repo, p.RepoPath)

	again, err := m.Resolve(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
}

func TestFindRootPrefersSidecar(t *testing.T) {
	repo := newRepo(t)
	worktree := filepath.Join(repo, "worktrees", "wt-1")
	require.NoError(t, os.MkdirAll(worktree, 0o755))
	require.NoError(t, WriteSidecar(worktree, &Sidecar{ID: "wt-id", Name: "wt"}))

	root, err := FindRoot(filepath.Join(worktree))
	require.NoError(t, err)
	assert.Equal(t, worktree, root)

	root, err = FindRoot(filepath.Join(repo, "worktrees"))
	require.NoError(t, err)
	assert.Equal(t, repo, root)
}

func TestFindRootFallsBackToStart(t *testing.T) {
	dir := t.TempDir()
	root, err := FindRoot(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}

func TestWriteSidecarDoesNotClobber(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSidecar(dir, &Sidecar{ID: "first", Name: "a"}))
	require.NoError(t, WriteSidecar(dir, &Sidecar{ID: "second", Name: "b"}))

	sc, err := ReadSidecar(dir)
	require.NoError(t, err)
	assert.Equal(t, "first", sc.ID)
}

func TestReadSidecarRejectsMissingID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, SidecarDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SidecarDir, SidecarFile),
		[]byte(`{"name":"anonymous"}`), 0o644))

	_, err := ReadSidecar(dir)
	assert.Error(t, err)
}
