package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "gobby/internal/errors"
	"gobby/internal/storage"
)

// fakeGit answers the uncommitted-changes question without a repository.
type fakeGit struct {
	dirty bool
}

func (g fakeGit) HasUncommittedChanges(context.Context, string) (bool, error) {
	return g.dirty, nil
}

func newTestTaskManager(t *testing.T, git GitStatus) *Manager {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(db, git, nil)
}

func createTask(t *testing.T, m *Manager, title, parentRef string) *storage.Task {
	t.Helper()
	created, err := m.Create(context.Background(), &storage.Task{
		ProjectID: "proj-1",
		Title:     title,
	}, parentRef)
	require.NoError(t, err)
	return created
}

func TestCreateAssignsSeqNum(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})

	first := createTask(t, m, "first", "")
	second := createTask(t, m, "second", "")
	assert.Equal(t, 1, first.SeqNum)
	assert.Equal(t, 2, second.SeqNum)
	assert.Equal(t, storage.TaskStatusOpen, first.Status)
}

func TestCreateRequiresTitle(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	_, err := m.Create(context.Background(), &storage.Task{ProjectID: "proj-1"}, "")
	assert.Error(t, err)
}

func TestResolveBySeqRef(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	created := createTask(t, m, "findable", "")

	got, err := m.Resolve(ctx, "#1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = m.Resolve(ctx, "#99", "proj-1")
	assert.True(t, gerrors.IsNotFound(err))

	_, err = m.Resolve(ctx, "#one", "proj-1")
	assert.True(t, gerrors.IsNotFound(err))
}

func TestResolveByUUID(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	created := createTask(t, m, "by uuid", "")

	got, err := m.Resolve(ctx, created.ID, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	// The same UUID scoped to the wrong project is invisible.
	_, err = m.Resolve(ctx, created.ID, "proj-2")
	assert.True(t, gerrors.IsNotFound(err))

	_, err = m.Resolve(ctx, "not-a-reference", "proj-1")
	assert.True(t, gerrors.IsNotFound(err))
}

func TestResolveDottedPath(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	root := createTask(t, m, "root", "")
	childA := createTask(t, m, "child a", "#1")
	createTask(t, m, "child b", "#1")
	grand := createTask(t, m, "grandchild", childA.ID)

	got, err := m.Resolve(ctx, "1.1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, childA.ID, got.ID)

	got, err = m.Resolve(ctx, "1.1.1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, grand.ID, got.ID)

	_, err = m.Resolve(ctx, "1.3", "proj-1")
	assert.True(t, gerrors.IsNotFound(err))

	_ = root
}

func TestCloseRequiresClosedChildren(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	createTask(t, m, "parent", "")
	createTask(t, m, "child", "#1")

	_, err := m.Close(ctx, "#1", "proj-1", CloseOptions{NoCommitNeeded: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed children")

	_, err = m.Close(ctx, "#2", "proj-1", CloseOptions{NoCommitNeeded: true})
	require.NoError(t, err)

	closed, err := m.Close(ctx, "#1", "proj-1", CloseOptions{NoCommitNeeded: true})
	require.NoError(t, err)
	assert.Equal(t, storage.TaskStatusClosed, closed.Status)
}

func TestCloseRequiresCommitsOrAssertion(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	createTask(t, m, "needs commits", "")

	_, err := m.Close(ctx, "#1", "proj-1", CloseOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_commit_needed")

	_, err = m.LinkCommit(ctx, "#1", "proj-1", "abc1234")
	require.NoError(t, err)

	closed, err := m.Close(ctx, "#1", "proj-1", CloseOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.TaskStatusClosed, closed.Status)
}

func TestCloseRejectsDishonestNoCommitNeeded(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{dirty: true})
	ctx := context.Background()

	createTask(t, m, "dirty repo", "")

	_, err := m.Close(ctx, "#1", "proj-1", CloseOptions{
		NoCommitNeeded: true,
		RepoPath:       "/some/repo",
	})
	require.Error(t, err)
	assert.True(t, gerrors.IsKind(err, gerrors.KindUncommittedChanges))
}

func TestLinkCommitDeduplicates(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	createTask(t, m, "commit target", "")

	got, err := m.LinkCommit(ctx, "#1", "proj-1", "abc1234")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc1234"}, got.Commits)

	got, err = m.LinkCommit(ctx, "#1", "proj-1", "abc1234")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc1234"}, got.Commits)
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	createTask(t, m, "a", "")
	createTask(t, m, "b", "")
	createTask(t, m, "c", "")

	require.NoError(t, m.AddDependency(ctx, "#1", "#2", "proj-1", "blocks"))
	require.NoError(t, m.AddDependency(ctx, "#2", "#3", "proj-1", "blocks"))

	err := m.AddDependency(ctx, "#3", "#1", "proj-1", "blocks")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	err = m.AddDependency(ctx, "#1", "#1", "proj-1", "blocks")
	require.Error(t, err)
}

func TestTreeComplete(t *testing.T) {
	m := newTestTaskManager(t, fakeGit{})
	ctx := context.Background()

	createTask(t, m, "root", "")
	createTask(t, m, "leaf", "#1")

	complete, err := m.TreeComplete(ctx, "#1", "proj-1")
	require.NoError(t, err)
	assert.False(t, complete)

	_, err = m.Close(ctx, "#2", "proj-1", CloseOptions{NoCommitNeeded: true})
	require.NoError(t, err)
	_, err = m.Close(ctx, "#1", "proj-1", CloseOptions{NoCommitNeeded: true})
	require.NoError(t, err)

	complete, err = m.TreeComplete(ctx, "#1", "proj-1")
	require.NoError(t, err)
	assert.True(t, complete)
}
