package prompts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/storage"
)

func newTestLoader(t *testing.T) (*Loader, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	loader, err := NewLoader(db, nil)
	require.NoError(t, err)
	return loader, db
}

func seedPrompt(t *testing.T, db *storage.DB, path, tier, projectID, content string) {
	t.Helper()
	err := db.UpsertPrompt(context.Background(), &storage.Prompt{
		Path:      path,
		Tier:      tier,
		ProjectID: projectID,
		Content:   content,
	})
	require.NoError(t, err)
}

func TestGetTierPrecedence(t *testing.T) {
	loader, db := newTestLoader(t)
	ctx := context.Background()

	seedPrompt(t, db, "review", storage.PromptTierBundled, "", "bundled body")
	p, err := loader.Get(ctx, "review", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "bundled body", p.Content)

	seedPrompt(t, db, "review", storage.PromptTierUser, "", "user body")
	loader.cache.Purge()
	p, err = loader.Get(ctx, "review", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "user body", p.Content)

	seedPrompt(t, db, "review", storage.PromptTierProject, "proj-1", "project body")
	loader.cache.Purge()
	p, err = loader.Get(ctx, "review", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "project body", p.Content)

	// Another project still resolves to the user tier.
	p, err = loader.Get(ctx, "review", "proj-2")
	require.NoError(t, err)
	assert.Equal(t, "user body", p.Content)
}

func TestGetNotFound(t *testing.T) {
	loader, _ := newTestLoader(t)
	_, err := loader.Get(context.Background(), "missing", "")
	assert.Error(t, err)
}

func TestSyncDir(t *testing.T) {
	loader, _ := newTestLoader(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "skills"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skills", "commit.md"), []byte(`---
name: Commit helper
description: Writes a conventional commit message
triggers:
  - commit
  - "commit message"
---
Write a commit message for {{ args }}.`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.md"),
		[]byte("No frontmatter here."), 0o644))

	require.NoError(t, loader.SyncDir(ctx, dir, storage.PromptTierUser, ""))

	p, err := loader.Get(ctx, "skills/commit", "")
	require.NoError(t, err)
	assert.Equal(t, "Commit helper", p.Name)
	assert.Equal(t, "Writes a conventional commit message", p.Description)
	assert.Contains(t, p.Variables, "commit message")
	assert.Equal(t, "Write a commit message for {{ args }}.", p.Content)

	p, err = loader.Get(ctx, "plain", "")
	require.NoError(t, err)
	assert.Equal(t, "No frontmatter here.", p.Content)
}

func TestSyncDirMissingDirIsNoop(t *testing.T) {
	loader, _ := newTestLoader(t)
	err := loader.SyncDir(context.Background(), filepath.Join(t.TempDir(), "absent"),
		storage.PromptTierBundled, "")
	assert.NoError(t, err)
}

func TestSyncDirRejectsUnknownTier(t *testing.T) {
	loader, _ := newTestLoader(t)
	err := loader.SyncDir(context.Background(), t.TempDir(), "global", "")
	assert.Error(t, err)
}

func TestSplitFrontmatter(t *testing.T) {
	meta, body := splitFrontmatter("---\nname: X\n---\nbody text")
	assert.Equal(t, "X", meta.Name)
	assert.Equal(t, "body text", body)

	meta, body = splitFrontmatter("just markdown")
	assert.Empty(t, meta.Name)
	assert.Equal(t, "just markdown", body)

	// Unterminated frontmatter falls through as body.
	_, body = splitFrontmatter("---\nname: X\nno terminator")
	assert.Contains(t, body, "name: X")
}
