package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/storage"
)

type fakeLLM struct {
	reply string
	err   error
}

func (f fakeLLM) Complete(context.Context, string, string) (string, error) {
	return f.reply, f.err
}

func newTestService(t *testing.T, llm LLMClient) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, nil, llm, config.MemoryConfig{Enabled: true}, nil), db
}

func TestSaveDeduplicates(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	saved, err := s.Save(ctx, &storage.Memory{
		ProjectID: "proj-1", Content: "the project uses sqlite", MemoryType: "fact",
	})
	require.NoError(t, err)
	assert.True(t, saved)

	// Identical content, even with surrounding whitespace, is a no-op.
	saved, err = s.Save(ctx, &storage.Memory{
		ProjectID: "proj-1", Content: "  the project uses sqlite  ", MemoryType: "fact",
	})
	require.NoError(t, err)
	assert.False(t, saved)

	// The same content under another project is a distinct memory.
	saved, err = s.Save(ctx, &storage.Memory{
		ProjectID: "proj-2", Content: "the project uses sqlite", MemoryType: "fact",
	})
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestSaveRejectsEmptyContent(t *testing.T) {
	s, _ := newTestService(t, nil)
	_, err := s.Save(context.Background(), &storage.Memory{ProjectID: "p", Content: "   "})
	assert.Error(t, err)
}

func TestRecallFallsBackToRecency(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, content := range []string{"first fact", "second fact", "third fact"} {
		_, err := s.Save(ctx, &storage.Memory{ProjectID: "proj-1", Content: content})
		require.NoError(t, err)
	}

	got, err := s.RecallRelevant(ctx, "proj-1", "anything", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestProjectContext(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	text, err := s.ProjectContext(ctx, "proj-1")
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = s.Save(ctx, &storage.Memory{ProjectID: "proj-1", Content: "tests run with testify"})
	require.NoError(t, err)

	text, err = s.ProjectContext(ctx, "proj-1")
	require.NoError(t, err)
	assert.Contains(t, text, "## Project memory")
	assert.Contains(t, text, "- tests run with testify")
}

func TestExtractFromSession(t *testing.T) {
	s, db := newTestService(t, fakeLLM{reply: `["uses conventional commits","CI runs on push"]`})
	ctx := context.Background()

	require.NoError(t, db.InsertMessage(ctx, &storage.Message{
		SessionID: "sess-1", Role: "user", Content: "set up CI please",
	}))

	saved, err := s.ExtractFromSession(ctx, "sess-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	memories, err := db.ListMemories(ctx, "proj-1", 10)
	require.NoError(t, err)
	assert.Len(t, memories, 2)
}

func TestExtractFallsBackToRawPrompts(t *testing.T) {
	s, db := newTestService(t, fakeLLM{reply: "not json at all"})
	ctx := context.Background()

	require.NoError(t, db.InsertMessage(ctx, &storage.Message{
		SessionID: "sess-2", Role: "user", Content: "remember the deploy steps",
	}))
	require.NoError(t, db.InsertMessage(ctx, &storage.Message{
		SessionID: "sess-2", Role: "assistant", Content: "done",
	}))

	saved, err := s.ExtractFromSession(ctx, "sess-2", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	memories, err := db.ListMemories(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "remember the deploy steps", memories[0].Content)
}

func TestSyncImportExport(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("fact a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("fact b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644))

	imported, err := s.SyncImport(ctx, "proj-1", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	// Re-importing the same files is fully deduplicated.
	imported, err = s.SyncImport(ctx, "proj-1", dir)
	require.NoError(t, err)
	assert.Equal(t, 0, imported)

	outDir := filepath.Join(t.TempDir(), "export")
	exported, err := s.SyncExport(ctx, "proj-1", outDir)
	require.NoError(t, err)
	assert.Equal(t, 2, exported)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
