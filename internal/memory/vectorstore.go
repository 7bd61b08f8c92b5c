// Package memory stores project facts in SQLite with embeddings in a local
// chromem vector store, and implements the workflow engine's memory port.
package memory

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"gobby/internal/config"
)

// VectorStore indexes memory content by id for similarity recall. The
// SQLite row is the source of truth; the vector side can be rebuilt.
type VectorStore interface {
	Index(ctx context.Context, projectID, memoryID, content string) error
	Search(ctx context.Context, projectID, query string, limit int) ([]string, error)
	Delete(ctx context.Context, projectID, memoryID string) error
}

// ChromemStore persists embeddings on disk, one collection per project.
type ChromemStore struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc
}

// NewChromemStore opens (or creates) the vector database under dir. The
// embedding endpoint is the configured LLM provider's OpenAI-compatible
// embeddings API.
func NewChromemStore(dir string, llmCfg config.LLMConfig) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	embed := chromem.NewEmbeddingFuncOpenAICompat(
		llmCfg.BaseURL, llmCfg.APIKey, "text-embedding-3-small", nil)
	return &ChromemStore{db: db, embed: embed}, nil
}

func (s *ChromemStore) collection(projectID string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection("project-"+projectID, nil, s.embed)
}

// Index embeds and stores one memory's content.
func (s *ChromemStore) Index(ctx context.Context, projectID, memoryID, content string) error {
	col, err := s.collection(projectID)
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, chromem.Document{ID: memoryID, Content: content})
}

// Search returns memory ids most similar to the query, best first.
func (s *ChromemStore) Search(ctx context.Context, projectID, query string, limit int) ([]string, error) {
	col, err := s.collection(projectID)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}
	results, err := col.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Delete removes one memory's embedding.
func (s *ChromemStore) Delete(ctx context.Context, projectID, memoryID string) error {
	col, err := s.collection(projectID)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, memoryID)
}
