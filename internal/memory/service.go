package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gobby/internal/config"
	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/storage"
)

// LLMClient is the completion port used for fact extraction.
type LLMClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const extractSystemPrompt = `You extract durable facts from a coding session
transcript. Return a JSON array of short, self-contained fact strings about
the project, its conventions, and decisions made. Return [] when nothing is
worth keeping.`

// Service is the memory subsystem. All operations no-op (or return empty)
// when the subsystem is disabled in config.
type Service struct {
	db      *storage.DB
	vectors VectorStore
	llm     LLMClient
	cfg     config.MemoryConfig
	logger  logging.Logger
}

// NewService constructs the service. vectors and llm may be nil; recall then
// degrades to recency order and extraction to simple storage.
func NewService(db *storage.DB, vectors VectorStore, llm LLMClient, cfg config.MemoryConfig, logger logging.Logger) *Service {
	return &Service{
		db:      db,
		vectors: vectors,
		llm:     llm,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
	}
}

// Enabled reports whether memory actions should run.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Save stores a memory unless identical content already exists for the
// project. Returns whether a row was written.
func (s *Service) Save(ctx context.Context, mem *storage.Memory) (bool, error) {
	content := strings.TrimSpace(mem.Content)
	if content == "" {
		return false, gerrors.ValidationFailed("memory content required")
	}
	mem.Content = content

	exists, err := s.db.MemoryContentExists(ctx, mem.ProjectID, content)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.db.InsertMemory(ctx, mem); err != nil {
		return false, err
	}
	if s.vectors != nil {
		if err := s.vectors.Index(ctx, mem.ProjectID, mem.ID, content); err != nil {
			// The SQLite row is the source of truth; a missing embedding
			// only degrades recall.
			s.logger.Error("memory: index %s: %v", mem.ID, err)
		}
	}
	return true, nil
}

// RecallRelevant returns the memories most similar to query. Without a
// vector store (or on search failure) it falls back to the newest rows.
func (s *Service) RecallRelevant(ctx context.Context, projectID, query string, limit int) ([]*storage.Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	if s.vectors != nil && query != "" {
		ids, err := s.vectors.Search(ctx, projectID, query, limit)
		if err != nil {
			s.logger.Error("memory: vector search: %v", err)
		} else if len(ids) > 0 {
			var out []*storage.Memory
			for _, memID := range ids {
				m, err := s.db.GetMemory(ctx, memID)
				if err != nil {
					continue
				}
				out = append(out, m)
			}
			return out, nil
		}
	}
	return s.db.ListMemories(ctx, projectID, limit)
}

// ProjectContext renders recent memories as a markdown block for injection.
func (s *Service) ProjectContext(ctx context.Context, projectID string) (string, error) {
	memories, err := s.db.ListMemories(ctx, projectID, 10)
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("## Project memory\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return b.String(), nil
}

// ExtractFromSession mines the session's recorded messages for facts via the
// LLM. When extraction fails the raw user prompts are stored instead, so a
// flaky LLM never loses the session entirely.
func (s *Service) ExtractFromSession(ctx context.Context, sessionID, projectID string) (int, error) {
	messages, err := s.db.ListMessages(ctx, sessionID, 50)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	facts := s.extractFacts(ctx, messages)
	if len(facts) == 0 {
		facts = rawUserContent(messages)
	}

	saved := 0
	for _, fact := range facts {
		ok, err := s.Save(ctx, &storage.Memory{
			ProjectID:       projectID,
			Content:         fact,
			MemoryType:      "fact",
			SourceType:      "session",
			SourceSessionID: sessionID,
		})
		if err != nil {
			return saved, err
		}
		if ok {
			saved++
		}
	}
	return saved, nil
}

func (s *Service) extractFacts(ctx context.Context, messages []*storage.Message) []string {
	if s.llm == nil {
		return nil
	}
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	raw, err := s.llm.Complete(ctx, extractSystemPrompt, transcript.String())
	if err != nil {
		s.logger.Error("memory: fact extraction: %v", err)
		return nil
	}
	var facts []string
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		s.logger.Debug("memory: extraction returned non-JSON, ignoring")
		return nil
	}
	return facts
}

func rawUserContent(messages []*storage.Message) []string {
	var out []string
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			out = append(out, strings.TrimSpace(m.Content))
		}
	}
	return out
}

// SyncImport reads every .md file under dir into project memory, one memory
// per file, deduplicated on content.
func (s *Service) SyncImport(ctx context.Context, projectID, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return imported, err
		}
		ok, err := s.Save(ctx, &storage.Memory{
			ProjectID:  projectID,
			Content:    strings.TrimSpace(string(raw)),
			MemoryType: "fact",
			SourceType: "import",
		})
		if err != nil {
			return imported, err
		}
		if ok {
			imported++
		}
	}
	return imported, nil
}

// SyncExport writes each memory to dir as a markdown file named by id.
func (s *Service) SyncExport(ctx context.Context, projectID, dir string) (int, error) {
	memories, err := s.db.ListMemories(ctx, projectID, 0)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	for i, m := range memories {
		path := filepath.Join(dir, m.ID+".md")
		if err := os.WriteFile(path, []byte(m.Content+"\n"), 0o644); err != nil {
			return i, err
		}
	}
	return len(memories), nil
}
