// Package prompts stores and resolves prompt templates and skills across
// three tiers. Project-tier rows shadow user-tier rows, which shadow the
// bundled defaults.
package prompts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
	"gobby/internal/storage"
)

const cacheSize = 256

var tierRank = map[string]int{
	storage.PromptTierBundled: 0,
	storage.PromptTierUser:    1,
	storage.PromptTierProject: 2,
}

// frontmatter is the optional YAML header of a prompt markdown file.
type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Triggers    []string `yaml:"triggers"`
}

// Loader resolves prompts by path with tier precedence. Resolutions are
// cached per (path, project) and invalidated wholesale on sync.
type Loader struct {
	db     *storage.DB
	cache  *lru.Cache[string, *storage.Prompt]
	logger logging.Logger
}

// NewLoader constructs a loader.
func NewLoader(db *storage.DB, logger logging.Logger) (*Loader, error) {
	cache, err := lru.New[string, *storage.Prompt](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Loader{db: db, cache: cache, logger: logging.OrNop(logger)}, nil
}

// Get resolves a prompt path for a project, preferring project over user
// over bundled rows.
func (l *Loader) Get(ctx context.Context, path, projectID string) (*storage.Prompt, error) {
	key := projectID + "\x00" + path
	if p, ok := l.cache.Get(key); ok {
		return p, nil
	}

	rows, err := l.db.FindPrompts(ctx, path, projectID)
	if err != nil {
		return nil, err
	}
	var best *storage.Prompt
	for _, p := range rows {
		if best == nil || tierRank[p.Tier] > tierRank[best.Tier] {
			best = p
		}
	}
	if best == nil {
		return nil, gerrors.NotFound("prompt %q not found", path)
	}
	l.cache.Add(key, best)
	return best, nil
}

// List returns all prompts visible to a project, one row per tier.
func (l *Loader) List(ctx context.Context, projectID string) ([]*storage.Prompt, error) {
	return l.db.ListPrompts(ctx, projectID)
}

// SyncDir imports every .md file under dir into the given tier. The file's
// path relative to dir, without extension, becomes the prompt path. An
// optional YAML frontmatter block supplies name, description, category and
// trigger words.
func (l *Loader) SyncDir(ctx context.Context, dir, tier, projectID string) error {
	if _, ok := tierRank[tier]; !ok {
		return gerrors.ValidationFailed("unknown prompt tier %q", tier)
	}
	count := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		promptPath := strings.TrimSuffix(filepath.ToSlash(rel), ".md")

		meta, body := splitFrontmatter(string(raw))
		triggers, _ := yaml.Marshal(meta.Triggers)
		p := &storage.Prompt{
			Path:        promptPath,
			Tier:        tier,
			ProjectID:   projectID,
			Name:        meta.Name,
			Description: meta.Description,
			Category:    meta.Category,
			Content:     body,
			Variables:   strings.TrimSpace(string(triggers)),
			SourceFile:  path,
		}
		if err := l.db.UpsertPrompt(ctx, p); err != nil {
			return fmt.Errorf("sync %s: %w", promptPath, err)
		}
		count++
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	l.cache.Purge()
	l.logger.Info("prompts: synced %d files from %s (%s tier)", count, dir, tier)
	return nil
}

// splitFrontmatter separates an optional leading "---" YAML block from the
// markdown body. Malformed frontmatter is treated as body text.
func splitFrontmatter(raw string) (frontmatter, string) {
	var meta frontmatter
	if !strings.HasPrefix(raw, "---\n") {
		return meta, strings.TrimSpace(raw)
	}
	rest := raw[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, strings.TrimSpace(raw)
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return frontmatter{}, strings.TrimSpace(raw)
	}
	body := rest[end+4:]
	return meta, strings.TrimSpace(body)
}
