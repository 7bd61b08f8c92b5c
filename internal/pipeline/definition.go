// Package pipeline executes declarative step DAGs with approval gates,
// shell/LLM/sub-pipeline steps and completion webhooks.
package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
)

// Approval gates a step on an out-of-band decision.
type Approval struct {
	Required bool   `yaml:"required"`
	Message  string `yaml:"message,omitempty"`
}

// Step is one pipeline step. Exactly one of Exec, Prompt, InvokePipeline
// is set.
type Step struct {
	ID             string         `yaml:"id"`
	Exec           string         `yaml:"exec,omitempty"`
	Prompt         string         `yaml:"prompt,omitempty"`
	InvokePipeline string         `yaml:"invoke_pipeline,omitempty"`
	Tools          []string       `yaml:"tools,omitempty"`
	Input          map[string]any `yaml:"input,omitempty"`
	Condition      string         `yaml:"condition,omitempty"`
	Approval       *Approval      `yaml:"approval,omitempty"`
}

// NeedsApproval reports whether the step carries an approval gate.
func (s *Step) NeedsApproval() bool {
	return s.Approval != nil && s.Approval.Required
}

// Endpoint is one webhook target with its retry policy.
type Endpoint struct {
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
	RetryCount int               `yaml:"retry_count,omitempty"`
	RetryDelay time.Duration     `yaml:"retry_delay,omitempty"`
}

// WebhookSet groups the lifecycle webhook endpoints.
type WebhookSet struct {
	OnComplete        []Endpoint `yaml:"on_complete,omitempty"`
	OnFailure         []Endpoint `yaml:"on_failure,omitempty"`
	OnApprovalPending []Endpoint `yaml:"on_approval_pending,omitempty"`
}

// Definition is one declared pipeline.
type Definition struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type,omitempty"`
	Version  string            `yaml:"version,omitempty"`
	Inputs   map[string]any    `yaml:"inputs,omitempty"`
	Outputs  map[string]string `yaml:"outputs,omitempty"`
	Steps    []Step            `yaml:"steps,omitempty"`
	Webhooks *WebhookSet       `yaml:"webhooks,omitempty"`
}

// Validate checks step uniqueness and the one-body-per-step rule.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return gerrors.ValidationFailed("pipeline definition requires a name")
	}
	seen := map[string]bool{}
	for _, step := range d.Steps {
		if step.ID == "" {
			return gerrors.ValidationFailed("pipeline %s: step without an id", d.Name)
		}
		if seen[step.ID] {
			return gerrors.ValidationFailed("pipeline %s: duplicate step id %q", d.Name, step.ID)
		}
		seen[step.ID] = true

		bodies := 0
		if step.Exec != "" {
			bodies++
		}
		if step.Prompt != "" {
			bodies++
		}
		if step.InvokePipeline != "" {
			bodies++
		}
		if bodies != 1 {
			return gerrors.ValidationFailed(
				"pipeline %s: step %q must have exactly one of exec, prompt, invoke_pipeline", d.Name, step.ID)
		}
	}
	return nil
}

// FindStep returns the step with the given id, or nil.
func (d *Definition) FindStep(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the position of a step id, or -1.
func (d *Definition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Loader serves pipeline definitions from a YAML directory.
type Loader struct {
	dir    string
	logger logging.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewLoader constructs a loader for dir. Call Reload before use.
func NewLoader(dir string, logger logging.Logger) *Loader {
	return &Loader{
		dir:         dir,
		logger:      logging.OrNop(logger),
		definitions: map[string]*Definition{},
	}
}

// Reload re-reads every YAML file in the directory, skipping files that
// fail to parse or validate.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	definitions := map[string]*Definition{}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		def, err := LoadDefinitionFile(path)
		if err != nil {
			l.logger.Error("pipeline: skipping %s: %v", path, err)
			continue
		}
		definitions[def.Name] = def
	}

	l.mu.Lock()
	l.definitions = definitions
	l.mu.Unlock()
	l.logger.Info("pipeline: loaded %d definitions from %s", len(definitions), l.dir)
	return nil
}

// Register installs a definition directly.
func (l *Loader) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.definitions[def.Name] = def
	l.mu.Unlock()
	return nil
}

// Get returns the named definition.
func (l *Loader) Get(name string) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.definitions[name]
	if !ok {
		return nil, gerrors.NotFound("pipeline %q not found", name)
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (l *Loader) List() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.definitions))
	for _, def := range l.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDefinitionFile parses and validates one pipeline YAML file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def := &Definition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, gerrors.Wrap(gerrors.KindValidationFailed, err, "parse %s", filepath.Base(path))
	}
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
