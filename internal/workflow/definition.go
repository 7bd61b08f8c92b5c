package workflow

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	gerrors "gobby/internal/errors"
	"gobby/internal/logging"
)

// Trigger names keyed by hook event.
const (
	TriggerOnSessionStart = "on_session_start"
	TriggerOnSessionEnd   = "on_session_end"
	TriggerOnBeforeAgent  = "on_before_agent"
	TriggerOnAfterAgent   = "on_after_agent"
	TriggerOnBeforeTool   = "on_before_tool"
	TriggerOnAfterTool    = "on_after_tool"
	TriggerOnStop         = "on_stop"
	TriggerOnPreCompact   = "on_pre_compact"
)

// Action is one declarative action invocation. Params carries the
// action-specific fields inline from the YAML mapping.
type Action struct {
	Name       string         `yaml:"action"`
	When       string         `yaml:"when,omitempty"`
	Background bool           `yaml:"background,omitempty"`
	Params     map[string]any `yaml:",inline"`
}

// Rule gates a tool call within a step.
type Rule struct {
	When    string `yaml:"when"`
	Action  string `yaml:"action"`
	Message string `yaml:"message,omitempty"`
}

// Transition moves the instance to another step when its guard holds.
type Transition struct {
	To   string `yaml:"to"`
	When string `yaml:"when,omitempty"`
}

// Step is one state in a workflow's step machine. AllowedTools is either
// the string "all" or a list of tool names.
type Step struct {
	Name          string       `yaml:"name"`
	AllowedTools  yaml.Node    `yaml:"allowed_tools,omitempty"`
	BlockedTools  []string     `yaml:"blocked_tools,omitempty"`
	Rules         []Rule       `yaml:"rules,omitempty"`
	Transitions   []Transition `yaml:"transitions,omitempty"`
	StatusMessage string       `yaml:"status_message,omitempty"`
	OnEnter       []Action     `yaml:"on_enter,omitempty"`
	OnExit        []Action     `yaml:"on_exit,omitempty"`
}

// AllowedToolList returns (list, restricted). restricted is false when the
// step allows all tools, either explicitly or by omission.
func (s *Step) AllowedToolList() ([]string, bool) {
	switch s.AllowedTools.Kind {
	case 0:
		return nil, false
	case yaml.ScalarNode:
		if strings.EqualFold(s.AllowedTools.Value, "all") {
			return nil, false
		}
		return []string{s.AllowedTools.Value}, true
	case yaml.SequenceNode:
		var tools []string
		if err := s.AllowedTools.Decode(&tools); err != nil {
			return nil, false
		}
		return tools, true
	default:
		return nil, false
	}
}

// Definition is one declarative workflow loaded from YAML.
type Definition struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Version     string              `yaml:"version,omitempty"`
	Priority    int                 `yaml:"priority,omitempty"`
	Disabled    bool                `yaml:"disabled,omitempty"`
	Variables   map[string]any      `yaml:"variables,omitempty"`
	Triggers    map[string][]Action `yaml:"triggers,omitempty"`
	Steps       []Step              `yaml:"steps,omitempty"`
}

// FindStep returns the named step, or nil.
func (d *Definition) FindStep(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// InitialStep returns the first declared step name, or "".
func (d *Definition) InitialStep() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].Name
}

// Validate checks internal consistency.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return gerrors.ValidationFailed("workflow definition requires a name")
	}
	steps := map[string]bool{}
	for _, step := range d.Steps {
		if step.Name == "" {
			return gerrors.ValidationFailed("workflow %s: step without a name", d.Name)
		}
		if steps[step.Name] {
			return gerrors.ValidationFailed("workflow %s: duplicate step %q", d.Name, step.Name)
		}
		steps[step.Name] = true
	}
	for _, step := range d.Steps {
		for _, tr := range step.Transitions {
			if !steps[tr.To] {
				return gerrors.ValidationFailed("workflow %s: step %q transitions to unknown step %q",
					d.Name, step.Name, tr.To)
			}
		}
	}
	return nil
}

// Loader reads workflow definitions from a directory of YAML files and
// serves them by name.
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

// Reload re-reads every *.yaml and *.yml file in the directory. Files that
// fail to parse or validate are skipped with a logged error so one bad
// definition cannot take down the rest.
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
			l.logger.Error("workflow: skipping %s: %v", path, err)
			continue
		}
		definitions[def.Name] = def
	}

	l.mu.Lock()
	l.definitions = definitions
	l.mu.Unlock()
	l.logger.Info("workflow: loaded %d definitions from %s", len(definitions), l.dir)
	return nil
}

// Register installs a definition directly, replacing any with the same name.
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
		return nil, gerrors.NotFound("workflow %q not found", name)
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

// LoadDefinitionFile parses and validates one workflow YAML file.
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
