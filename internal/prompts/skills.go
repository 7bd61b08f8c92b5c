package prompts

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SuggestionThreshold is the minimum trigger match score for a skill to be
// suggested on a user prompt.
const SuggestionThreshold = 0.7

const skillPrefix = "skills/"

// gobbyCommand matches the /gobby prompt command: "/gobby", "/gobby:name"
// or "/gobby:name args".
var gobbyCommand = regexp.MustCompile(`^/gobby(?::([A-Za-z0-9_-]+))?(?:\s+(.*))?$`)

// ParseCommand extracts the skill name and arguments from a /gobby prompt.
// ok is false when the prompt is not a /gobby command at all.
func ParseCommand(prompt string) (skill, args string, ok bool) {
	m := gobbyCommand.FindStringSubmatch(strings.TrimSpace(prompt))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Skill returns the named skill's content, with {{ args }} replaced.
func (l *Loader) Skill(ctx context.Context, name, args, projectID string) (string, error) {
	p, err := l.Get(ctx, skillPrefix+name, projectID)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(p.Content, "{{ args }}", args), nil
}

// Help renders the skill index shown for a bare /gobby command.
func (l *Loader) Help(ctx context.Context, projectID string) (string, error) {
	all, err := l.List(ctx, projectID)
	if err != nil {
		return "", err
	}
	seen := map[string]bool{}
	var lines []string
	for _, p := range all {
		if !strings.HasPrefix(p.Path, skillPrefix) || seen[p.Path] {
			continue
		}
		seen[p.Path] = true
		name := strings.TrimPrefix(p.Path, skillPrefix)
		desc := p.Description
		if desc == "" {
			desc = p.Name
		}
		lines = append(lines, fmt.Sprintf("- /gobby:%s %s", name, desc))
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return "No skills installed.", nil
	}
	return "Available skills:\n" + strings.Join(lines, "\n"), nil
}

// Suggestion is a skill whose trigger words match a user prompt.
type Suggestion struct {
	Skill string
	Score float64
}

// Suggest scores every skill's trigger words against the prompt and returns
// those at or above SuggestionThreshold, best first. A skill with no
// triggers is never suggested.
func (l *Loader) Suggest(ctx context.Context, prompt, projectID string) ([]Suggestion, error) {
	all, err := l.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	lowered := strings.ToLower(prompt)

	best := map[string]float64{}
	for _, p := range all {
		if !strings.HasPrefix(p.Path, skillPrefix) || p.Variables == "" {
			continue
		}
		var triggers []string
		if err := yaml.Unmarshal([]byte(p.Variables), &triggers); err != nil || len(triggers) == 0 {
			continue
		}
		matched := 0
		for _, t := range triggers {
			if strings.Contains(lowered, strings.ToLower(t)) {
				matched++
			}
		}
		score := float64(matched) / float64(len(triggers))
		name := strings.TrimPrefix(p.Path, skillPrefix)
		if score > best[name] {
			best[name] = score
		}
	}

	var out []Suggestion
	for name, score := range best {
		if score >= SuggestionThreshold {
			out = append(out, Suggestion{Skill: name, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Skill < out[j].Skill
	})
	return out, nil
}
