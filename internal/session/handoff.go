package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	gerrors "gobby/internal/errors"
	"gobby/internal/storage"
)

// HandoffContext is the distilled state of a session, extracted from its
// transcript for injection into the successor session.
type HandoffContext struct {
	InitialGoal    string   `json:"initial_goal,omitempty"`
	ActiveTask     string   `json:"active_task,omitempty"`
	TodoState      []string `json:"todo_state,omitempty"`
	FilesModified  []string `json:"files_modified,omitempty"`
	GitStatus      string   `json:"git_status,omitempty"`
	RecentCommits  []string `json:"recent_commits,omitempty"`
	RecentActivity []string `json:"recent_activity,omitempty"`
}

// transcriptLine is the subset of a CLI transcript JSONL record we read.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	ToolUse struct {
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"tool_use"`
}

const (
	maxRecentActivity = 10
	maxTranscriptLine = 1 << 20
)

// ExtractHandoffContext parses the session's JSONL transcript and the
// repository state into a HandoffContext.
func (m *Manager) ExtractHandoffContext(ctx context.Context, s *storage.Session, repoPath string) (*HandoffContext, error) {
	hc := &HandoffContext{}
	if s.JSONLPath != "" {
		if err := parseTranscript(s.JSONLPath, hc); err != nil {
			m.logger.Error("session: parse transcript %s: %v", s.JSONLPath, err)
		}
	}
	if repoPath != "" {
		fillGitState(ctx, repoPath, hc)
	}
	return hc, nil
}

// SaveHandoff extracts, renders and stores the handoff markdown in
// session.compact_markdown, returning the rendered markdown.
func (m *Manager) SaveHandoff(ctx context.Context, sessionID, repoPath string) (string, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	hc, err := m.ExtractHandoffContext(ctx, s, repoPath)
	if err != nil {
		return "", err
	}
	markdown := hc.Markdown()
	if markdown == "" {
		return "", gerrors.NotFound("session %s has no extractable handoff context", sessionID)
	}
	if err := m.UpdateFields(ctx, sessionID, storage.SessionFieldUpdates{
		CompactMarkdown: &markdown,
	}); err != nil {
		return "", err
	}
	return markdown, nil
}

func parseTranscript(path string, hc *HandoffContext) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	filesSeen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}

		if line.Message.Role == "user" && hc.InitialGoal == "" {
			hc.InitialGoal = firstText(line.Message.Content)
		}
		if text := firstText(line.Message.Content); text != "" {
			hc.RecentActivity = append(hc.RecentActivity, summarizeLine(line.Message.Role, text))
			if len(hc.RecentActivity) > maxRecentActivity {
				hc.RecentActivity = hc.RecentActivity[1:]
			}
		}

		switch line.ToolUse.Name {
		case "Write", "Edit", "MultiEdit":
			if path, ok := line.ToolUse.Input["file_path"].(string); ok && !filesSeen[path] {
				filesSeen[path] = true
				hc.FilesModified = append(hc.FilesModified, path)
			}
		case "TodoWrite":
			hc.TodoState = todoLines(line.ToolUse.Input)
		}
	}
	return scanner.Err()
}

// firstText extracts the first text fragment from a content field that may
// be a bare string or a list of typed blocks.
func firstText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}

func summarizeLine(role, text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 200 {
		text = text[:200] + "…"
	}
	return role + ": " + text
}

func todoLines(input map[string]any) []string {
	todos, ok := input["todos"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range todos {
		todo, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, _ := todo["content"].(string)
		status, _ := todo["status"].(string)
		if content != "" {
			out = append(out, fmt.Sprintf("[%s] %s", status, content))
		}
	}
	return out
}

func fillGitState(ctx context.Context, repoPath string, hc *HandoffContext) {
	if out, err := exec.CommandContext(ctx, "git", "-C", repoPath, "status", "--short").Output(); err == nil {
		hc.GitStatus = strings.TrimSpace(string(out))
	}
	if out, err := exec.CommandContext(ctx, "git", "-C", repoPath, "log", "--oneline", "-5").Output(); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line != "" {
				hc.RecentCommits = append(hc.RecentCommits, line)
			}
		}
	}
}

// Markdown renders the handoff context for injection.
func (hc *HandoffContext) Markdown() string {
	var b strings.Builder
	section := func(title, body string) {
		if body == "" {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, body)
	}
	section("Initial Goal", hc.InitialGoal)
	section("Active Task", hc.ActiveTask)
	section("Todo State", strings.Join(hc.TodoState, "\n"))
	section("Files Modified", strings.Join(hc.FilesModified, "\n"))
	section("Git Status", hc.GitStatus)
	section("Recent Commits", strings.Join(hc.RecentCommits, "\n"))
	section("Recent Activity", strings.Join(hc.RecentActivity, "\n"))
	return strings.TrimSpace(b.String())
}
