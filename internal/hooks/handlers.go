package hooks

import (
	"context"
	"fmt"
	"strings"

	gerrors "gobby/internal/errors"
	"gobby/internal/prompts"
	"gobby/internal/storage"
)

// statusNeutralPrompts never mark a session active; the user is leaving or
// resetting, not working.
var statusNeutralPrompts = map[string]bool{
	"/clear": true,
	"/exit":  true,
}

// dispatchEvent runs the default per-event semantics before the workflow
// engine sees the event.
func (m *Manager) dispatchEvent(ctx context.Context, sess *storage.Session, event *Event, first bool, resp *Response) {
	switch event.Type {
	case SessionStart:
		m.handleSessionStart(ctx, sess, event, first, resp)
	case BeforeAgent:
		m.handleBeforeAgent(ctx, sess, event, resp)
	case AfterAgent, Stop:
		m.setStatus(ctx, sess, storage.SessionStatusPaused)
	case SessionEnd:
		m.setStatus(ctx, sess, storage.SessionStatusPaused)
	case PreCompact:
		m.handlePreCompact(ctx, sess, event)
	case SubagentStart:
		m.logger.Info("hooks: subagent started under session %s", sess.ID)
	case SubagentStop:
		m.logger.Info("hooks: subagent stopped under session %s", sess.ID)
	}
}

// handleSessionStart adopts a handoff_ready predecessor when one exists,
// injecting its summary into the fresh session.
func (m *Manager) handleSessionStart(ctx context.Context, sess *storage.Session, event *Event, first bool, resp *Response) {
	if !first || sess.ParentSessionID != "" {
		return
	}
	parent, err := m.sessions.FindParent(ctx, sess.MachineID, sess.ProjectID, sess.Source, sess.ID)
	if err != nil {
		if !gerrors.IsNotFound(err) {
			m.logger.Error("hooks: find parent for %s: %v", sess.ID, err)
		}
		return
	}
	summary, err := m.sessions.AdoptParent(ctx, sess, parent)
	if err != nil {
		m.logger.Error("hooks: adopt parent %s: %v", parent.ID, err)
		return
	}
	if summary != "" {
		resp.AppendContext("## Continued from previous session\n\n" + summary)
	}
	resp.SetMeta("parent_session_id", parent.ID)
	m.logger.Info("hooks: session %s adopted parent %s", sess.ID, parent.ID)
}

// handleBeforeAgent intercepts /gobby commands, records the user prompt,
// suggests skills, and marks the session active.
func (m *Manager) handleBeforeAgent(ctx context.Context, sess *storage.Session, event *Event, resp *Response) {
	prompt := strings.TrimSpace(event.Prompt)

	if !statusNeutralPrompts[prompt] {
		m.setStatus(ctx, sess, storage.SessionStatusActive)
	}
	if prompt != "" {
		if err := m.sessions.RecordMessage(ctx, sess.ID, "user", prompt); err != nil {
			m.logger.Error("hooks: record message: %v", err)
		}
	}
	if m.skills == nil {
		return
	}

	if skill, args, ok := prompts.ParseCommand(prompt); ok {
		m.interceptCommand(ctx, sess, skill, args, resp)
		return
	}

	suggestions, err := m.skills.Suggest(ctx, prompt, sess.ProjectID)
	if err != nil {
		m.logger.Error("hooks: skill suggestion: %v", err)
		return
	}
	if len(suggestions) > 0 {
		resp.AppendContext(fmt.Sprintf(
			"The /gobby:%s skill looks relevant to this request.", suggestions[0].Skill))
	}
}

func (m *Manager) interceptCommand(ctx context.Context, sess *storage.Session, skill, args string, resp *Response) {
	if skill == "" {
		help, err := m.skills.Help(ctx, sess.ProjectID)
		if err != nil {
			m.logger.Error("hooks: skill help: %v", err)
			return
		}
		resp.AppendContext(help)
		return
	}
	content, err := m.skills.Skill(ctx, skill, args, sess.ProjectID)
	if err != nil {
		if gerrors.IsNotFound(err) {
			resp.AppendContext(fmt.Sprintf("Unknown skill %q. Use /gobby to list skills.", skill))
			return
		}
		m.logger.Error("hooks: load skill %s: %v", skill, err)
		return
	}
	resp.AppendContext(content)
}

// handlePreCompact extracts a handoff summary and readies the session for
// adoption by its successor.
func (m *Manager) handlePreCompact(ctx context.Context, sess *storage.Session, event *Event) {
	summary, err := m.sessions.SaveHandoff(ctx, sess.ID, m.repoPath(ctx, sess, event))
	if err != nil && !gerrors.IsNotFound(err) {
		m.logger.Error("hooks: save handoff for %s: %v", sess.ID, err)
	}
	if err := m.sessions.MarkHandoffReady(ctx, sess.ID, summary); err != nil {
		m.logger.Error("hooks: mark handoff ready for %s: %v", sess.ID, err)
	}
}

func (m *Manager) setStatus(ctx context.Context, sess *storage.Session, status string) {
	if sess.Status == status {
		return
	}
	if err := m.sessions.SetStatus(ctx, sess.ID, status); err != nil {
		m.logger.Error("hooks: set session %s status %s: %v", sess.ID, status, err)
		return
	}
	sess.Status = status
}
