package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultChatIdleExpiry = 30 * time.Minute

// chatSession is one conversation's rolling history, keyed by a stable
// conversation id so it survives reconnects.
type chatSession struct {
	conversationID string
	history        []chatTurn
	lastActive     time.Time
}

type chatTurn struct {
	role    string
	content string
}

// chatRegistry tracks chat sessions and evicts idle ones.
type chatRegistry struct {
	mu       sync.Mutex
	sessions map[string]*chatSession
	expiry   time.Duration
}

func newChatRegistry(expiry time.Duration) *chatRegistry {
	if expiry <= 0 {
		expiry = defaultChatIdleExpiry
	}
	return &chatRegistry{sessions: map[string]*chatSession{}, expiry: expiry}
}

func (r *chatRegistry) get(conversationID string) *chatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.sessions[conversationID]
	if !ok {
		cs = &chatSession{conversationID: conversationID}
		r.sessions[conversationID] = cs
	}
	cs.lastActive = time.Now()
	return cs
}

func (r *chatRegistry) remove(conversationID string) {
	r.mu.Lock()
	delete(r.sessions, conversationID)
	r.mu.Unlock()
}

func (r *chatRegistry) runEviction(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.expiry)
			r.mu.Lock()
			for id, cs := range r.sessions {
				if cs.lastActive.Before(cutoff) {
					delete(r.sessions, id)
				}
			}
			r.mu.Unlock()
		}
	}
}

// handleChatMessage runs one turn of the chat pipeline: append the user
// message, complete against the conversation history, reply.
func (s *WSServer) handleChatMessage(client *wsClient, msg map[string]any) {
	conversationID, _ := msg["conversation_id"].(string)
	content, _ := msg["content"].(string)
	if conversationID == "" || strings.TrimSpace(content) == "" {
		s.reply(client, map[string]any{"type": "error", "error": "conversation_id and content required"})
		return
	}
	if s.llm == nil {
		s.reply(client, map[string]any{"type": "error", "error": "no LLM configured"})
		return
	}

	cs := s.chats.get(conversationID)
	cs.history = append(cs.history, chatTurn{role: "user", content: content})

	var transcript strings.Builder
	for _, turn := range cs.history {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.role, turn.content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	answer, err := s.llm.Complete(ctx,
		"You are the gobby daemon's chat assistant. Answer briefly.",
		transcript.String())
	if err != nil {
		s.reply(client, map[string]any{"type": "error", "error": err.Error()})
		return
	}
	cs.history = append(cs.history, chatTurn{role: "assistant", content: answer})

	s.reply(client, map[string]any{
		"type":            "chat_response",
		"conversation_id": conversationID,
		"content":         answer,
	})
}
