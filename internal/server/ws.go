package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"gobby/internal/agent"
	"gobby/internal/config"
	"gobby/internal/hooks"
	"gobby/internal/logging"
	"gobby/internal/observability"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 64
)

// LLMCompleter is the narrow completion port the chat pipeline uses.
type LLMCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// WSServer is the WebSocket side of the control plane. It broadcasts hook
// events to subscribed clients and serves interactive message types.
type WSServer struct {
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	registry *agent.Registry
	llm      LLMCompleter
	metrics  *observability.Metrics
	logger   logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	chats   *chatRegistry

	httpServer *http.Server
}

// NewWSServer constructs the server. registry and llm may be nil.
func NewWSServer(cfg config.WebSocketConfig, registry *agent.Registry, llm LLMCompleter,
	metrics *observability.Metrics, logger logging.Logger) *WSServer {
	s := &WSServer{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		registry: registry,
		llm:      llm,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
		clients:  map[*wsClient]struct{}{},
		chats:    newChatRegistry(cfg.ChatIdleExpiry),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: mux,
	}
	return s
}

// Run serves until ctx is cancelled. The idle chat eviction loop runs
// alongside the listener.
func (s *WSServer) Run(ctx context.Context) error {
	go s.chats.runEviction(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return <-errCh
}

// wsClient is one connected client with its event subscription filter.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[string]bool
	subAll bool
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subAll {
		return true
	}
	return c.subs[eventType]
}

// handleUpgrade authenticates (when a token is configured) and starts the
// client pumps.
func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken != "" && r.URL.Query().Get("token") != s.cfg.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket: upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		subs: map[string]bool{},
	}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WebSocketClients.Inc()
	}

	go s.writePump(client)
	go s.readPump(client)
}

func (s *WSServer) dropClient(client *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
		if s.metrics != nil {
			s.metrics.WebSocketClients.Dec()
		}
	}
	s.mu.Unlock()
	client.conn.Close()
}

func (s *WSServer) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WSServer) readPump(client *wsClient) {
	defer s.dropClient(client)
	client.conn.SetReadLimit(1 << 20)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reply(client, map[string]any{"type": "error", "error": "invalid JSON"})
			continue
		}
		s.dispatch(client, msg)
	}
}

func (s *WSServer) reply(client *wsClient, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case client.send <- raw:
	default:
		// Slow client; drop the message rather than the connection.
	}
}

// dispatch routes one client message by its type field.
func (s *WSServer) dispatch(client *wsClient, msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "ping":
		s.reply(client, map[string]any{"type": "pong"})

	case "subscribe":
		s.updateSubscriptions(client, msg, true)

	case "unsubscribe":
		s.updateSubscriptions(client, msg, false)

	case "stop_request":
		s.handleStopRequest(client, msg)

	case "terminal_input":
		s.handleTerminalInput(client, msg)

	case "chat_message":
		s.handleChatMessage(client, msg)

	case "stop_chat":
		if id, _ := msg["conversation_id"].(string); id != "" {
			s.chats.remove(id)
			s.reply(client, map[string]any{"type": "chat_stopped", "conversation_id": id})
		}

	case "ask_user_response":
		// Recorded for the asking agent; currently only acknowledged.
		s.reply(client, map[string]any{"type": "ack", "of": "ask_user_response"})

	case "tool_call":
		s.reply(client, map[string]any{"type": "ack", "of": "tool_call"})

	case "tmux_list", "tmux_attach", "tmux_detach", "tmux_create", "tmux_kill", "tmux_resize":
		s.handleTmux(client, msgType, msg)

	case "voice_audio", "voice_mode_toggle":
		s.reply(client, map[string]any{"type": "error", "error": "voice subsystem not configured"})

	default:
		s.reply(client, map[string]any{"type": "error", "error": "unknown message type " + msgType})
	}
}

func (s *WSServer) updateSubscriptions(client *wsClient, msg map[string]any, add bool) {
	events, _ := msg["events"].([]any)
	client.mu.Lock()
	for _, e := range events {
		name, _ := e.(string)
		if name == "*" {
			client.subAll = add
			continue
		}
		if name == "" {
			continue
		}
		if add {
			client.subs[name] = true
		} else {
			delete(client.subs, name)
		}
	}
	client.mu.Unlock()
	s.reply(client, map[string]any{"type": "subscriptions_updated"})
}

func (s *WSServer) handleStopRequest(client *wsClient, msg map[string]any) {
	runID, _ := msg["run_id"].(string)
	if s.registry == nil || runID == "" {
		s.reply(client, map[string]any{"type": "error", "error": "run_id required"})
		return
	}
	running, ok := s.registry.Remove(runID, "stopped")
	if !ok {
		s.reply(client, map[string]any{"type": "error", "error": "unknown run " + runID})
		return
	}
	if running.PID > 0 {
		_ = syscall.Kill(running.PID, syscall.SIGTERM)
	}
	s.reply(client, map[string]any{"type": "agent_stopped", "run_id": runID})
}

// handleTerminalInput forwards keystrokes to an embedded agent's pty.
func (s *WSServer) handleTerminalInput(client *wsClient, msg map[string]any) {
	runID, _ := msg["run_id"].(string)
	data, _ := msg["data"].(string)
	if s.registry == nil || runID == "" {
		s.reply(client, map[string]any{"type": "error", "error": "run_id required"})
		return
	}
	running, ok := s.registry.Get(runID)
	if !ok || running.PTY == nil {
		s.reply(client, map[string]any{"type": "error", "error": "no terminal for run " + runID})
		return
	}
	if _, err := running.PTY.WriteString(data); err != nil {
		s.reply(client, map[string]any{"type": "error", "error": err.Error()})
	}
}

func (s *WSServer) handleTmux(client *wsClient, msgType string, msg map[string]any) {
	target, _ := msg["target"].(string)
	var args []string
	switch msgType {
	case "tmux_list":
		args = []string{"list-sessions", "-F", "#{session_name}"}
	case "tmux_create":
		args = []string{"new-session", "-d", "-s", target}
	case "tmux_kill":
		args = []string{"kill-session", "-t", target}
	case "tmux_attach", "tmux_detach", "tmux_resize":
		// Attachment is client-side; the daemon only confirms the session
		// exists.
		args = []string{"has-session", "-t", target}
	}
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		s.reply(client, map[string]any{"type": "error", "error": string(out)})
		return
	}
	s.reply(client, map[string]any{"type": msgType + "_result", "output": string(out)})
}

// BroadcastHookEvent implements hooks.Broadcaster: hook_event messages go
// to clients subscribed to the event type.
func (s *WSServer) BroadcastHookEvent(event *hooks.Event, resp *hooks.Response) {
	payload, err := json.Marshal(map[string]any{
		"type":       "hook_event",
		"event_type": string(event.Type),
		"event":      event,
		"response":   resp,
	})
	if err != nil {
		return
	}
	s.broadcast(payload, string(event.Type))
}

// BroadcastSystem sends a message to every client regardless of filters.
func (s *WSServer) BroadcastSystem(payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.broadcast(raw, "")
}

func (s *WSServer) broadcast(raw []byte, eventType string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		if eventType != "" && !client.wants(eventType) {
			continue
		}
		select {
		case client.send <- raw:
		default:
		}
	}
}
