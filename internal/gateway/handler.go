// Package gateway provides the dev backend's websocket chat endpoint. It
// speaks the inbound-event/outbound-command protocol and drives a scripted
// multi-phase agent so the sync engine can be exercised end to end.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/chansync/internal/protocol"
	"github.com/ashureev/chansync/internal/store"
)

// Handler handles websocket chat sessions.
type Handler struct {
	repo          store.Repository
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new websocket chat handler.
func NewHandler(repo store.Repository, allowedOrigin string, isDev bool) *Handler {
	return &Handler{repo: repo, allowedOrigin: allowedOrigin, isDev: isDev}
}

// session is one live websocket connection serving a topic.
type session struct {
	topicID string
	ws      *websocket.Conn
	repo    store.Repository

	writeMu sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc // cancels the running script, nil when idle
	toolResp chan toolResolution
}

type toolResolution struct {
	toolCallID string
	confirmed  bool
	reason     string
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topicID := r.URL.Query().Get("topic_id")
	if topicID == "" {
		http.Error(w, "topic_id is required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	topic, err := h.repo.GetTopic(r.Context(), topicID)
	if err != nil || topic == nil {
		http.Error(w, "topic not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "topic_id", topicID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "topic_id", topicID)
		}
	}()

	slog.Info("Chat session connected", "topic_id", topicID)

	sess := &session{topicID: topicID, ws: ws, repo: h.repo}
	defer sess.stopScript()

	sess.commandLoop(r.Context())
	slog.Info("Chat session ended", "topic_id", topicID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (s *session) commandLoop(ctx context.Context) {
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "topic_id", s.topicID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "topic_id", s.topicID)
			}
			return
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			slog.Warn("Dropping malformed command", "error", err, "topic_id", s.topicID)
			continue
		}

		switch cmd.Type {
		case protocol.CommandSend:
			s.handleSend(ctx, cmd)
		case protocol.CommandRegenerate:
			s.handleRegenerate(ctx)
		case protocol.CommandAbort:
			s.stopScript()
		case protocol.CommandToolCallConfirm:
			s.resolveTool(toolResolution{toolCallID: cmd.ToolCallID, confirmed: true})
		case protocol.CommandToolCallCancel:
			s.resolveTool(toolResolution{toolCallID: cmd.ToolCallID, confirmed: false, reason: cmd.Reason})
		default:
			slog.Warn("Unknown command", "type", cmd.Type, "topic_id", s.topicID)
		}
	}
}

// writeEvent serializes one event onto the socket. Writes from the command
// loop and the script goroutine are serialized here.
func (s *session) writeEvent(ev protocol.Event) {
	ev.TopicID = s.topicID
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		slog.Error("Failed to encode event", "error", err, "type", ev.Type)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err, "topic_id", s.topicID)
	}
}

// startScript begins a generation; false means one is already running.
func (s *session) startScript(run func(ctx context.Context, tools <-chan toolResolution)) bool {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.toolResp = make(chan toolResolution, 1)
	tools := s.toolResp
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.cancel = nil
			s.toolResp = nil
			s.mu.Unlock()
			cancel()
		}()
		run(ctx, tools)
	}()
	return true
}

func (s *session) stopScript() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *session) resolveTool(res toolResolution) {
	s.mu.Lock()
	ch := s.toolResp
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}
