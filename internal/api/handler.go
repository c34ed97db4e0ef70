// Package api provides the dev backend's REST handlers: the authoritative
// source of truth the sync engine reconciles against.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/chansync/internal/backend"
	"github.com/ashureev/chansync/internal/store"
)

// Handler serves sessions, topics, messages, and token statistics.
type Handler struct {
	repo store.Repository
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository) *Handler {
	return &Handler{repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.handleListSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/topics", h.handleListTopics)
			r.Post("/topics", h.handleCreateTopic)
			r.Delete("/topics", h.handleClearTopics)
		})
		r.Route("/topics/{topicID}", func(r chi.Router) {
			r.Patch("/", h.handleUpdateTopic)
			r.Delete("/", h.handleDeleteTopic)
			r.Get("/messages", h.handleListMessages)
			r.Get("/tokens", h.handleTokenStats)
			r.Patch("/messages/{messageID}", h.handleEditMessage)
			r.Delete("/messages/{messageID}", h.handleDeleteMessage)
		})
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []backend.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleListTopics(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	topics, err := h.repo.ListTopics(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list topics")
		return
	}
	if topics == nil {
		topics = []backend.Topic{}
	}
	JSON(w, http.StatusOK, topics)
}

func (h *Handler) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		req.Title = "New chat"
	}

	if err := h.repo.EnsureSession(r.Context(), sessionID); err != nil {
		Error(w, http.StatusInternalServerError, "failed to ensure session")
		return
	}

	now := time.Now()
	topic := &backend.Topic{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateTopic(r.Context(), topic); err != nil {
		Error(w, http.StatusInternalServerError, "failed to create topic")
		return
	}
	JSON(w, http.StatusCreated, topic)
}

func (h *Handler) handleClearTopics(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ids, err := h.repo.ClearSessionTopics(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to clear topics")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"deleted": ids})
}

func (h *Handler) handleUpdateTopic(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := h.repo.UpdateTopicTitle(r.Context(), topicID, req.Title); err != nil {
		if errors.Is(err, store.ErrTopicNotFound) {
			Error(w, http.StatusNotFound, "topic not found")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to update topic")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	if err := h.repo.DeleteTopic(r.Context(), topicID); err != nil {
		Error(w, http.StatusInternalServerError, "failed to delete topic")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	messages, err := h.repo.ListMessages(r.Context(), topicID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		JSON(w, http.StatusOK, []interface{}{})
		return
	}
	JSON(w, http.StatusOK, messages)
}

func (h *Handler) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	usage, err := h.repo.GetTokenUsage(r.Context(), topicID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to get token usage")
		return
	}
	JSON(w, http.StatusOK, usage)
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	messageID := chi.URLParam(r, "messageID")

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rows, err := h.repo.UpdateMessageContent(r.Context(), topicID, messageID, req.Content)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to update message")
		return
	}
	if rows == 0 {
		Error(w, http.StatusNotFound, "message not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	messageID := chi.URLParam(r, "messageID")

	rows, err := h.repo.DeleteMessage(r.Context(), topicID, messageID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	if rows == 0 {
		Error(w, http.StatusNotFound, "message not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
