package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/sandbox"
)

// SandboxServer exposes messages captured by the sandbox driver
type SandboxServer struct {
	storage *sandbox.Storage
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage *sandbox.Storage) *SandboxServer {
	return &SandboxServer{storage: storage}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleList)
		r.Get("/messages/{id}", s.handleGet)
		r.Delete("/messages", s.handleClear)
		r.Delete("/messages/{id}", s.handleDelete)
		r.Get("/stats", s.handleStats)
	})
}

// SandboxListResponse is the response for GET /api/sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// handleList handles GET /api/sandbox/messages
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	filter := sandbox.ListFilter{
		To:     r.URL.Query().Get("to"),
		Kind:   r.URL.Query().Get("kind"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}

	messages, err := s.storage.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{
		Messages: messages,
		Total:    len(messages),
	})
}

// handleGet handles GET /api/sandbox/messages/{id}
func (s *SandboxServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	msg, err := s.storage.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return
	}

	sendJSON(w, http.StatusOK, msg)
}

// handleDelete handles DELETE /api/sandbox/messages/{id}
func (s *SandboxServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	if err := s.storage.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleClear handles DELETE /api/sandbox/messages?older_than=24h
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		olderThan = d
	}

	count, err := s.storage.Clear(r.Context(), olderThan)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}

	sendJSON(w, http.StatusOK, CountResponse{Count: count})
}

// handleStats handles GET /api/sandbox/stats
func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	sendJSON(w, http.StatusOK, stats)
}
