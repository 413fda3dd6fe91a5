package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/activity"
)

// LogServer handles the send log endpoints
type LogServer struct {
	log *activity.Log
}

// NewLogServer creates a new log server
func NewLogServer(log *activity.Log) *LogServer {
	return &LogServer{log: log}
}

// RegisterRoutes registers log API routes
func (s *LogServer) RegisterRoutes(r chi.Router) {
	r.Route("/logs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Delete("/", s.handleClear)
		r.Get("/stats", s.handleStats)
		r.Get("/export", s.handleExport)
	})
}

// LogListResponse is the response for GET /api/logs
type LogListResponse struct {
	Entries []*activity.Entry `json:"entries"`
	Total   int               `json:"total"`
}

func logFilter(r *http.Request, defLimit int) activity.Filter {
	q := r.URL.Query()
	return activity.Filter{
		Status:  q.Get("status"),
		Search:  q.Get("search"),
		BlastID: q.Get("blast_id"),
		Limit:   queryInt(r, "limit", defLimit),
		Offset:  queryInt(r, "offset", 0),
	}
}

// handleList handles GET /api/logs
func (s *LogServer) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.log.List(logFilter(r, 100))
	if entries == nil {
		entries = []*activity.Entry{}
	}

	sendJSON(w, http.StatusOK, LogListResponse{
		Entries: entries,
		Total:   len(entries),
	})
}

// handleStats handles GET /api/logs/stats
func (s *LogServer) handleStats(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.log.Stats())
}

// handleClear handles DELETE /api/logs
func (s *LogServer) handleClear(w http.ResponseWriter, r *http.Request) {
	count, err := s.log.Clear(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}

	sendJSON(w, http.StatusOK, CountResponse{Count: count})
}

// handleExport handles GET /api/logs/export
func (s *LogServer) handleExport(w http.ResponseWriter, r *http.Request) {
	entries := s.log.List(logFilter(r, 0))
	if entries == nil {
		entries = []*activity.Entry{}
	}

	filename := fmt.Sprintf("wablast-logs-%s.json", time.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(entries)
}
