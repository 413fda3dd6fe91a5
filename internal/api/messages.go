package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/antiban"
	"github.com/foxzi/wablast/internal/blast"
	"github.com/foxzi/wablast/internal/documents"
	"github.com/foxzi/wablast/internal/whatsapp"
)

// MessageServer handles sending, blasts and throttle endpoints
type MessageServer struct {
	runner    *blast.Runner
	client    whatsapp.Client
	throttle  *antiban.Throttle
	maxUpload int64
	logger    *slog.Logger
}

// NewMessageServer creates a new message server
func NewMessageServer(runner *blast.Runner, client whatsapp.Client, throttle *antiban.Throttle, maxUpload int64, logger *slog.Logger) *MessageServer {
	return &MessageServer{
		runner:    runner,
		client:    client,
		throttle:  throttle,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// RegisterRoutes registers message API routes
func (s *MessageServer) RegisterRoutes(r chi.Router) {
	r.Get("/status", s.handleStatus)
	r.Post("/connect", s.handleConnect)
	r.Post("/send", s.handleSend)
	r.Post("/preview", s.handlePreview)

	r.Get("/blast", s.handleCurrent)
	r.Post("/blast", s.handleStartBlast)
	r.Post("/blast/stop", s.handleStopBlast)
	r.Get("/blasts", s.handleListBlasts)
	r.Get("/blasts/{id}", s.handleGetBlast)

	r.Route("/antiban", func(r chi.Router) {
		r.Get("/", s.handleAntiban)
		r.Put("/tier", s.handleSetTier)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/reset", s.handleReset)
	})
}

// SendMessageRequest is the JSON body for POST /api/messages/send
type SendMessageRequest struct {
	Phone    string `json:"phone"`
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
}

// AntibanResponse is the response for GET /api/messages/antiban
type AntibanResponse struct {
	antiban.Stats
	Tiers []antiban.Tier `json:"tiers"`
}

// TierRequest is the body for PUT /api/messages/antiban/tier
type TierRequest struct {
	Tier string `json:"tier"`
}

// PauseRequest is the body for POST /api/messages/antiban/pause
type PauseRequest struct {
	Duration string `json:"duration,omitempty"`
}

// handleStatus handles GET /api/messages/status
func (s *MessageServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.client.Status())
}

// handleConnect handles POST /api/messages/connect
func (s *MessageServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	if err := s.client.Connect(ctx); err != nil {
		s.logger.Warn("whatsapp connect failed", "error", err)
		sendJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"status": s.client.Status(),
		})
		return
	}

	sendJSON(w, http.StatusOK, s.client.Status())
}

// handleSend handles POST /api/messages/send (JSON, or multipart with "file")
func (s *MessageServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req blast.SendRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		req.Phone = r.FormValue("phone")
		req.Message = r.FormValue("message")
		req.Filename = r.FormValue("filename")

		if file, header, err := r.FormFile("file"); err == nil {
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				sendError(w, http.StatusBadRequest, "Failed to read file")
				return
			}
			req.Media = &whatsapp.Media{
				Filename: documents.Sanitize(header.Filename),
				MIMEType: documents.DetectMIME(data),
				Data:     data,
			}
		}
	} else {
		var body SendMessageRequest
		if err := decodeJSON(r, &body); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		req.Phone = body.Phone
		req.Message = body.Message
		req.Filename = body.Filename
	}

	if strings.TrimSpace(req.Phone) == "" {
		sendError(w, http.StatusBadRequest, "phone is required")
		return
	}

	res, err := s.runner.SendOne(r.Context(), req)
	if err != nil {
		var throttled *blast.ThrottledError
		if errors.As(err, &throttled) && throttled.Decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(throttled.Decision.RetryAfter))
		}
		sendDomainError(w, err, "Failed to send message")
		return
	}

	sendJSON(w, http.StatusOK, res)
}

// handlePreview handles POST /api/messages/preview
func (s *MessageServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req blast.Request
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := s.runner.Preview(r.Context(), req, queryInt(r, "limit", 20))
	if err != nil {
		sendDomainError(w, err, "Failed to build preview")
		return
	}

	sendJSON(w, http.StatusOK, res)
}

// handleStartBlast handles POST /api/messages/blast
func (s *MessageServer) handleStartBlast(w http.ResponseWriter, r *http.Request) {
	var req blast.Request
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := s.runner.Start(r.Context(), req)
	if err != nil {
		sendDomainError(w, err, "Failed to start blast")
		return
	}

	sendJSON(w, http.StatusAccepted, job)
}

// handleStopBlast handles POST /api/messages/blast/stop
func (s *MessageServer) handleStopBlast(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Stop(); err != nil {
		sendDomainError(w, err, "Failed to stop blast")
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleCurrent handles GET /api/messages/blast
func (s *MessageServer) handleCurrent(w http.ResponseWriter, r *http.Request) {
	job := s.runner.Current()
	if job == nil {
		sendError(w, http.StatusNotFound, "No blast has run since startup")
		return
	}

	sendJSON(w, http.StatusOK, job)
}

// handleListBlasts handles GET /api/messages/blasts
func (s *MessageServer) handleListBlasts(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.runner.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list blasts")
		return
	}
	if jobs == nil {
		jobs = []*blast.Job{}
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{"blasts": jobs, "total": len(jobs)})
}

// handleGetBlast handles GET /api/messages/blasts/{id}
func (s *MessageServer) handleGetBlast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.runner.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get blast")
		return
	}
	if job == nil {
		sendError(w, http.StatusNotFound, "Blast not found")
		return
	}

	sendJSON(w, http.StatusOK, job)
}

// handleAntiban handles GET /api/messages/antiban
func (s *MessageServer) handleAntiban(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, AntibanResponse{
		Stats: s.throttle.Stats(),
		Tiers: s.throttle.Tiers(),
	})
}

// handleSetTier handles PUT /api/messages/antiban/tier
func (s *MessageServer) handleSetTier(w http.ResponseWriter, r *http.Request) {
	var req TierRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.throttle.SetTier(req.Tier); err != nil {
		if errors.Is(err, antiban.ErrUnknownTier) {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		sendError(w, http.StatusInternalServerError, "Failed to set tier")
		return
	}

	s.logger.Info("antiban tier changed", "tier", req.Tier)
	sendJSON(w, http.StatusOK, s.throttle.Stats())
}

// handlePause handles POST /api/messages/antiban/pause
func (s *MessageServer) handlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
			sendError(w, http.StatusBadRequest, "invalid duration")
			return
		}
	}

	until := s.throttle.Pause(d)
	s.logger.Info("sending paused manually", "until", until)
	sendJSON(w, http.StatusOK, s.throttle.Stats())
}

// handleResume handles POST /api/messages/antiban/resume
func (s *MessageServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.throttle.Resume()
	s.logger.Info("sending resumed manually")
	sendJSON(w, http.StatusOK, s.throttle.Stats())
}

// handleReset handles POST /api/messages/antiban/reset
func (s *MessageServer) handleReset(w http.ResponseWriter, r *http.Request) {
	s.throttle.Reset()
	s.logger.Info("antiban counters reset")
	sendJSON(w, http.StatusOK, s.throttle.Stats())
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
