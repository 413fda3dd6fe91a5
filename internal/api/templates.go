package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/template"
)

// TemplateServer handles template API endpoints
type TemplateServer struct {
	storage *template.Storage
	engine  *template.Engine
}

// NewTemplateServer creates a new template server
func NewTemplateServer(storage *template.Storage, engine *template.Engine) *TemplateServer {
	if engine == nil {
		engine = template.NewEngine()
	}
	return &TemplateServer{
		storage: storage,
		engine:  engine,
	}
}

// RegisterRoutes registers template API routes
func (s *TemplateServer) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/preview", s.handlePreview)
	})
}

// TemplateRequest is the request for creating or updating a template
type TemplateRequest struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// TemplateResponse is the response for a template
type TemplateResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Body         string    `json:"body"`
	Placeholders []string  `json:"placeholders"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*TemplateResponse `json:"templates"`
	Total     int                 `json:"total"`
}

// TemplatePreviewRequest is the request for previewing a template
type TemplatePreviewRequest struct {
	Vars map[string]string `json:"vars"`
}

// TemplatePreviewResponse is the response for previewing a template
type TemplatePreviewResponse struct {
	Text string `json:"text"`
}

// handleList handles GET /api/messages/templates
func (s *TemplateServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	templates, err := s.storage.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}

	response := TemplateListResponse{
		Templates: make([]*TemplateResponse, len(templates)),
		Total:     len(templates),
	}
	for i, tmpl := range templates {
		response.Templates[i] = templateToResponse(tmpl)
	}

	sendJSON(w, http.StatusOK, response)
}

// handleCreate handles POST /api/messages/templates
func (s *TemplateServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.engine.Validate(req.Body); err != nil {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid template: %v", err))
		return
	}

	tmpl := &template.Template{
		Name: req.Name,
		Body: req.Body,
	}
	if err := s.storage.Create(r.Context(), tmpl); err != nil {
		sendDomainError(w, err, "Failed to create template")
		return
	}

	sendJSON(w, http.StatusCreated, templateToResponse(tmpl))
}

// handleGet handles GET /api/messages/templates/{id}
func (s *TemplateServer) handleGet(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.lookup(w, r)
	if !ok {
		return
	}

	sendJSON(w, http.StatusOK, templateToResponse(tmpl))
}

// handleUpdate handles PUT /api/messages/templates/{id}
func (s *TemplateServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tmpl, err := s.storage.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}
	if tmpl == nil {
		sendError(w, http.StatusNotFound, "Template not found")
		return
	}

	if req.Name != "" {
		tmpl.Name = req.Name
	}
	if req.Body != "" {
		tmpl.Body = req.Body
	}

	if err := s.engine.Validate(tmpl.Body); err != nil {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid template: %v", err))
		return
	}

	if err := s.storage.Update(r.Context(), tmpl); err != nil {
		sendDomainError(w, err, "Failed to update template")
		return
	}

	sendJSON(w, http.StatusOK, templateToResponse(tmpl))
}

// handleDelete handles DELETE /api/messages/templates/{id}
func (s *TemplateServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handlePreview handles POST /api/messages/templates/{id}/preview
func (s *TemplateServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req TemplatePreviewRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	tmpl, ok := s.lookup(w, r)
	if !ok {
		return
	}

	sendJSON(w, http.StatusOK, TemplatePreviewResponse{
		Text: s.engine.Render(tmpl.Body, req.Vars),
	})
}

// lookup resolves {id} as an ID first, then as a template name
func (s *TemplateServer) lookup(w http.ResponseWriter, r *http.Request) (*template.Template, bool) {
	id := chi.URLParam(r, "id")

	tmpl, err := s.storage.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get template")
		return nil, false
	}
	if tmpl == nil {
		tmpl, err = s.storage.GetByName(r.Context(), id)
		if err != nil {
			sendError(w, http.StatusInternalServerError, "Failed to get template")
			return nil, false
		}
	}
	if tmpl == nil {
		sendError(w, http.StatusNotFound, "Template not found")
		return nil, false
	}

	return tmpl, true
}

func templateToResponse(tmpl *template.Template) *TemplateResponse {
	placeholders := template.Placeholders(tmpl.Body)
	if placeholders == nil {
		placeholders = []string{}
	}
	return &TemplateResponse{
		ID:           tmpl.ID,
		Name:         tmpl.Name,
		Body:         tmpl.Body,
		Placeholders: placeholders,
		Version:      tmpl.Version,
		CreatedAt:    tmpl.CreatedAt,
		UpdatedAt:    tmpl.UpdatedAt,
	}
}
