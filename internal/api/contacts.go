package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/contacts"
)

// ContactServer handles contact API endpoints
type ContactServer struct {
	store     *contacts.Store
	importer  *contacts.Importer
	exporter  *contacts.Exporter
	maxUpload int64
	logger    *slog.Logger
}

// NewContactServer creates a new contact server
func NewContactServer(store *contacts.Store, maxUpload int64, logger *slog.Logger) *ContactServer {
	return &ContactServer{
		store:     store,
		importer:  contacts.NewImporter(store, logger),
		exporter:  contacts.NewExporter(),
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// RegisterRoutes registers contact API routes
func (s *ContactServer) RegisterRoutes(r chi.Router) {
	r.Route("/contacts", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Delete("/", s.handleDeleteAll)
		r.Get("/stats", s.handleStats)
		r.Post("/select", s.handleSelect)
		r.Post("/select-all", s.handleSelectAll)
		r.Post("/bulk-delete", s.handleBulkDelete)
		r.Post("/import", s.handleImport)
		r.Get("/export", s.handleExport)
		r.Get("/import-template", s.handleImportTemplate)

		r.Get("/groups", s.handleListGroups)
		r.Post("/groups", s.handleCreateGroup)
		r.Delete("/groups/members", s.handleUnassignGroup)
		r.Delete("/groups/{id}", s.handleDeleteGroup)
		r.Post("/groups/{id}/members", s.handleAssignGroup)

		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/toggle", s.handleToggle)
	})
}

// ContactRequest is the body for creating or updating a contact
type ContactRequest struct {
	Name         string            `json:"name"`
	Phone        string            `json:"phone"`
	Email        string            `json:"email,omitempty"`
	Company      string            `json:"company,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	Selected     *bool             `json:"selected,omitempty"`
}

// ContactListResponse is the response for GET /api/contacts
type ContactListResponse struct {
	Contacts []*contacts.Contact `json:"contacts"`
	Total    int                 `json:"total"`
}

// SelectRequest is the body for POST /api/contacts/select
type SelectRequest struct {
	IDs      []uint64 `json:"ids"`
	Selected bool     `json:"selected"`
}

// GroupRequest is the body for POST /api/contacts/groups
type GroupRequest struct {
	Name string `json:"name"`
}

// handleList handles GET /api/contacts
func (s *ContactServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := contacts.ListFilter{
		Search:   r.URL.Query().Get("search"),
		Selected: queryBool(r, "selected"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	}
	if g := r.URL.Query().Get("group_id"); g != "" {
		if id, err := strconv.ParseUint(g, 10, 64); err == nil {
			filter.GroupID = id
		}
	}

	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list contacts", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list contacts")
		return
	}
	if list == nil {
		list = []*contacts.Contact{}
	}

	sendJSON(w, http.StatusOK, ContactListResponse{Contacts: list, Total: len(list)})
}

// handleCreate handles POST /api/contacts
func (s *ContactServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		sendError(w, http.StatusBadRequest, "phone is required")
		return
	}

	c := &contacts.Contact{
		Name:         req.Name,
		Phone:        req.Phone,
		Email:        req.Email,
		Company:      req.Company,
		CustomFields: req.CustomFields,
	}
	if err := s.store.Create(r.Context(), c); err != nil {
		sendDomainError(w, err, "Failed to create contact")
		return
	}
	if req.Selected != nil && !*req.Selected {
		if _, err := s.store.SetSelected(r.Context(), []uint64{c.ID}, false); err == nil {
			c.Selected = false
		}
	}

	sendJSON(w, http.StatusCreated, c)
}

// handleGet handles GET /api/contacts/{id}
func (s *ContactServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "invalid id")
		return
	}

	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}
	if c == nil {
		sendError(w, http.StatusNotFound, "Contact not found")
		return
	}

	sendJSON(w, http.StatusOK, c)
}

// handleUpdate handles PUT /api/contacts/{id}
func (s *ContactServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req ContactRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}
	if c == nil {
		sendError(w, http.StatusNotFound, "Contact not found")
		return
	}

	if req.Name != "" {
		c.Name = req.Name
	}
	if req.Phone != "" {
		c.Phone = req.Phone
	}
	c.Email = req.Email
	c.Company = req.Company
	if req.CustomFields != nil {
		c.CustomFields = req.CustomFields
	}
	if req.Selected != nil {
		c.Selected = *req.Selected
	}

	if err := s.store.Update(r.Context(), c); err != nil {
		sendDomainError(w, err, "Failed to update contact")
		return
	}

	sendJSON(w, http.StatusOK, c)
}

// handleDelete handles DELETE /api/contacts/{id}
func (s *ContactServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		sendDomainError(w, err, "Failed to delete contact")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleToggle handles POST /api/contacts/{id}/toggle
func (s *ContactServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "invalid id")
		return
	}

	c, err := s.store.Toggle(r.Context(), id)
	if err != nil {
		sendDomainError(w, err, "Failed to toggle contact")
		return
	}

	sendJSON(w, http.StatusOK, c)
}

// handleSelect handles POST /api/contacts/select
func (s *ContactServer) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := s.store.SetSelected(r.Context(), req.IDs, req.Selected)
	if err != nil {
		sendDomainError(w, err, "Failed to update selection")
		return
	}

	sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleSelectAll handles POST /api/contacts/select-all
func (s *ContactServer) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	req := SelectRequest{Selected: true}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	n, err := s.store.SelectAll(r.Context(), req.Selected)
	if err != nil {
		sendDomainError(w, err, "Failed to update selection")
		return
	}

	sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleBulkDelete handles POST /api/contacts/bulk-delete
func (s *ContactServer) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		sendError(w, http.StatusBadRequest, "ids is required")
		return
	}

	n, err := s.store.DeleteMany(r.Context(), req.IDs)
	if err != nil {
		sendDomainError(w, err, "Failed to delete contacts")
		return
	}

	s.logger.Info("contacts deleted", "count", n)
	sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleDeleteAll handles DELETE /api/contacts
func (s *ContactServer) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteAll(r.Context())
	if err != nil {
		sendDomainError(w, err, "Failed to delete contacts")
		return
	}

	s.logger.Info("all contacts deleted", "count", n)
	sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleStats handles GET /api/contacts/stats
func (s *ContactServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get contact stats")
		return
	}

	sendJSON(w, http.StatusOK, stats)
}

// handleImport handles POST /api/contacts/import (multipart "file", optional "group_id")
func (s *ContactServer) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		sendError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	var opts contacts.ImportOptions
	if g := r.FormValue("group_id"); g != "" {
		id, err := strconv.ParseUint(g, 10, 64)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid group_id")
			return
		}
		opts.GroupID = id
	}

	result, err := s.importer.Import(r.Context(), header.Filename, file, opts)
	if err != nil {
		sendDomainError(w, err, "Failed to import contacts")
		return
	}

	sendJSON(w, http.StatusOK, result)
}

// handleExport handles GET /api/contacts/export
func (s *ContactServer) handleExport(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context(), contacts.ListFilter{Selected: queryBool(r, "selected")})
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list contacts")
		return
	}

	filename := fmt.Sprintf("contacts-%s.xlsx", time.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.exporter.WriteXLSX(r.Context(), w, list); err != nil {
		s.logger.Error("failed to export contacts", "error", err)
	}
}

// handleImportTemplate handles GET /api/contacts/import-template
func (s *ContactServer) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="contacts-template.xlsx"`)

	if err := s.exporter.WriteTemplate(w); err != nil {
		s.logger.Error("failed to write import template", "error", err)
	}
}

// handleListGroups handles GET /api/contacts/groups
func (s *ContactServer) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list groups")
		return
	}
	if groups == nil {
		groups = []*contacts.Group{}
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// handleCreateGroup handles POST /api/contacts/groups
func (s *ContactServer) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	g, err := s.store.CreateGroup(r.Context(), req.Name)
	if err != nil {
		sendDomainError(w, err, "Failed to create group")
		return
	}

	sendJSON(w, http.StatusCreated, g)
}

// handleDeleteGroup handles DELETE /api/contacts/groups/{id}
func (s *ContactServer) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := s.store.DeleteGroup(r.Context(), id); err != nil {
		sendDomainError(w, err, "Failed to delete group")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAssignGroup handles POST /api/contacts/groups/{id}/members
func (s *ContactServer) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := s.store.AssignGroup(r.Context(), id, req.IDs)
	if err != nil {
		sendDomainError(w, err, "Failed to assign group")
		return
	}

	sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleUnassignGroup handles DELETE /api/contacts/groups/members
func (s *ContactServer) handleUnassignGroup(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := s.store.UnassignGroup(r.Context(), req.IDs)
	if err != nil {
		sendDomainError(w, err, "Failed to remove group membership")
		return
	}

	sendJSON(w, http.StatusOK, CountResponse{Count: n})
}
