package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/contacts"
	"github.com/foxzi/wablast/internal/documents"
	"github.com/foxzi/wablast/internal/filematch"
)

// FileMatchingServer handles the documents folder and contact to file matching
type FileMatchingServer struct {
	docs      *documents.Library
	store     *contacts.Store
	matcher   *filematch.Matcher
	maxUpload int64
	logger    *slog.Logger
}

// NewFileMatchingServer creates a new file matching server
func NewFileMatchingServer(docs *documents.Library, store *contacts.Store, matcher *filematch.Matcher, maxUpload int64, logger *slog.Logger) *FileMatchingServer {
	return &FileMatchingServer{
		docs:      docs,
		store:     store,
		matcher:   matcher,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// RegisterRoutes registers file matching API routes
func (s *FileMatchingServer) RegisterRoutes(r chi.Router) {
	r.Route("/file-matching", func(r chi.Router) {
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{name}", s.handleDownload)
		r.Delete("/documents/{name}", s.handleDeleteDocument)
		r.Post("/upload", s.handleUpload)
		r.Post("/preview", s.handlePreview)

		r.Get("/assignments", s.handleListAssignments)
		r.Put("/assignments", s.handleSetAssignment)
		r.Delete("/assignments/{name}", s.handleRemoveAssignment)
	})
}

// DocumentListResponse is the response for GET /api/file-matching/documents
type DocumentListResponse struct {
	Documents []documents.Document `json:"documents"`
	Total     int                  `json:"total"`
	Dir       string               `json:"dir"`
}

// UploadResponse reports the outcome of a multi-file upload
type UploadResponse struct {
	Uploaded []*documents.Document `json:"uploaded"`
	Errors   []UploadError         `json:"errors,omitempty"`
}

// UploadError describes a rejected file
type UploadError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// MatchPreviewRequest selects the contacts to preview. An empty request uses the selected contacts.
type MatchPreviewRequest struct {
	ContactIDs []uint64 `json:"contact_ids,omitempty"`
	All        bool     `json:"all,omitempty"`
}

// MatchPreviewResponse is the response for POST /api/file-matching/preview
type MatchPreviewResponse struct {
	Matches   []filematch.ContactMatch `json:"matches"`
	Total     int                      `json:"total"`
	Matched   int                      `json:"matched"`
	Unmatched int                      `json:"unmatched"`
	Documents int                      `json:"documents"`
	MinScore  float64                  `json:"min_score"`
}

// AssignmentRequest is the body for PUT /api/file-matching/assignments
type AssignmentRequest struct {
	ContactName string `json:"contact_name"`
	Filename    string `json:"filename"`
}

// AssignmentResponse is a stored assignment and whether its file is present
type AssignmentResponse struct {
	*contacts.Assignment
	Missing bool `json:"missing"`
}

// handleListDocuments handles GET /api/file-matching/documents
func (s *FileMatchingServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if refresh := queryBool(r, "refresh"); refresh != nil && *refresh {
		s.docs.Invalidate()
	}

	docs, err := s.docs.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	if docs == nil {
		docs = []documents.Document{}
	}

	sendJSON(w, http.StatusOK, DocumentListResponse{
		Documents: docs,
		Total:     len(docs),
		Dir:       s.docs.Dir(),
	})
}

// handleDownload handles GET /api/file-matching/documents/{name}
func (s *FileMatchingServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	file, err := s.docs.Open(chi.URLParam(r, "name"))
	if err != nil {
		sendDomainError(w, err, "Failed to read document")
		return
	}

	w.Header().Set("Content-Type", file.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.WriteHeader(http.StatusOK)
	w.Write(file.Data)
}

// handleDeleteDocument handles DELETE /api/file-matching/documents/{name}
func (s *FileMatchingServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.docs.Delete(chi.URLParam(r, "name")); err != nil {
		sendDomainError(w, err, "Failed to delete document")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUpload handles POST /api/file-matching/upload (multipart "files")
func (s *FileMatchingServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		sendError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	resp := UploadResponse{Uploaded: []*documents.Document{}}
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			resp.Errors = append(resp.Errors, UploadError{Filename: fh.Filename, Error: err.Error()})
			continue
		}
		doc, err := s.docs.Save(fh.Filename, f)
		f.Close()
		if err != nil {
			resp.Errors = append(resp.Errors, UploadError{Filename: fh.Filename, Error: err.Error()})
			continue
		}
		resp.Uploaded = append(resp.Uploaded, doc)
	}

	status := http.StatusCreated
	if len(resp.Uploaded) == 0 {
		status = http.StatusBadRequest
	}
	sendJSON(w, status, resp)
}

// handlePreview handles POST /api/file-matching/preview
func (s *FileMatchingServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req MatchPreviewRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	var (
		list []*contacts.Contact
		err  error
	)
	switch {
	case len(req.ContactIDs) > 0:
		list, err = s.store.GetMany(r.Context(), req.ContactIDs)
	case req.All:
		list, err = s.store.List(r.Context(), contacts.ListFilter{})
	default:
		list, err = s.store.Selected(r.Context())
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to load contacts")
		return
	}

	files, err := s.docs.Names(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	assignments, err := s.store.Assignments(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to load assignments")
		return
	}

	matches := s.matcher.MatchAll(list, files, assignments)
	if matches == nil {
		matches = []filematch.ContactMatch{}
	}

	resp := MatchPreviewResponse{
		Matches:   matches,
		Total:     len(matches),
		Documents: len(files),
		MinScore:  s.matcher.MinScore(),
	}
	for _, m := range matches {
		if m.Matched() {
			resp.Matched++
		} else {
			resp.Unmatched++
		}
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleListAssignments handles GET /api/file-matching/assignments
func (s *FileMatchingServer) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListAssignments(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list assignments")
		return
	}

	resp := make([]AssignmentResponse, 0, len(list))
	for _, a := range list {
		resp = append(resp, AssignmentResponse{Assignment: a, Missing: !s.docs.Exists(a.Filename)})
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{"assignments": resp, "total": len(resp)})
}

// handleSetAssignment handles PUT /api/file-matching/assignments
func (s *FileMatchingServer) handleSetAssignment(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.ContactName) == "" {
		sendError(w, http.StatusBadRequest, "contact_name is required")
		return
	}
	filename := documents.Sanitize(req.Filename)
	if filename == "" {
		sendError(w, http.StatusBadRequest, "filename is required")
		return
	}

	a, err := s.store.SetAssignment(r.Context(), req.ContactName, filename)
	if err != nil {
		sendDomainError(w, err, "Failed to save assignment")
		return
	}

	s.logger.Info("file assigned", "contact", a.ContactName, "filename", a.Filename)
	sendJSON(w, http.StatusOK, AssignmentResponse{Assignment: a, Missing: !s.docs.Exists(a.Filename)})
}

// handleRemoveAssignment handles DELETE /api/file-matching/assignments/{name}
func (s *FileMatchingServer) handleRemoveAssignment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveAssignment(r.Context(), chi.URLParam(r, "name")); err != nil {
		sendDomainError(w, err, "Failed to remove assignment")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
