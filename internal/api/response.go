package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wablast/internal/blast"
	"github.com/foxzi/wablast/internal/contacts"
	"github.com/foxzi/wablast/internal/documents"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/template"
	"github.com/foxzi/wablast/internal/whatsapp"
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// IDsRequest carries a list of contact IDs
type IDsRequest struct {
	IDs []uint64 `json:"ids"`
}

// CountResponse reports how many records an operation touched
type CountResponse struct {
	Count int `json:"count"`
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}

// sendDomainError maps package sentinel errors to status codes
func sendDomainError(w http.ResponseWriter, err error, fallback string) {
	status, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		message = fallback
		metrics.IncAPIErrors("internal")
	}
	sendError(w, status, message)
}

func errorStatus(err error) (int, string) {
	var throttled *blast.ThrottledError
	var apiErr *whatsapp.APIError

	switch {
	case errors.As(err, &throttled):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, whatsapp.ErrNotConnected):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, blast.ErrAlreadyRunning):
		return http.StatusConflict, err.Error()
	case errors.Is(err, blast.ErrNotRunning):
		return http.StatusConflict, err.Error()
	case errors.Is(err, contacts.ErrDuplicatePhone),
		errors.Is(err, contacts.ErrDuplicateGroup),
		errors.Is(err, template.ErrDuplicateName):
		return http.StatusConflict, err.Error()
	case errors.Is(err, contacts.ErrNotFound),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, template.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, documents.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, blast.ErrInvalidRequest),
		errors.Is(err, blast.ErrNoContacts),
		errors.Is(err, contacts.ErrInvalidPhone),
		errors.Is(err, contacts.ErrNoPhoneColumn),
		errors.Is(err, contacts.ErrUnsupportedFormat),
		errors.Is(err, documents.ErrInvalidName),
		errors.Is(err, documents.ErrExtensionNotAllowed):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func parseID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, name string) *bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "true", "1", "yes":
		b := true
		return &b
	case "false", "0", "no":
		b := false
		return &b
	}
	return nil
}
