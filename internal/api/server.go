package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/wablast/internal/activity"
	"github.com/foxzi/wablast/internal/antiban"
	"github.com/foxzi/wablast/internal/blast"
	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/contacts"
	"github.com/foxzi/wablast/internal/documents"
	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/filematch"
	"github.com/foxzi/wablast/internal/ipfilter"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/sandbox"
	"github.com/foxzi/wablast/internal/template"
	"github.com/foxzi/wablast/internal/whatsapp"
)

// Version is reported by /health
var Version = "dev"

// Deps holds the components served over HTTP
type Deps struct {
	Contacts  *contacts.Store
	Documents *documents.Library
	Matcher   *filematch.Matcher
	Templates *template.Storage
	Engine    *template.Engine
	Runner    *blast.Runner
	Client    whatsapp.Client
	Throttle  *antiban.Throttle
	Activity  *activity.Log
	Hub       *events.Hub
	// Sandbox is nil unless the sandbox driver is active
	Sandbox *sandbox.Storage
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	ips := ipfilter.New(s.config.AllowedIPs, s.logger)
	if ips.Enabled() {
		s.logger.Info("API IP filtering enabled", "allowed_networks", ips.Count())
	}

	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(ips.HTTPMiddleware(http.HandlerFunc(forbidden)))

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	if s.deps.Hub != nil {
		s.router.With(s.wsAuthMiddleware).Get("/ws", s.deps.Hub.ServeWS)
	}

	maxUpload := s.config.MaxUploadBytes

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		NewContactServer(s.deps.Contacts, maxUpload, s.logger.With("area", "contacts")).RegisterRoutes(r)

		r.Route("/messages", func(r chi.Router) {
			NewMessageServer(s.deps.Runner, s.deps.Client, s.deps.Throttle, maxUpload, s.logger.With("area", "messages")).RegisterRoutes(r)
			NewTemplateServer(s.deps.Templates, s.deps.Engine).RegisterRoutes(r)
		})

		NewFileMatchingServer(s.deps.Documents, s.deps.Contacts, s.deps.Matcher, maxUpload, s.logger.With("area", "file-matching")).RegisterRoutes(r)
		NewLogServer(s.deps.Activity).RegisterRoutes(r)

		if s.deps.Sandbox != nil {
			NewSandboxServer(s.deps.Sandbox).RegisterRoutes(r)
		}
	})
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	WhatsApp  whatsapp.Status `json:"whatsapp"`
	Blasting  bool            `json:"blasting"`
	WSClients int             `json:"ws_clients"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Client != nil {
		resp.WhatsApp = s.deps.Client.Status()
	}
	if s.deps.Runner != nil {
		resp.Blasting = s.deps.Runner.Running()
	}
	if s.deps.Hub != nil {
		resp.WSClients = s.deps.Hub.Clients()
	}

	sendJSON(w, http.StatusOK, resp)
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
