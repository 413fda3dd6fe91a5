package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/activity"
	"github.com/foxzi/wablast/internal/antiban"
	"github.com/foxzi/wablast/internal/api"
	"github.com/foxzi/wablast/internal/blast"
	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/contacts"
	"github.com/foxzi/wablast/internal/documents"
	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/filematch"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/sandbox"
	"github.com/foxzi/wablast/internal/storage"
	"github.com/foxzi/wablast/internal/template"
	"github.com/foxzi/wablast/internal/whatsapp"
)

// App is the main application
type App struct {
	config         *config.Config
	db             *bolt.DB
	logger         *slog.Logger
	contacts       *contacts.Store
	documents      *documents.Library
	client         whatsapp.Client
	throttle       *antiban.Throttle
	runner         *blast.Runner
	hub            *events.Hub
	apiServer      *api.Server
	sandboxStorage *sandbox.Storage
	cleaner        *sandbox.Cleaner
	collector      *metrics.Collector
	metricsServer  *metrics.Server

	wg sync.WaitGroup
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a, err := build(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, db *bolt.DB, logger *slog.Logger) (*App, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	contactStore, err := contacts.NewStore(db, cfg.WhatsApp.CountryCode)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact store: %w", err)
	}

	templates, err := template.NewStorage(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	docs, err := documents.New(documents.Options{
		Dir:               cfg.Documents.Dir,
		CacheTTL:          cfg.Documents.CacheTTL,
		AllowedExtensions: cfg.Documents.AllowedExtensions,
		MaxFileSize:       cfg.Documents.MaxFileSize,
	}, logger.With("component", "documents"))
	if err != nil {
		return nil, fmt.Errorf("failed to open documents folder: %w", err)
	}

	activityLog, err := activity.New(db, activity.Options{
		BufferSize: cfg.Activity.BufferSize,
		PersistMax: cfg.Activity.PersistMax,
	}, logger.With("component", "activity"))
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}

	blastStorage, err := blast.NewStorage(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create blast storage: %w", err)
	}

	hub := events.NewHub(cfg.API.AllowedOrigins, logger.With("component", "events"))

	// Messaging driver
	var (
		client         whatsapp.Client
		sandboxStorage *sandbox.Storage
		cleaner        *sandbox.Cleaner
	)
	switch cfg.WhatsApp.Driver {
	case config.DriverCloud:
		client = whatsapp.NewCloudClient(whatsapp.CloudConfig{
			BaseURL:       cfg.WhatsApp.Cloud.BaseURL,
			APIVersion:    cfg.WhatsApp.Cloud.APIVersion,
			PhoneNumberID: cfg.WhatsApp.Cloud.PhoneNumberID,
			Token:         cfg.WhatsApp.Cloud.Token,
			Timeout:       cfg.WhatsApp.Cloud.Timeout,
		}, logger)
	default:
		sandboxStorage, err = sandbox.NewStorage(db)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox storage: %w", err)
		}
		client = whatsapp.NewSandboxClient(whatsapp.SandboxConfig{
			ErrorRate: cfg.WhatsApp.Sandbox.ErrorRate,
			Latency:   cfg.WhatsApp.Sandbox.Latency,
		}, sandboxStorage, logger)
		cleaner = sandbox.NewCleaner(sandboxStorage, sandbox.CleanerConfig{
			MaxAge:   cfg.Storage.Retention.SandboxMaxAge,
			Interval: cfg.Storage.Retention.CleanupInterval,
		}, logger)
		logger.Warn("sandbox driver active, messages are captured and not delivered")
	}
	client.OnStatus(func(s whatsapp.Status) {
		hub.Publish(events.ConnectionStatus, s)
	})

	throttle := antiban.New(cfg.Antiban, antiban.WithLogger(logger))
	throttle.OnPause(func(until time.Time, consecutiveErrors int) {
		hub.Publish(events.AntibanPaused, map[string]interface{}{
			"until":              until,
			"consecutive_errors": consecutiveErrors,
		})
	})

	engine := template.NewEngine()
	matcher := filematch.New(cfg.FileMatching.MinScore)

	runner := blast.NewRunner(blastStorage, blast.Deps{
		Contacts:  contactStore,
		Documents: docs,
		Matcher:   matcher,
		Templates: templates,
		Engine:    engine,
		Throttle:  throttle,
		Client:    client,
		Activity:  activityLog,
		Events:    hub,
	}, blast.Config{
		MaxRetries:  cfg.Blast.MaxRetries,
		SendTimeout: cfg.Blast.SendTimeout,
		KeepHistory: cfg.Blast.KeepHistory,
	}, logger)

	apiServer := api.NewServer(api.Deps{
		Contacts:  contactStore,
		Documents: docs,
		Matcher:   matcher,
		Templates: templates,
		Engine:    engine,
		Runner:    runner,
		Client:    client,
		Throttle:  throttle,
		Activity:  activityLog,
		Hub:       hub,
		Sandbox:   sandboxStorage,
	}, &cfg.API, logger.With("component", "api"))

	a := &App{
		config:         cfg,
		db:             db,
		logger:         logger,
		contacts:       contactStore,
		documents:      docs,
		client:         client,
		throttle:       throttle,
		runner:         runner,
		hub:            hub,
		apiServer:      apiServer,
		sandboxStorage: sandboxStorage,
		cleaner:        cleaner,
	}

	if m != nil {
		countContacts := func(ctx context.Context) (int, error) {
			stats, err := contactStore.Stats(ctx)
			if err != nil {
				return 0, err
			}
			return stats.Total, nil
		}
		a.collector, err = metrics.NewCollector(db, m, countContacts, cfg.Storage.Path, cfg.Metrics.FlushInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger)
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting wablast",
		"api_addr", a.config.API.ListenAddr,
		"driver", a.config.WhatsApp.Driver,
		"tier", a.config.Antiban.Tier,
		"documents_dir", a.config.Documents.Dir,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.runner.Recover(ctx); err != nil {
		a.logger.Warn("failed to recover interrupted blasts", "error", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.Run(ctx)
	}()

	if !a.config.Documents.DisableWatch {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.documents.Watch(ctx); err != nil {
				a.logger.Warn("documents watcher stopped", "error", err)
			}
		}()
	}

	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	// Connect in the background; the API reports the state and /api/messages/connect retries
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := a.client.Connect(connectCtx); err != nil {
			a.logger.Warn("whatsapp connect failed", "error", err)
		}
	}()

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
	}
	cancel()

	// Graceful shutdown
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests before the blast is cancelled
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.runner.Shutdown()

	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.wg.Wait()

	if err := a.client.Close(); err != nil {
		a.logger.Error("whatsapp client close error", "error", err)
	}

	// Close storage
	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
		return err
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
