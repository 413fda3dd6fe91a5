package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings for captured messages
type CleanerConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Cleaner periodically removes old captured messages
type Cleaner struct {
	storage *Storage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *Storage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "sandbox_cleaner"),
		done:    make(chan struct{}),
	}
}

// Start runs the cleanup loop. It is a no-op unless both MaxAge and Interval are positive.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started", "max_age", c.cfg.MaxAge, "interval", c.cfg.Interval)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce deletes messages older than MaxAge and returns how many were removed
func (c *Cleaner) RunOnce(ctx context.Context) int {
	if c.cfg.MaxAge <= 0 {
		return 0
	}

	deleted, err := c.storage.Clear(ctx, c.cfg.MaxAge)
	if err != nil {
		c.logger.Error("failed to clean up sandbox messages", "error", err)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("cleaned up sandbox messages", "deleted", deleted)
	}
	return deleted
}
