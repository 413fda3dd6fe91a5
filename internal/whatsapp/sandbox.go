package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/wablast/internal/sandbox"
)

// ErrSimulated is returned by the sandbox driver when an error is simulated
var ErrSimulated = errors.New("simulated send failure")

// SandboxConfig configures the sandbox driver
type SandboxConfig struct {
	// ErrorRate is the probability (0..1) that a send fails
	ErrorRate float64
	// Latency is added to every send
	Latency time.Duration
}

// SandboxClient captures messages in storage instead of sending them
type SandboxClient struct {
	*statusTracker
	cfg     SandboxConfig
	storage *sandbox.Storage
	logger  *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSandboxClient creates a sandbox driver
func NewSandboxClient(cfg SandboxConfig, storage *sandbox.Storage, logger *slog.Logger) *SandboxClient {
	return NewSandboxClientWithSource(cfg, storage, logger, rand.NewSource(time.Now().UnixNano()))
}

// NewSandboxClientWithSource creates a sandbox driver with a fixed random source
func NewSandboxClientWithSource(cfg SandboxConfig, storage *sandbox.Storage, logger *slog.Logger, src rand.Source) *SandboxClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SandboxClient{
		statusTracker: newStatusTracker("sandbox"),
		cfg:           cfg,
		storage:       storage,
		logger:        logger.With("component", "whatsapp", "driver", "sandbox"),
		rnd:           rand.New(src),
	}
}

// Connect always succeeds
func (c *SandboxClient) Connect(ctx context.Context) error {
	c.set(func(s *Status) {
		s.State = StateConnected
		s.LastError = ""
		s.DisplayName = "Sandbox"
	})
	c.logger.Info("sandbox connected", "error_rate", c.cfg.ErrorRate)
	return nil
}

// SendText captures a text message
func (c *SandboxClient) SendText(ctx context.Context, to, body string) (string, error) {
	return c.capture(ctx, &sandbox.Message{
		To:   to,
		Kind: sandbox.KindText,
		Body: body,
	})
}

// SendMedia captures an image or document message
func (c *SandboxClient) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	kind := sandbox.KindDocument
	if media.IsImage() {
		kind = sandbox.KindImage
	}
	return c.capture(ctx, &sandbox.Message{
		To:       to,
		Kind:     kind,
		Body:     media.Caption,
		Filename: media.Filename,
		MIMEType: media.MIMEType,
		Size:     int64(len(media.Data)),
	})
}

func (c *SandboxClient) capture(ctx context.Context, msg *sandbox.Message) (string, error) {
	if !c.Status().Connected() {
		return "", ErrNotConnected
	}

	if c.cfg.Latency > 0 {
		select {
		case <-time.After(c.cfg.Latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	msg.ID = uuid.New().String()
	msg.CapturedAt = time.Now()

	var sendErr error
	if c.shouldFail() {
		sendErr = ErrSimulated
		msg.SimulatedErr = sendErr.Error()
	}

	if err := c.storage.Save(ctx, msg); err != nil {
		return "", err
	}

	if sendErr != nil {
		c.logger.Info("simulated failure", "to", msg.To, "kind", msg.Kind)
		return "", sendErr
	}

	c.logger.Debug("message captured", "id", msg.ID, "to", msg.To, "kind", msg.Kind)
	return msg.ID, nil
}

func (c *SandboxClient) shouldFail() bool {
	if c.cfg.ErrorRate <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Float64() < c.cfg.ErrorRate
}

// Close marks the driver disconnected
func (c *SandboxClient) Close() error {
	c.setState(StateDisconnected, nil)
	return nil
}
