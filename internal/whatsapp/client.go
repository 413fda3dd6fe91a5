// Package whatsapp sends messages through a WhatsApp driver and tracks the
// connection state.
package whatsapp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotConnected is returned when sending before Connect succeeded
var ErrNotConnected = errors.New("whatsapp is not connected")

// State is the connection state of a driver
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Status describes the current connection
type Status struct {
	State       State     `json:"state"`
	Driver      string    `json:"driver"`
	DisplayName string    `json:"display_name,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Connected reports whether messages can be sent
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Media is an attachment to send
type Media struct {
	Filename string
	MIMEType string
	Data     []byte
	Caption  string
}

// IsImage reports whether the media is sent as an image message
func (m Media) IsImage() bool {
	return strings.HasPrefix(m.MIMEType, "image/")
}

// Client is a WhatsApp driver
type Client interface {
	// Connect establishes the session. It is safe to call again after a failure.
	Connect(ctx context.Context) error
	Status() Status
	// SendText sends a text message and returns the provider message id
	SendText(ctx context.Context, to, body string) (string, error)
	// SendMedia sends an image or document and returns the provider message id
	SendMedia(ctx context.Context, to string, media Media) (string, error)
	// OnStatus registers a listener for state changes
	OnStatus(fn func(Status))
	Close() error
}

// statusTracker holds the connection status and notifies listeners on change
type statusTracker struct {
	mu        sync.RWMutex
	status    Status
	listeners []func(Status)
	now       func() time.Time
}

func newStatusTracker(driver string) *statusTracker {
	return &statusTracker{
		status: Status{State: StateDisconnected, Driver: driver, UpdatedAt: time.Now()},
		now:    time.Now,
	}
}

func (t *statusTracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *statusTracker) OnStatus(fn func(Status)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// set applies update to the status and notifies listeners outside the lock
func (t *statusTracker) set(update func(*Status)) {
	t.mu.Lock()
	update(&t.status)
	t.status.UpdatedAt = t.now()
	status := t.status
	listeners := append(([]func(Status))(nil), t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (t *statusTracker) setState(state State, lastErr error) {
	t.set(func(s *Status) {
		s.State = state
		s.LastError = ""
		if lastErr != nil {
			s.LastError = lastErr.Error()
		}
	})
}
