package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewServerDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewServer(New(), ServerConfig{}, logger)
	if s.addr != "127.0.0.1:9090" {
		t.Errorf("addr = %q, want 127.0.0.1:9090", s.addr)
	}
	if s.path != "/metrics" {
		t.Errorf("path = %q, want /metrics", s.path)
	}
	if s.filter.Enabled() {
		t.Error("filter should be disabled without allowed IPs")
	}

	s = NewServer(New(), ServerConfig{Path: "/prom", AllowedIPs: []string{"10.0.0.0/8", "bogus"}}, logger)
	if s.filter.Count() != 1 {
		t.Errorf("filter count = %d, want 1", s.filter.Count())
	}
}

func TestServerIPFiltering(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()

	tests := []struct {
		name       string
		allowedIPs []string
		remoteAddr string
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "no filtering when empty",
			remoteAddr: "1.2.3.4:12345",
			wantStatus: http.StatusOK,
		},
		{
			name:       "allowed IP",
			allowedIPs: []string{"192.168.1.0/24"},
			remoteAddr: "192.168.1.100:12345",
			wantStatus: http.StatusOK,
		},
		{
			name:       "denied IP",
			allowedIPs: []string{"192.168.1.0/24"},
			remoteAddr: "10.0.0.1:12345",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "allowed through X-Forwarded-For",
			allowedIPs: []string{"10.0.0.0/8"},
			remoteAddr: "127.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "denied through X-Real-IP",
			allowedIPs: []string{"127.0.0.1"},
			remoteAddr: "127.0.0.1:12345",
			headers:    map[string]string{"X-Real-IP": "172.16.0.1"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "IPv6 loopback",
			allowedIPs: []string{"::1"},
			remoteAddr: "[::1]:12345",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, ServerConfig{AllowedIPs: tt.allowedIPs}, logger)

			req := httptest.NewRequest("GET", "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.MessagesSentTotal.Inc()

	s := NewServer(m, ServerConfig{AllowedIPs: []string{"10.0.0.0/8"}}, logger)
	handler := s.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wablast_messages_sent_total 1") {
		t.Errorf("metrics output missing sent counter:\n%s", rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "8.8.8.8:5555"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("health should not be filtered, got %d", rec.Code)
	}
}

func TestServerShutdownBeforeStart(t *testing.T) {
	s := NewServer(New(), ServerConfig{}, nil)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() before ListenAndServe = %v, want nil", err)
	}
}
