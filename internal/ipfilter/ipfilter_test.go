package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR notation", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"mixed", []string{"192.168.1.1", "10.0.0.0/8", " 172.16.0.1 "}, 3},
		{"with invalid", []string{"192.168.1.1", "invalid", "10.0.0.0/33", ""}, 1},
		{"IPv6", []string{"::1", "fe80::/10"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowedIPs, discardLogger())
			if f.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", f.Count(), tt.wantCount)
			}
			if f.Enabled() != (tt.wantCount > 0) {
				t.Errorf("Enabled() = %v", f.Enabled())
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	f := New([]string{
		"192.168.1.100",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"::1",
		"fe80::/10",
	}, discardLogger())

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.0.0.1", true},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
		{"::ffff:10.0.0.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := f.IsAllowed(netip.MustParseAddr(tt.ip)); got != tt.allowed {
				t.Errorf("IsAllowed(%s) = %v, want %v", tt.ip, got, tt.allowed)
			}
		})
	}
}

func TestIsAllowedAddr(t *testing.T) {
	f := New([]string{"10.0.0.0/8", "192.168.1.5", "::1"}, discardLogger())

	tests := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3:5000", true},
		{"192.168.1.5:80", true},
		{"192.168.1.5", true},
		{"192.168.1.6:80", false},
		{"[::1]:8080", true},
		{"[::ffff:10.0.0.1]:80", true},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		if got := f.IsAllowedAddr(tt.addr); got != tt.want {
			t.Errorf("IsAllowedAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}

	if !New(nil, discardLogger()).IsAllowedAddr("203.0.113.1:1") {
		t.Error("empty filter should allow everyone")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		remoteAddr string
		denied     http.Handler
		wantStatus int
	}{
		{"no filtering when empty", nil, "1.2.3.4:12345", nil, http.StatusOK},
		{"allowed IP", []string{"192.168.1.0/24"}, "192.168.1.100:12345", nil, http.StatusOK},
		{"denied IP", []string{"192.168.1.0/24"}, "10.0.0.1:12345", nil, http.StatusForbidden},
		{
			name:       "custom deny handler",
			allowed:    []string{"192.168.1.0/24"},
			remoteAddr: "10.0.0.1:12345",
			denied: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			}),
			wantStatus: http.StatusTeapot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowed, discardLogger())

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			f.HTTPMiddleware(tt.denied)(ok).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
