// Package ipfilter provides IP-based access control for the HTTP servers
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter checks if client addresses are allowed
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// New creates a new IP filter from a list of IPs/CIDRs.
// Empty list means allow all. Invalid entries are logged and skipped.
func New(allowedIPs []string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{logger: logger}

	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
				continue
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}

		// Single IP becomes a /32 or /128
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid IP in allowed_ips", "ip", entry)
			continue
		}
		addr = addr.Unmap()
		f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return f
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.prefixes)
}

// IsAllowed checks the address against the allow list.
// IPv4-mapped IPv6 addresses are compared as IPv4.
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}

	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowedAddr checks a host:port (or bare host) address
func (f *Filter) IsAllowedAddr(remoteAddr string) bool {
	if !f.Enabled() {
		return true
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return f.IsAllowed(addr)
}

// HTTPMiddleware rejects requests whose RemoteAddr is outside the allow list.
// Put chi's middleware.RealIP in front of it when running behind a proxy.
// denied writes the rejection; nil means a plain 403.
func (f *Filter) HTTPMiddleware(denied http.Handler) func(http.Handler) http.Handler {
	if denied == nil {
		denied = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !f.IsAllowedAddr(r.RemoteAddr) {
				f.logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				denied.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
