// Package ipfilter restricts HTTP listeners to configured client networks.
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter matches client addresses against allowed prefixes
type Filter struct {
	allowed      []netip.Prefix
	trustHeaders bool
	logger       *slog.Logger
}

// Option configures a Filter
type Option func(*Filter)

// TrustProxyHeaders makes the middleware take the client address from
// X-Forwarded-For or X-Real-IP before RemoteAddr.
func TrustProxyHeaders(trust bool) Option {
	return func(f *Filter) {
		f.trustHeaders = trust
	}
}

// New builds a filter from addresses and CIDRs. Invalid entries are logged
// and skipped.
func New(entries []string, logger *slog.Logger, opts ...Option) *Filter {
	f := &Filter{logger: logger}
	for _, opt := range opts {
		opt(f)
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := ParsePrefix(entry)
		if err != nil {
			logger.Warn("invalid entry in allowed_ips", "entry", entry, "error", err)
			continue
		}
		f.allowed = append(f.allowed, prefix)
	}

	if len(f.allowed) > 0 {
		logger.Info("IP filtering enabled", "allowed_networks", len(f.allowed))
	}
	return f
}

// ParsePrefix accepts "10.0.0.0/8" or a bare address, which becomes a
// single-host prefix. IPv4-mapped IPv6 addresses are unmapped.
func ParsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Enabled returns true when at least one network is configured
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Count returns the number of configured networks
func (f *Filter) Count() int {
	return len(f.allowed)
}

func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowedString parses s and checks it. Unparseable input is denied
// whenever filtering is enabled.
func (f *Filter) IsAllowedString(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return !f.Enabled()
	}
	return f.IsAllowed(addr)
}

// ClientAddr extracts the client address of r. Forwarding headers are
// consulted only when trustHeaders is set.
func ClientAddr(r *http.Request, trustHeaders bool) (netip.Addr, bool) {
	if trustHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap(), true
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
				return addr.Unmap(), true
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// HTTPMiddleware rejects requests from addresses outside the allowlist
// with 403.
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := ClientAddr(r, f.trustHeaders)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.IsAllowed(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
