package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		entries   []string
		wantCount int
	}{
		{"empty list", []string{}, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR range", []string{"10.0.0.0/8"}, 1},
		{"with whitespace", []string{"  192.168.1.1  ", " 10.0.0.0/8 ", "   "}, 2},
		{"invalid entries ignored", []string{"192.168.1.1", "invalid", "10.0.0.0/33"}, 1},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.entries, newTestLogger())
			if f.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", f.Count(), tt.wantCount)
			}
			if f.Enabled() != (tt.wantCount > 0) {
				t.Errorf("Enabled() = %v with %d networks", f.Enabled(), tt.wantCount)
			}
		})
	}
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		entry string
		want  string
	}{
		{"192.168.1.7", "192.168.1.7/32"},
		{"192.168.1.7/24", "192.168.1.0/24"},
		{"::ffff:10.1.2.3", "10.1.2.3/32"},
		{"2001:db8::1", "2001:db8::1/128"},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			got, err := ParsePrefix(tt.entry)
			if err != nil {
				t.Fatalf("ParsePrefix() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParsePrefix() = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := ParsePrefix("not-an-ip"); err == nil {
		t.Error("expected error for invalid entry")
	}
}

func TestFilter_IsAllowed(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		addr    string
		want    bool
	}{
		{"empty filter allows all", nil, "1.2.3.4", true},
		{"exact IP match", []string{"192.168.1.1"}, "192.168.1.1", true},
		{"exact IP no match", []string{"192.168.1.1"}, "192.168.1.2", false},
		{"CIDR contains", []string{"192.168.0.0/16"}, "192.168.1.100", true},
		{"CIDR not contains", []string{"192.168.0.0/16"}, "10.0.0.1", false},
		{"mapped address", []string{"10.0.0.0/8"}, "::ffff:10.9.8.7", true},
		{"IPv6 CIDR", []string{"2001:db8::/32"}, "2001:db8::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.entries, newTestLogger())
			if got := f.IsAllowed(netip.MustParseAddr(tt.addr)); got != tt.want {
				t.Errorf("IsAllowed(%s) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestFilter_IsAllowedString(t *testing.T) {
	f := New([]string{"192.168.1.0/24"}, newTestLogger())

	if !f.IsAllowedString("192.168.1.50") {
		t.Error("IsAllowedString should allow IP in range")
	}
	if f.IsAllowedString("10.0.0.1") {
		t.Error("IsAllowedString should deny IP outside range")
	}
	if f.IsAllowedString("invalid") {
		t.Error("IsAllowedString should deny invalid IP")
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		trust      bool
		want       string
	}{
		{"X-Forwarded-For chain", "203.0.113.50, 70.41.3.18", "", "127.0.0.1:12345", true, "203.0.113.50"},
		{"X-Real-IP", "", "198.51.100.25", "127.0.0.1:12345", true, "198.51.100.25"},
		{"X-Forwarded-For takes priority", "203.0.113.50", "198.51.100.25", "127.0.0.1:12345", true, "203.0.113.50"},
		{"headers ignored when untrusted", "203.0.113.50", "198.51.100.25", "127.0.0.1:12345", false, "127.0.0.1"},
		{"fallback to RemoteAddr", "", "", "192.168.1.100:54321", true, "192.168.1.100"},
		{"RemoteAddr without port", "", "", "192.168.1.100", false, "192.168.1.100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			addr, ok := ClientAddr(req, tt.trust)
			if !ok {
				t.Fatal("ClientAddr returned no address")
			}
			if addr.String() != tt.want {
				t.Errorf("ClientAddr() = %s, want %s", addr, tt.want)
			}
		})
	}
}

func TestFilter_HTTPMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		entries    []string
		remoteAddr string
		xff        string
		trust      bool
		wantStatus int
	}{
		{"empty filter allows all", nil, "1.2.3.4:1", "", false, http.StatusOK},
		{"allowed IP", []string{"192.168.0.0/16"}, "192.168.1.100:1", "", false, http.StatusOK},
		{"denied IP", []string{"192.168.0.0/16"}, "10.0.0.1:1", "", false, http.StatusForbidden},
		{"unparseable remote", []string{"192.168.0.0/16"}, "garbage", "", false, http.StatusForbidden},
		{"spoofed header ignored", []string{"192.168.0.0/16"}, "10.0.0.1:1", "192.168.1.1", false, http.StatusForbidden},
		{"trusted proxy header", []string{"192.168.0.0/16"}, "10.0.0.1:1", "192.168.1.1", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.entries, newTestLogger(), TrustProxyHeaders(tt.trust))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			rr := httptest.NewRecorder()
			f.HTTPMiddleware(handler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
