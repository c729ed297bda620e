package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP_DirectConnection(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	// Headers must be ignored when the proxy is not trusted.
	if got := GetClientIP(r, false, 0); got != "203.0.113.7" {
		t.Errorf("GetClientIP = %q, want 203.0.113.7", got)
	}
}

func TestGetClientIP_TrustedProxy(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		proxyCount int
		xRealIP    string
		want       string
	}{
		{"single proxy", "198.51.100.1", 1, "", "198.51.100.1"},
		{"two proxies", "198.51.100.1, 10.0.0.2", 1, "", "198.51.100.1"},
		{"client behind two trusted", "198.51.100.1, 10.0.0.2, 10.0.0.3", 2, "", "198.51.100.1"},
		{"x-real-ip fallback", "", 1, "198.51.100.9", "198.51.100.9"},
		{"garbage xff falls through", "not-an-ip", 1, "", "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "203.0.113.7:54321"
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, true, tt.proxyCount); got != tt.want {
				t.Errorf("GetClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
