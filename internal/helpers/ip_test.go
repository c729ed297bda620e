package helpers

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPClassification
	}{
		{"8.8.8.8", IPClassificationPublic},
		{"2001:4860:4860::8888", IPClassificationPublic},
		{"127.0.0.1", IPClassificationLoopback},
		{"127.255.255.254", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"10.0.0.1", IPClassificationPrivate},
		{"172.16.0.1", IPClassificationPrivate},
		{"192.168.1.1", IPClassificationPrivate},
		{"fc00::1", IPClassificationPrivate},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got := ClassifyIP(net.ParseIP(tt.ip))
			if got != tt.want {
				t.Errorf("ClassifyIP(%s) = %s, want %s", tt.ip, got, tt.want)
			}
		})
	}
}

func TestClassifyIP_Nil(t *testing.T) {
	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %s, want unspecified", got)
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.0.0.53", true},
		{"::1", true},
		{"[::1]", true},
		{"example.com", false},
		{"192.168.1.1", false},
		{"0.0.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			got := IsLoopbackHostname(tt.hostname)
			if got != tt.want {
				t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
			}
		})
	}
}
