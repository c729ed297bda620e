package server

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/bestian830/auth-service-sub001/storage"
)

func TestValidatePKCE(t *testing.T) {
	srv, _ := newTestServer(t)

	verifier := strings.Repeat("a", 43)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid", challenge, "S256", verifier, false},
		{"wrong verifier", challenge, "S256", strings.Repeat("b", 43), true},
		{"plain method rejected", verifier, "plain", verifier, true},
		{"empty method rejected", challenge, "", verifier, true},
		{"missing challenge", "", "S256", verifier, true},
		{"missing verifier", challenge, "S256", "", true},
		{"verifier too short", challenge, "S256", strings.Repeat("a", 42), true},
		{"verifier too long", challenge, "S256", strings.Repeat("a", 129), true},
		{"verifier bad charset", challenge, "S256", strings.Repeat("a", 42) + "!", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePKCE_MaxLengthVerifier(t *testing.T) {
	srv, _ := newTestServer(t)

	verifier := strings.Repeat("x", 128)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	if err := srv.validatePKCE(challenge, "S256", verifier); err != nil {
		t.Errorf("128-char verifier rejected: %v", err)
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	sum := sha256.Sum256([]byte("some-verifier"))
	valid := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name      string
		challenge string
		method    string
		wantErr   bool
	}{
		{"valid", valid, "S256", false},
		{"plain rejected", valid, "plain", true},
		{"empty challenge", "", "S256", true},
		{"wrong length", "tooshort", "S256", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCodeChallenge(tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	srv, _ := newTestServer(t)

	client := &storage.Client{
		ClientID: "c1",
		RedirectURIs: []string{
			"https://app.example.com/callback",
			"http://localhost:8080/callback",
		},
	}

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"registered https", "https://app.example.com/callback", false},
		{"registered localhost http", "http://localhost:8080/callback", false},
		{"unregistered", "https://evil.example.com/callback", true},
		{"path differs", "https://app.example.com/other", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateRedirectURI(client, tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURISecurity(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"https ok", "https://app.example.com/cb", false},
		{"localhost http ok", "http://localhost:9000/cb", false},
		{"loopback ip http ok", "http://127.0.0.1/cb", false},
		{"fragment rejected", "https://app.example.com/cb#frag", true},
		{"javascript scheme", "javascript:alert(1)", true},
		{"data scheme", "data:text/html,hi", true},
		{"metadata service ip", "https://169.254.169.254/cb", true},
		{"unspecified ip", "http://0.0.0.0/cb", true},
		{"non-localhost http with https issuer", "http://app.example.com/cb", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURISecurity(tt.uri, testServerIssuer)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURISecurity(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	srv, _ := newTestServer(t)

	unrestricted := &storage.Client{ClientID: "c1"}
	restricted := &storage.Client{ClientID: "c2", Scopes: []string{"openid", "profile"}}

	tests := []struct {
		name    string
		scope   string
		client  *storage.Client
		wantErr bool
	}{
		{"empty scope ok", "", unrestricted, false},
		{"supported scope ok", "openid profile", unrestricted, false},
		{"unknown scope rejected", "openid admin", unrestricted, true},
		{"within client scopes", "openid", restricted, false},
		{"outside client scopes", "openid email", restricted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateScopes(tt.scope, tt.client)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateScopes(%q) error = %v, wantErr %v", tt.scope, err, tt.wantErr)
			}
		})
	}
}
