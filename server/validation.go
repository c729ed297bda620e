package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bestian830/auth-service-sub001/internal/helpers"
	"github.com/bestian830/auth-service-sub001/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// DangerousSchemes lists URI schemes that must never be allowed as redirect
// targets.
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateRedirectURI validates that a redirect URI is registered for the
// client and structurally safe.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI, s.Config.Issuer)
}

// validateRedirectURISecurity performs structural validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice.
func validateRedirectURISecurity(redirectURI, serverIssuer string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// Redirect URIs must not carry fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
		}
	}

	// Link-local and unspecified hosts are never valid redirect targets;
	// 169.254.0.0/16 in particular covers cloud metadata services.
	if ip := net.ParseIP(parsed.Hostname()); ip != nil {
		switch helpers.ClassifyIP(ip) {
		case helpers.IPClassificationLinkLocal, helpers.IPClassificationUnspecified:
			return fmt.Errorf("redirect_uri host %s is not allowed", parsed.Hostname())
		}
	}

	if scheme == "http" {
		hostname := strings.ToLower(parsed.Hostname())
		// Loopback redirects are fine for native-app development; anything
		// else must match the issuer's transport security.
		if !isLocalhostHostname(hostname) {
			if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == "https" {
				return fmt.Errorf("redirect_uri must use HTTPS in production")
			}
		}
	}

	return nil
}

// validateScopes validates requested scopes against the server allow-list
// and then the client's own registered scopes.
func (s *Server) validateScopes(scope string, client *storage.Client) error {
	if scope == "" {
		return nil
	}

	requested := strings.Fields(scope)

	if len(s.Config.SupportedScopes) > 0 {
		for _, req := range requested {
			if !containsScope(s.Config.SupportedScopes, req) {
				return fmt.Errorf("unsupported scope: %s", req)
			}
		}
	}

	// A client registered without scope restrictions may request anything
	// the server supports.
	if client != nil && len(client.Scopes) > 0 {
		for _, req := range requested {
			if !containsScope(client.Scopes, req) {
				// Generic wording so clients cannot enumerate another
				// client's allowed scopes.
				return fmt.Errorf("client is not authorized for one or more requested scopes")
			}
		}
	}

	return nil
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// validatePKCE validates the code verifier against the stored challenge per
// RFC 7636. Only the S256 method is accepted.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is accepted)", method)
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters of [A-Za-z0-9-._~]
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateCodeChallenge checks the challenge parameters at issuance time so
// a malformed challenge is rejected before a code is stored.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is accepted)", method)
	}
	// An S256 challenge is base64url(SHA-256), always 43 characters
	if len(challenge) != 43 {
		return fmt.Errorf("code_challenge must be a base64url-encoded SHA-256 digest")
	}
	return nil
}
