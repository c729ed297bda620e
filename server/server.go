package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/bestian830/auth-service-sub001/instrumentation"
	"github.com/bestian830/auth-service-sub001/internal/helpers"
	"github.com/bestian830/auth-service-sub001/keys"
	"github.com/bestian830/auth-service-sub001/security"
	"github.com/bestian830/auth-service-sub001/storage"
	"github.com/bestian830/auth-service-sub001/token"
)

// Server coordinates the token lifecycle: code issuance and redemption,
// refresh token families, revocation, introspection, and signing key
// publication. The HTTP binding lives in the root package.
type Server struct {
	keyStore     *keys.KeyStore
	issuer       *token.Issuer
	verifier     *token.Verifier
	flowStore    storage.FlowStore
	refreshStore storage.RefreshTokenStore
	clientStore  storage.ClientStore

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // per-client-ip limiter, applied at the HTTP layer
	SecurityEventRateLimiter *security.RateLimiter // caps security event logging under replay floods
	Instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config
}

// Stores bundles the storage interfaces the server needs. A single backend
// typically implements all of them.
type Stores struct {
	Flow    storage.FlowStore
	Refresh storage.RefreshTokenStore
	Client  storage.ClientStore
}

// New creates a token lifecycle server. The key store must already be
// constructed; call EnsureActiveKey before serving traffic.
func New(keyStore *keys.KeyStore, stores Stores, config *Config, logger *slog.Logger) (*Server, error) {
	if keyStore == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if stores.Flow == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if stores.Refresh == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if stores.Client == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	issuer, err := token.NewIssuer(keyStore, token.IssuerConfig{
		Issuer:         config.Issuer,
		AccessTokenTTL: time.Duration(config.AccessTokenTTL) * time.Second,
		IDTokenTTL:     time.Duration(config.IDTokenTTL) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	verifier, err := token.NewVerifier(keyStore, config.Issuer,
		token.WithLeeway(time.Duration(config.ClockSkewGracePeriod)*time.Second))
	if err != nil {
		return nil, err
	}

	srv := &Server{
		keyStore:     keyStore,
		issuer:       issuer,
		verifier:     verifier,
		flowStore:    stores.Flow,
		refreshStore: stores.Refresh,
		clientStore:  stores.Client,
		Config:       config,
		Logger:       logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// KeyStore exposes the signing key store for JWKS publication and rotation.
func (s *Server) KeyStore() *keys.KeyStore {
	return s.keyStore
}

// RotateSigningKey installs a fresh active signing key and demotes the
// current one to grace. Tokens signed by the demoted key keep verifying
// until it ages out of the grace set.
func (s *Server) RotateSigningKey(ctx context.Context) (*keys.Material, error) {
	material, err := s.keyStore.Rotate(ctx)
	if err != nil {
		return nil, err
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordKeyRotation(ctx, material.Kid)
	}
	return material, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the per-IP rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event
// logging. This prevents log flooding from repeated replay attempts.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation attaches OpenTelemetry instrumentation. The HTTP layer
// reads it for tracing and request metrics.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// validateHTTPSEnforcement blocks plain-HTTP issuers outside localhost
// unless AllowInsecureHTTP is set. An HTTP issuer exposes every token and
// client secret this server handles to network interception.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS in production (got http://%s); set AllowInsecureHTTP only for test environments", hostname)
		}
		s.Logger.Error("Running token endpoint over plain HTTP",
			"issuer", s.Config.Issuer,
			"risk", "All tokens and credentials exposed to network interception")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// 0.0.0.0 counts too: it is how development servers bind all interfaces.
func isLocalhostHostname(hostname string) bool {
	return hostname == "0.0.0.0" || helpers.IsLoopbackHostname(hostname)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes and token ids.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
