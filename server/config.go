package server

import (
	"log/slog"
)

// Config holds token lifecycle configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 300 (5 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid. Rotation issues
	// the replacement with a fresh window, so the family slides as long as
	// the client keeps refreshing.
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// MaxGraceKeys bounds how many demoted signing keys stay verifiable
	// after a rotation. Older graces are retired, oldest first.
	MaxGraceKeys int // default: 1

	// JWKSCacheMaxAge is the max-age value (seconds) for the published JWKS
	JWKSCacheMaxAge int64 // seconds, default: 300

	// SupportedScopes lists the scopes that are allowed for clients
	// If empty, all scopes are allowed
	SupportedScopes []string

	// ClockSkewGracePeriod is the grace period for token expiration checks
	// (in seconds). This prevents false expiration errors due to time
	// synchronization issues.
	ClockSkewGracePeriod int64 // seconds, default: 5

	// AllowInsecureHTTP permits a plain-HTTP issuer outside localhost.
	// WARNING: Only for test environments. Tokens travel in cleartext.
	AllowInsecureHTTP bool // default: false

	// TrustProxy enables client IP extraction from X-Forwarded-For and
	// X-Real-IP. Enable only behind proxies you control; the headers are
	// trivially forged otherwise.
	TrustProxy bool

	// TrustedProxyCount is how many trailing X-Forwarded-For entries were
	// appended by trusted proxies. Zero means one.
	TrustedProxyCount int

	// CORS configures cross-origin access for browser-based clients.
	CORS CORSConfig
}

// CORSConfig controls CORS headers on the token endpoints. Empty
// AllowedOrigins disables CORS entirely.
type CORSConfig struct {
	// AllowedOrigins are exact origins to allow. "*" allows any origin
	// and should never be used in production.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds. Default: 3600.
	MaxAge int64
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 300 // 5 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 300 // 5 minutes
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.MaxGraceKeys == 0 {
		config.MaxGraceKeys = 1
	}
	if config.JWKSCacheMaxAge == 0 {
		config.JWKSCacheMaxAge = 300
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}

	if config.AllowInsecureHTTP {
		logger.Warn("Insecure HTTP issuer explicitly allowed",
			"risk", "Tokens and client credentials exposed to network interception",
			"recommendation", "Use HTTPS for any non-test deployment")
	}

	return config
}
