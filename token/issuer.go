package token

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/bestian830/auth-service-sub001/keys"
)

const (
	// DefaultAccessTokenTTL is the access token validity window.
	DefaultAccessTokenTTL = time.Hour

	// DefaultIDTokenTTL is intentionally short: the ID token only proves
	// authentication to the requesting client at login time.
	DefaultIDTokenTTL = 300 * time.Second
)

// AccessTokenRequest carries the resolved subject for an access token.
// The core receives these fields from surrounding collaborators; it does
// not resolve users or roles itself.
type AccessTokenRequest struct {
	Subject        string
	Audience       string // optional; falls back to the organization default
	Roles          []string
	Scope          string
	OrganizationID string
	DeviceID       string
	ACR            string
}

// IDTokenRequest carries the fields for an OIDC ID token.
type IDTokenRequest struct {
	Subject  string
	ClientID string // becomes the aud claim
	Nonce    string // echoed from the authorization request when present
	ACR      string
}

// customClaims are the non-registered claims embedded in access tokens.
type customClaims struct {
	Roles          []string `json:"roles,omitempty"`
	Scope          string   `json:"scope,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	DeviceID       string   `json:"deviceId,omitempty"`
	ACR            string   `json:"acr,omitempty"`
}

type idClaims struct {
	Nonce string `json:"nonce,omitempty"`
	ACR   string `json:"acr,omitempty"`
}

// Issuer signs access and ID tokens with the key store's active key,
// embedding the kid in the token header so verifiers can select the
// matching public key.
type Issuer struct {
	keyStore       *keys.KeyStore
	issuer         string
	accessTokenTTL time.Duration
	idTokenTTL     time.Duration
	logger         *slog.Logger
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// Issuer is the iss claim value (the server's base URL).
	Issuer string

	// AccessTokenTTL defaults to DefaultAccessTokenTTL.
	AccessTokenTTL time.Duration

	// IDTokenTTL defaults to DefaultIDTokenTTL.
	IDTokenTTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewIssuer creates a token issuer.
func NewIssuer(keyStore *keys.KeyStore, cfg IssuerConfig) (*Issuer, error) {
	if keyStore == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.IDTokenTTL <= 0 {
		cfg.IDTokenTTL = DefaultIDTokenTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Issuer{
		keyStore:       keyStore,
		issuer:         cfg.Issuer,
		accessTokenTTL: cfg.AccessTokenTTL,
		idTokenTTL:     cfg.IDTokenTTL,
		logger:         cfg.Logger,
	}, nil
}

// AccessTokenTTL returns the configured access token validity window.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.accessTokenTTL
}

// SignAccessToken mints a signed access token for the resolved subject.
func (i *Issuer) SignAccessToken(ctx context.Context, req AccessTokenRequest) (string, error) {
	if req.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}

	signer, err := i.signer(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	std := gojwt.Claims{
		ID:       uuid.NewString(),
		Issuer:   i.issuer,
		Subject:  req.Subject,
		Audience: gojwt.Audience{i.resolveAudience(req.Audience, req.OrganizationID)},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(i.accessTokenTTL)),
	}

	custom := customClaims{
		Roles:          req.Roles,
		Scope:          req.Scope,
		OrganizationID: req.OrganizationID,
		DeviceID:       req.DeviceID,
		ACR:            req.ACR,
	}

	raw, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize access token: %w", err)
	}
	return raw, nil
}

// SignIDToken mints a signed OIDC ID token. The aud claim is the requesting
// client's id, never the resource audience.
func (i *Issuer) SignIDToken(ctx context.Context, req IDTokenRequest) (string, error) {
	if req.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if req.ClientID == "" {
		return "", fmt.Errorf("client id is required")
	}

	signer, err := i.signer(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	std := gojwt.Claims{
		ID:       uuid.NewString(),
		Issuer:   i.issuer,
		Subject:  req.Subject,
		Audience: gojwt.Audience{req.ClientID},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(i.idTokenTTL)),
	}

	raw, err := gojwt.Signed(signer).Claims(std).Claims(idClaims{Nonce: req.Nonce, ACR: req.ACR}).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize id token: %w", err)
	}
	return raw, nil
}

// signer builds an RS256 signer over the current active key with its kid in
// the protected header.
func (i *Issuer) signer(ctx context.Context) (gojose.Signer, error) {
	material, err := i.keyStore.ActiveKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.RS256, Key: material.PrivateKey},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", material.Kid),
	)
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	return signer, nil
}

// resolveAudience uses the explicit audience when supplied and well-formed,
// otherwise falls back to the organization-prefixed default.
func (i *Issuer) resolveAudience(explicit, organizationID string) string {
	if explicit != "" && isWellFormedAudience(explicit) {
		return explicit
	}
	if organizationID != "" {
		return fmt.Sprintf("org:%s", organizationID)
	}
	return i.issuer
}

// isWellFormedAudience accepts either an absolute URI or a plain
// space-free identifier.
func isWellFormedAudience(aud string) bool {
	for _, ch := range aud {
		if ch == ' ' || ch == '\t' || ch == '\n' {
			return false
		}
	}
	if u, err := url.Parse(aud); err == nil && u.Scheme != "" {
		return true
	}
	return len(aud) > 0
}
