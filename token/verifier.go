package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/bestian830/auth-service-sub001/keys"
	"github.com/bestian830/auth-service-sub001/security"
)

// Verification errors. Callers map these onto protocol responses; the
// verifier itself never reveals which check failed to the token holder.
var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenExpired   = errors.New("token expired")
	ErrUnknownKey     = errors.New("token signed with unknown key")
	ErrWrongIssuer    = errors.New("token issued by a different issuer")
)

// Claims is the verified claim set of an access or ID token.
type Claims struct {
	ID             string
	Subject        string
	Issuer         string
	Audience       []string
	IssuedAt       time.Time
	Expiry         time.Time
	Roles          []string
	Scope          string
	OrganizationID string
	DeviceID       string
	ACR            string
	Nonce          string
}

// Verifier checks token signatures against the published key set. Tokens
// signed by a grace key remain verifiable until the key is retired.
type Verifier struct {
	keyStore *keys.KeyStore
	issuer   string
	leeway   time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway sets the clock-skew grace applied to expiry checks.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.leeway = d
		}
	}
}

// NewVerifier creates a verifier bound to the given issuer value.
func NewVerifier(keyStore *keys.KeyStore, issuer string, opts ...VerifierOption) (*Verifier, error) {
	if keyStore == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	v := &Verifier{
		keyStore: keyStore,
		issuer:   issuer,
		leeway:   security.DefaultClockSkewGracePeriod,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses and validates a signed token, returning its claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	parsed, err := gojwt.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.RS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if len(parsed.Headers) != 1 {
		return nil, ErrTokenMalformed
	}

	kid := parsed.Headers[0].KeyID
	if kid == "" {
		return nil, ErrTokenMalformed
	}

	set, err := v.keyStore.PublicKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("load key set: %w", err)
	}
	matches := set.Key(kid)
	if len(matches) == 0 {
		return nil, ErrUnknownKey
	}

	var std gojwt.Claims
	var custom customClaims
	var id idClaims
	if err := parsed.Claims(matches[0].Key, &std, &custom, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	if std.Issuer != v.issuer {
		return nil, ErrWrongIssuer
	}
	if std.Expiry == nil || security.IsExpiredWithGracePeriod(std.Expiry.Time(), v.leeway) {
		return nil, ErrTokenExpired
	}

	claims := &Claims{
		ID:             std.ID,
		Subject:        std.Subject,
		Issuer:         std.Issuer,
		Audience:       []string(std.Audience),
		Expiry:         std.Expiry.Time(),
		Roles:          custom.Roles,
		Scope:          custom.Scope,
		OrganizationID: custom.OrganizationID,
		DeviceID:       custom.DeviceID,
		ACR:            custom.ACR,
		Nonce:          id.Nonce,
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	return claims, nil
}
