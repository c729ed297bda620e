// Package storage defines interfaces for persisting signing keys, OAuth
// clients, authorization codes, and refresh token families.
// It supports various backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"time"
)

// SigningKeyStatus is the lifecycle state of a signing key.
type SigningKeyStatus string

const (
	// KeyStatusActive marks the single key used to sign new tokens.
	KeyStatusActive SigningKeyStatus = "active"

	// KeyStatusGrace marks a recently demoted key kept for verification only,
	// so tokens signed just before a rotation remain valid.
	KeyStatusGrace SigningKeyStatus = "grace"

	// KeyStatusRetired marks a key that no longer appears in the JWKS.
	// Retired keys are kept for audit; they are never deleted.
	KeyStatusRetired SigningKeyStatus = "retired"
)

// SigningKey is a persisted RSA signing key.
// PrivateKeyPEM holds the private key material as stored: an AEAD envelope
// (nonce || tag || ciphertext, base64) when encryption at rest is configured,
// plain PKCS#1 PEM otherwise. Decryption happens in the keys package on read.
type SigningKey struct {
	Kid           string
	Algorithm     string // always "RS256"
	Status        SigningKeyStatus
	PrivateKeyPEM string
	PublicN       string // base64url RSA modulus
	PublicE       string // base64url RSA public exponent
	CreatedAt     time.Time
	ActivatedAt   time.Time
	RetiredAt     time.Time
}

// SigningKeyStore persists signing keys and performs the atomic rotation.
// All methods accept context.Context for tracing and cancellation.
type SigningKeyStore interface {
	// SaveSigningKey inserts a new key row. Fails if the kid already exists.
	SaveSigningKey(ctx context.Context, key *SigningKey) error

	// GetActiveSigningKey returns the single active key, or ErrKeyNotFound.
	GetActiveSigningKey(ctx context.Context) (*SigningKey, error)

	// GetGraceSigningKeys returns all grace keys ordered by activation time,
	// most recently activated first.
	GetGraceSigningKeys(ctx context.Context) ([]*SigningKey, error)

	// AtomicRotateSigningKey demotes the current active key to grace
	// (preserving its activation timestamp), inserts newKey as the active
	// key, and retires all but the maxGrace most recently activated grace
	// keys, oldest first.
	//
	// SECURITY: This MUST be a single atomic operation. A visible window
	// with zero or two active keys would let token issuance race key
	// verification.
	AtomicRotateSigningKey(ctx context.Context, newKey *SigningKey, maxGrace int) error
}

// AuthorizationCode is an issued one-time authorization code bound to a
// client, redirect URI, and PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string // must be "S256"
	Scope               string
	State               string
	Nonce               string
	SubjectUserID       string
	OrganizationID      string
	Roles               []string
	ACR                 string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
	UsedAt              time.Time
}

// FlowStore manages authorization codes.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without mutating
	// it. For redemption use AtomicCheckAndMarkCodeUsed instead.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkCodeUsed atomically checks that a code exists, is
	// unexpired and unused, and marks it used. Returns the code row from
	// before the mutation.
	//
	// Errors: ErrCodeNotFound, ErrCodeExpired, ErrCodeUsed. On ErrCodeUsed
	// the stored row is also returned so callers can identify the subject
	// for audit purposes.
	//
	// SECURITY: This operation MUST be atomic to prevent double-spend of a
	// code under concurrent requests.
	AtomicCheckAndMarkCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshTokenStatus is the per-token state in a refresh token family.
type RefreshTokenStatus string

const (
	// RefreshStatusActive is the initial state; the frontier of the chain.
	RefreshStatusActive RefreshTokenStatus = "active"

	// RefreshStatusRotated is terminal: the token was superseded by rotation.
	RefreshStatusRotated RefreshTokenStatus = "rotated"

	// RefreshStatusRevoked is terminal: explicit revoke, logout, or the
	// response to reuse detection.
	RefreshStatusRevoked RefreshTokenStatus = "revoked"
)

// RefreshToken is one link in a refresh token family chain.
// Exactly one of SubjectUserID and SubjectDeviceID is populated.
type RefreshToken struct {
	ID              string
	FamilyID        string
	ClientID        string
	SubjectUserID   string
	SubjectDeviceID string
	OrganizationID  string
	Scope           string
	Roles           []string
	ACR             string
	Status          RefreshTokenStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RotatedAt       time.Time
	RevokedAt       time.Time
	RevokeReason    string
}

// RefreshTokenStore persists refresh token families and performs the atomic
// rotation at the heart of reuse detection.
// All methods accept context.Context for tracing and cancellation.
type RefreshTokenStore interface {
	// SaveRefreshToken inserts a new refresh token row.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token by id, any status.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// AtomicRotateRefreshToken verifies that oldID is active and unexpired,
	// marks it rotated, and inserts newToken (same family, fresh id) as the
	// new active token, all as one operation.
	//
	// Errors: ErrRefreshTokenNotFound, ErrRefreshTokenExpired,
	// ErrRefreshTokenRotated (reuse: the id was already superseded),
	// ErrRefreshTokenRevoked. On ErrRefreshTokenRotated and
	// ErrRefreshTokenRevoked the stored row is also returned so the caller
	// can revoke the family.
	//
	// SECURITY: This operation MUST be atomic. Two concurrent rotations of
	// the same old id must not both succeed, or reuse detection is defeated.
	AtomicRotateRefreshToken(ctx context.Context, oldID string, newToken *RefreshToken) (*RefreshToken, error)

	// RevokeRefreshTokenFamily sets every token sharing familyID to revoked,
	// regardless of current status, recording the reason. Idempotent.
	RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) error

	// ListRefreshTokenFamily returns all tokens in a family (for audit and
	// tests), newest first.
	ListRefreshTokenFamily(ctx context.Context, familyID string) ([]*RefreshToken, error)
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	GrantTypes       []string
	Scopes           []string
	ClientName       string
	CreatedAt        time.Time
}

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored
	// bcrypt hash.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}
