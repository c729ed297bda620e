package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/bestian830/auth-service-sub001/security"
	"github.com/bestian830/auth-service-sub001/storage"
)

const (
	// AlgRS256 is the only signature algorithm the key store produces.
	AlgRS256 = "RS256"

	// MinRSABits is the minimum accepted RSA modulus size.
	MinRSABits = 2048

	// DefaultMaxGraceKeys is how many demoted keys stay in the JWKS.
	// One grace key covers the access token validity window after a
	// rotation; older graces move to retired.
	DefaultMaxGraceKeys = 1

	pemTypeRSAPrivateKey = "RSA PRIVATE KEY"
)

// KeyStore manages the signing key lifecycle over a SigningKeyStore backend.
// Private key material is encrypted at rest when an Encryptor is configured
// and decrypted on read; the backend never sees plaintext PEM in that mode.
type KeyStore struct {
	store        storage.SigningKeyStore
	encryptor    *security.Encryptor
	auditor      *security.Auditor
	logger       *slog.Logger
	rsaBits      int
	maxGraceKeys int
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithEncryptor enables encryption at rest for private key material.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(ks *KeyStore) { ks.encryptor = enc }
}

// WithAuditor enables security audit logging for key lifecycle events.
func WithAuditor(aud *security.Auditor) Option {
	return func(ks *KeyStore) { ks.auditor = aud }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ks *KeyStore) { ks.logger = logger }
}

// WithRSABits sets the RSA modulus size. Values below MinRSABits are raised.
func WithRSABits(bits int) Option {
	return func(ks *KeyStore) { ks.rsaBits = bits }
}

// WithMaxGraceKeys sets how many grace keys are retained after a rotation.
func WithMaxGraceKeys(n int) Option {
	return func(ks *KeyStore) { ks.maxGraceKeys = n }
}

// New creates a KeyStore over the given backend.
func New(store storage.SigningKeyStore, opts ...Option) (*KeyStore, error) {
	if store == nil {
		return nil, fmt.Errorf("signing key store is required")
	}

	ks := &KeyStore{
		store:        store,
		logger:       slog.Default(),
		rsaBits:      MinRSABits,
		maxGraceKeys: DefaultMaxGraceKeys,
	}
	for _, opt := range opts {
		opt(ks)
	}

	if ks.rsaBits < MinRSABits {
		ks.rsaBits = MinRSABits
	}
	if ks.maxGraceKeys < 1 {
		ks.maxGraceKeys = DefaultMaxGraceKeys
	}

	return ks, nil
}

// Material is a signing key with its private material decrypted.
type Material struct {
	Kid         string
	Algorithm   string
	Status      storage.SigningKeyStatus
	PrivateKey  *rsa.PrivateKey
	ActivatedAt time.Time
}

// EnsureActiveKey creates a signing key only if none is active. It is
// idempotent: two consecutive calls return the same kid.
func (ks *KeyStore) EnsureActiveKey(ctx context.Context) (*Material, error) {
	existing, err := ks.store.GetActiveSigningKey(ctx)
	if err == nil {
		return ks.decrypt(existing)
	}
	if !storage.IsNotFound(err) {
		return nil, fmt.Errorf("ensure active key: %w", err)
	}

	row, priv, err := ks.generateKey()
	if err != nil {
		return nil, err
	}
	row.Status = storage.KeyStatusActive

	if err := ks.store.SaveSigningKey(ctx, row); err != nil {
		// Another instance may have won the race; fall back to its key.
		if active, getErr := ks.store.GetActiveSigningKey(ctx); getErr == nil {
			return ks.decrypt(active)
		}
		return nil, fmt.Errorf("persist signing key: %w", err)
	}

	ks.logger.Info("Created initial signing key", "kid", row.Kid, "bits", ks.rsaBits)
	if ks.auditor != nil {
		ks.auditor.LogEvent(security.Event{
			Type:    security.EventSigningKeyCreated,
			Details: map[string]any{"kid": row.Kid},
		})
	}

	return &Material{
		Kid:         row.Kid,
		Algorithm:   row.Algorithm,
		Status:      row.Status,
		PrivateKey:  priv,
		ActivatedAt: row.ActivatedAt,
	}, nil
}

// Rotate demotes the current active key to grace, installs a freshly
// generated key as the new active, and trims the grace set. The whole
// transition happens in one atomic storage operation.
func (ks *KeyStore) Rotate(ctx context.Context) (*Material, error) {
	current, err := ks.store.GetActiveSigningKey(ctx)
	if err != nil && !storage.IsNotFound(err) {
		return nil, fmt.Errorf("rotate: load active key: %w", err)
	}

	row, priv, err := ks.generateKey()
	if err != nil {
		return nil, err
	}
	row.Status = storage.KeyStatusActive

	if err := ks.store.AtomicRotateSigningKey(ctx, row, ks.maxGraceKeys); err != nil {
		return nil, fmt.Errorf("rotate signing key: %w", err)
	}

	demotedKid := ""
	if current != nil {
		demotedKid = current.Kid
	}
	ks.logger.Info("Rotated signing key", "new_kid", row.Kid, "demoted_kid", demotedKid)
	if ks.auditor != nil {
		ks.auditor.LogKeyRotated(row.Kid, demotedKid)
	}

	return &Material{
		Kid:         row.Kid,
		Algorithm:   row.Algorithm,
		Status:      row.Status,
		PrivateKey:  priv,
		ActivatedAt: row.ActivatedAt,
	}, nil
}

// ActiveKey returns the current active key with private material decrypted.
func (ks *KeyStore) ActiveKey(ctx context.Context) (*Material, error) {
	row, err := ks.store.GetActiveSigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("active key: %w", err)
	}
	return ks.decrypt(row)
}

// GraceKeys returns the grace keys, most recently activated first.
func (ks *KeyStore) GraceKeys(ctx context.Context) ([]*Material, error) {
	rows, err := ks.store.GetGraceSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("grace keys: %w", err)
	}

	materials := make([]*Material, 0, len(rows))
	for _, row := range rows {
		m, err := ks.decrypt(row)
		if err != nil {
			return nil, err
		}
		materials = append(materials, m)
	}
	return materials, nil
}

// generateKey produces a new RSA key pair and its storage row. The private
// PEM is sealed by the encryptor when one is configured.
func (ks *KeyStore) generateKey() (*storage.SigningKey, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, ks.rsaBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate RSA key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeRSAPrivateKey,
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	stored := string(pemBytes)
	if ks.encryptor != nil && ks.encryptor.IsEnabled() {
		sealed, err := ks.encryptor.Encrypt(stored)
		if err != nil {
			return nil, nil, fmt.Errorf("encrypt private key: %w", err)
		}
		stored = sealed
	}

	now := time.Now()
	row := &storage.SigningKey{
		Kid:           uuid.NewString(),
		Algorithm:     AlgRS256,
		PrivateKeyPEM: stored,
		PublicN:       base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
		PublicE:       base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
		CreatedAt:     now,
		ActivatedAt:   now,
	}

	return row, priv, nil
}

// decrypt unseals a stored row and parses the private key PEM.
func (ks *KeyStore) decrypt(row *storage.SigningKey) (*Material, error) {
	stored := row.PrivateKeyPEM
	if ks.encryptor != nil && ks.encryptor.IsEnabled() {
		opened, err := ks.encryptor.Decrypt(stored)
		if err != nil {
			return nil, fmt.Errorf("decrypt private key %s: %w", row.Kid, err)
		}
		stored = opened
	}

	block, _ := pem.Decode([]byte(stored))
	if block == nil || block.Type != pemTypeRSAPrivateKey {
		return nil, fmt.Errorf("key %s: invalid private key PEM", row.Kid)
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key %s: parse private key: %w", row.Kid, err)
	}

	return &Material{
		Kid:         row.Kid,
		Algorithm:   row.Algorithm,
		Status:      row.Status,
		PrivateKey:  priv,
		ActivatedAt: row.ActivatedAt,
	}, nil
}
