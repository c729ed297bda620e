package keys

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/bestian830/auth-service-sub001/storage"
)

// JWKS is a rendered public key set with its cache validator.
type JWKS struct {
	// Body is the serialized JSON Web Key Set.
	Body []byte

	// ETag is a deterministic validator over the {kid, n, e, use} tuples of
	// the set. It changes exactly when the published key set changes, so
	// conditional GETs need no coordination between instances.
	ETag string
}

// BuildJWKS assembles the public JSON Web Key Set from the active key and
// all grace keys. Retired keys never appear. The build is a pure read of
// current key rows; concurrent readers are safe without locking.
func (ks *KeyStore) BuildJWKS(ctx context.Context) (*JWKS, error) {
	set, rows, err := ks.publicKeySet(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshal jwks: %w", err)
	}

	return &JWKS{
		Body: body,
		ETag: computeETag(rows),
	}, nil
}

// PublicKeySet returns the verification key set (active + grace) as parsed
// JWKs, for in-process verifiers such as the introspection endpoint.
func (ks *KeyStore) PublicKeySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	set, _, err := ks.publicKeySet(ctx)
	return set, err
}

func (ks *KeyStore) publicKeySet(ctx context.Context) (jose.JSONWebKeySet, []*storage.SigningKey, error) {
	active, err := ks.store.GetActiveSigningKey(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, nil, fmt.Errorf("build jwks: %w", err)
	}

	graces, err := ks.store.GetGraceSigningKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, nil, fmt.Errorf("build jwks: %w", err)
	}

	rows := append([]*storage.SigningKey{active}, graces...)

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(rows))}
	for _, row := range rows {
		pub, err := publicKeyFromRow(row)
		if err != nil {
			return jose.JSONWebKeySet{}, nil, err
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     row.Kid,
			Algorithm: row.Algorithm,
			Use:       "sig",
		})
	}

	return set, rows, nil
}

// publicKeyFromRow reconstructs the RSA public key from the stored modulus
// and exponent, without touching private material.
func publicKeyFromRow(row *storage.SigningKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(row.PublicN)
	if err != nil {
		return nil, fmt.Errorf("key %s: decode modulus: %w", row.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(row.PublicE)
	if err != nil {
		return nil, fmt.Errorf("key %s: decode exponent: %w", row.Kid, err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("key %s: invalid public exponent", row.Kid)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

// computeETag hashes the sorted {kid, n, e, use} tuples of the key set.
// Sorting by kid makes the validator independent of row ordering.
func computeETag(rows []*storage.SigningKey) string {
	tuples := make([]string, 0, len(rows))
	for _, row := range rows {
		tuples = append(tuples, strings.Join([]string{row.Kid, row.PublicN, row.PublicE, "sig"}, "|"))
	}
	sort.Strings(tuples)

	sum := sha256.Sum256([]byte(strings.Join(tuples, "\n")))
	return `"` + hex.EncodeToString(sum[:])[:32] + `"`
}
