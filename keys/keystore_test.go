package keys

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bestian830/auth-service-sub001/security"
	"github.com/bestian830/auth-service-sub001/storage"
	"github.com/bestian830/auth-service-sub001/storage/memory"
)

func newTestKeyStore(t *testing.T, opts ...Option) (*KeyStore, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks, err := New(store, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ks, store
}

func TestEnsureActiveKeyIdempotent(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	first, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}
	if first.Kid == "" {
		t.Fatal("key has no kid")
	}
	if first.Algorithm != AlgRS256 {
		t.Fatalf("algorithm = %q, want %s", first.Algorithm, AlgRS256)
	}
	if first.Status != storage.KeyStatusActive {
		t.Fatalf("status = %q, want active", first.Status)
	}
	if first.PrivateKey.N.BitLen() < MinRSABits {
		t.Fatalf("modulus = %d bits, want >= %d", first.PrivateKey.N.BitLen(), MinRSABits)
	}

	second, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey again: %v", err)
	}
	if second.Kid != first.Kid {
		t.Fatalf("second call created a new key: %s != %s", second.Kid, first.Kid)
	}
}

func TestRotate(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	original, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}

	rotated, err := ks.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.Kid == original.Kid {
		t.Fatal("rotation reused the old kid")
	}

	active, err := ks.ActiveKey(ctx)
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.Kid != rotated.Kid {
		t.Fatalf("active kid = %s, want %s", active.Kid, rotated.Kid)
	}

	graces, err := ks.GraceKeys(ctx)
	if err != nil {
		t.Fatalf("GraceKeys: %v", err)
	}
	if len(graces) != 1 || graces[0].Kid != original.Kid {
		t.Fatalf("grace set = %v, want just the demoted key %s", graces, original.Kid)
	}
	if graces[0].Status != storage.KeyStatusGrace {
		t.Fatalf("demoted key status = %q, want grace", graces[0].Status)
	}
}

func TestRotateTrimsGraceSet(t *testing.T) {
	ks, _ := newTestKeyStore(t, WithMaxGraceKeys(2))
	ctx := context.Background()

	if _, err := ks.EnsureActiveKey(ctx); err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}

	var kids []string
	for i := 0; i < 4; i++ {
		m, err := ks.Rotate(ctx)
		if err != nil {
			t.Fatalf("Rotate %d: %v", i, err)
		}
		kids = append(kids, m.Kid)
	}

	graces, err := ks.GraceKeys(ctx)
	if err != nil {
		t.Fatalf("GraceKeys: %v", err)
	}
	if len(graces) != 2 {
		t.Fatalf("grace set size = %d, want 2", len(graces))
	}
	// The two most recently demoted keys remain, newest first.
	if graces[0].Kid != kids[2] || graces[1].Kid != kids[1] {
		t.Fatalf("grace kids = [%s %s], want [%s %s]", graces[0].Kid, graces[1].Kid, kids[2], kids[1])
	}
}

func TestRotateWithoutExistingKey(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	m, err := ks.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate on empty store: %v", err)
	}

	active, err := ks.ActiveKey(ctx)
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.Kid != m.Kid {
		t.Fatalf("active kid = %s, want %s", active.Kid, m.Kid)
	}

	graces, err := ks.GraceKeys(ctx)
	if err != nil {
		t.Fatalf("GraceKeys: %v", err)
	}
	if len(graces) != 0 {
		t.Fatalf("grace set size = %d, want 0", len(graces))
	}
}

func TestEncryptionAtRest(t *testing.T) {
	masterKey, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	enc, err := security.NewEncryptor(masterKey)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ks, store := newTestKeyStore(t, WithEncryptor(enc))
	ctx := context.Background()

	material, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}

	row, err := store.GetActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("GetActiveSigningKey: %v", err)
	}
	if strings.Contains(row.PrivateKeyPEM, "RSA PRIVATE KEY") {
		t.Fatal("stored private key is plaintext PEM")
	}

	// Reads still round-trip through decryption.
	reread, err := ks.ActiveKey(ctx)
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if reread.PrivateKey.N.Cmp(material.PrivateKey.N) != 0 {
		t.Fatal("decrypted key differs from generated key")
	}
}

func TestBuildJWKS(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	if _, err := ks.EnsureActiveKey(ctx); err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}

	jwks, err := ks.BuildJWKS(ctx)
	if err != nil {
		t.Fatalf("BuildJWKS: %v", err)
	}
	if !strings.HasPrefix(jwks.ETag, `"`) || !strings.HasSuffix(jwks.ETag, `"`) {
		t.Fatalf("ETag = %q, want quoted validator", jwks.ETag)
	}
	if bytes.Contains(jwks.Body, []byte(`"d"`)) {
		t.Fatal("private material leaked into JWKS body")
	}

	// The validator is deterministic for an unchanged key set.
	again, err := ks.BuildJWKS(ctx)
	if err != nil {
		t.Fatalf("BuildJWKS again: %v", err)
	}
	if again.ETag != jwks.ETag {
		t.Fatalf("ETag unstable: %q then %q", jwks.ETag, again.ETag)
	}
	if !bytes.Equal(again.Body, jwks.Body) {
		t.Fatal("body unstable across identical builds")
	}
}

func TestBuildJWKSFollowsRotation(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	if _, err := ks.EnsureActiveKey(ctx); err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}
	before, err := ks.BuildJWKS(ctx)
	if err != nil {
		t.Fatalf("BuildJWKS: %v", err)
	}

	if _, err := ks.Rotate(ctx); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	after, err := ks.BuildJWKS(ctx)
	if err != nil {
		t.Fatalf("BuildJWKS after rotation: %v", err)
	}
	if after.ETag == before.ETag {
		t.Fatal("ETag unchanged across rotation")
	}

	set, err := ks.PublicKeySet(ctx)
	if err != nil {
		t.Fatalf("PublicKeySet: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("key set size = %d, want active + grace", len(set.Keys))
	}
	for _, k := range set.Keys {
		if k.Use != "sig" || k.Algorithm != AlgRS256 {
			t.Fatalf("key %s: use %q alg %q", k.KeyID, k.Use, k.Algorithm)
		}
		if !k.IsPublic() {
			t.Fatalf("key %s carries private material", k.KeyID)
		}
	}
}
