package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bestian830/auth-service-sub001/keys"
	"github.com/bestian830/auth-service-sub001/storage/memory"
)

const testIssuer = "https://auth.example.com"

func newTestIssuer(t *testing.T) (*Issuer, *keys.KeyStore) {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	ks, err := keys.New(store)
	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}
	if _, err := ks.EnsureActiveKey(context.Background()); err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}

	iss, err := NewIssuer(ks, IssuerConfig{Issuer: testIssuer})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss, ks
}

// decodeSegment decodes one JWT segment without verifying the signature.
func decodeSegment(t *testing.T, raw string, index int) map[string]any {
	t.Helper()
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[index])
	if err != nil {
		t.Fatalf("decode segment %d: %v", index, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal segment %d: %v", index, err)
	}
	return m
}

func TestSignAccessToken(t *testing.T) {
	iss, ks := newTestIssuer(t)
	ctx := context.Background()

	raw, err := iss.SignAccessToken(ctx, AccessTokenRequest{
		Subject:        "user-1",
		Roles:          []string{"admin", "editor"},
		Scope:          "openid profile",
		OrganizationID: "org-9",
		ACR:            "urn:mfa",
	})
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}

	header := decodeSegment(t, raw, 0)
	if header["alg"] != "RS256" {
		t.Errorf("alg = %v, want RS256", header["alg"])
	}
	active, err := ks.ActiveKey(ctx)
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if header["kid"] != active.Kid {
		t.Errorf("kid = %v, want %v", header["kid"], active.Kid)
	}

	claims := decodeSegment(t, raw, 1)
	if claims["iss"] != testIssuer {
		t.Errorf("iss = %v, want %v", claims["iss"], testIssuer)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v, want user-1", claims["sub"])
	}
	if claims["organizationId"] != "org-9" {
		t.Errorf("organizationId = %v, want org-9", claims["organizationId"])
	}
	if claims["jti"] == "" || claims["jti"] == nil {
		t.Error("jti missing")
	}

	// No explicit audience: falls back to the org-prefixed default
	aud, _ := claims["aud"].(string)
	if aud != "org:org-9" {
		t.Errorf("aud = %v, want org:org-9", claims["aud"])
	}

	// iat and exp are integer seconds accessTTL apart
	iat, ok1 := claims["iat"].(float64)
	exp, ok2 := claims["exp"].(float64)
	if !ok1 || !ok2 {
		t.Fatalf("iat/exp not numeric: %v %v", claims["iat"], claims["exp"])
	}
	if got := time.Duration(exp-iat) * time.Second; got != iss.AccessTokenTTL() {
		t.Errorf("exp-iat = %v, want %v", got, iss.AccessTokenTTL())
	}
}

func TestSignAccessToken_ExplicitAudience(t *testing.T) {
	iss, _ := newTestIssuer(t)

	raw, err := iss.SignAccessToken(context.Background(), AccessTokenRequest{
		Subject:        "user-1",
		Audience:       "https://api.example.com",
		OrganizationID: "org-9",
	})
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}

	claims := decodeSegment(t, raw, 1)
	if aud, _ := claims["aud"].(string); aud != "https://api.example.com" {
		t.Errorf("aud = %v, want explicit audience", claims["aud"])
	}
}

func TestSignAccessToken_UniqueJTI(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		raw, err := iss.SignAccessToken(ctx, AccessTokenRequest{Subject: "user-1"})
		if err != nil {
			t.Fatalf("SignAccessToken: %v", err)
		}
		jti, _ := decodeSegment(t, raw, 1)["jti"].(string)
		if seen[jti] {
			t.Fatalf("duplicate jti %q", jti)
		}
		seen[jti] = true
	}
}

func TestSignIDToken(t *testing.T) {
	iss, _ := newTestIssuer(t)

	raw, err := iss.SignIDToken(context.Background(), IDTokenRequest{
		Subject:  "user-1",
		ClientID: "client-7",
		Nonce:    "n-0S6_WzA2Mj",
	})
	if err != nil {
		t.Fatalf("SignIDToken: %v", err)
	}

	claims := decodeSegment(t, raw, 1)
	if aud, _ := claims["aud"].(string); aud != "client-7" {
		t.Errorf("aud = %v, want the requesting client id", claims["aud"])
	}
	if claims["nonce"] != "n-0S6_WzA2Mj" {
		t.Errorf("nonce = %v, want echoed request nonce", claims["nonce"])
	}

	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	if got := time.Duration(exp-iat) * time.Second; got != DefaultIDTokenTTL {
		t.Errorf("id token lifetime = %v, want %v", got, DefaultIDTokenTTL)
	}
}

func TestVerify(t *testing.T) {
	iss, ks := newTestIssuer(t)
	ctx := context.Background()

	verifier, err := NewVerifier(ks, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	raw, err := iss.SignAccessToken(ctx, AccessTokenRequest{
		Subject:        "user-1",
		Roles:          []string{"admin"},
		Scope:          "openid",
		OrganizationID: "org-9",
		DeviceID:       "",
	})
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}

	claims, err := verifier.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("sub = %q, want user-1", claims.Subject)
	}
	if claims.Scope != "openid" {
		t.Errorf("scope = %q, want openid", claims.Scope)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Errorf("roles = %v, want [admin]", claims.Roles)
	}
}

func TestVerify_Malformed(t *testing.T) {
	_, ks := newTestIssuer(t)
	verifier, err := NewVerifier(ks, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := verifier.Verify(context.Background(), raw); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("Verify(%q) = %v, want ErrTokenMalformed", raw, err)
		}
	}
}

func TestVerify_WrongIssuer(t *testing.T) {
	iss, ks := newTestIssuer(t)
	ctx := context.Background()

	verifier, err := NewVerifier(ks, "https://other.example.com")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	raw, err := iss.SignAccessToken(ctx, AccessTokenRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}
	if _, err := verifier.Verify(ctx, raw); !errors.Is(err, ErrWrongIssuer) {
		t.Errorf("Verify = %v, want ErrWrongIssuer", err)
	}
}

func TestVerify_SurvivesRotation(t *testing.T) {
	iss, ks := newTestIssuer(t)
	ctx := context.Background()

	verifier, err := NewVerifier(ks, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	// Token signed before rotation must verify against the grace key
	raw, err := iss.SignAccessToken(ctx, AccessTokenRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}
	if _, err := ks.Rotate(ctx); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := verifier.Verify(ctx, raw); err != nil {
		t.Errorf("token signed pre-rotation failed to verify: %v", err)
	}

	// A second rotation retires the original key
	if _, err := ks.Rotate(ctx); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := verifier.Verify(ctx, raw); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("token signed with retired key: got %v, want ErrUnknownKey", err)
	}
}

func TestResolveAudience(t *testing.T) {
	iss, _ := newTestIssuer(t)

	tests := []struct {
		name           string
		explicit       string
		organizationID string
		want           string
	}{
		{"explicit URI wins", "https://api.example.com", "org-1", "https://api.example.com"},
		{"plain identifier wins", "billing-api", "org-1", "billing-api"},
		{"whitespace rejected, org default", "bad aud", "org-1", "org:org-1"},
		{"empty explicit, org default", "", "org-1", "org:org-1"},
		{"no org, issuer fallback", "", "", testIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := iss.resolveAudience(tt.explicit, tt.organizationID); got != tt.want {
				t.Errorf("resolveAudience(%q, %q) = %q, want %q", tt.explicit, tt.organizationID, got, tt.want)
			}
		})
	}
}
