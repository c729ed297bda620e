// Package testutil provides shared helpers for tests across the module.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns a URL-safe random string of length n.
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("testutil: rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n]
}

// PKCEPair returns a fresh code verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = GenerateRandomString(64)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge
}
