// Package server implements the token lifecycle engine: authorization code
// issuance and redemption with PKCE, access and ID token issuance, refresh
// token rotation with family-wide reuse response, revocation, and
// introspection.
//
// The package is transport-agnostic. HTTP binding lives in the root package;
// everything here operates on parsed requests and returns typed errors that
// the handler maps onto RFC 6749 responses.
//
// # Security model
//
// The storage layer provides the three atomic operations (code redemption,
// refresh rotation, key rotation); this package sequences them so that no
// failure path has side effects except the one deliberate case: presenting a
// rotated refresh token id revokes its entire family.
package server
