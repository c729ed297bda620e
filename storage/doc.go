// Package storage provides interfaces and shared types for persisting the
// identity provider's durable state.
//
// The storage package defines the core storage interfaces used throughout
// the library:
//   - SigningKeyStore: signing key lifecycle rows and atomic rotation
//   - FlowStore: one-time authorization codes with atomic redemption
//   - RefreshTokenStore: refresh token families with atomic rotation
//   - ClientStore: registered OAuth clients
//
// The durable store is the sole serialization point of the system: the
// security-critical check-then-write sequences (code redemption, refresh
// rotation, key rotation) are expressed as single atomic storage operations
// rather than multi-step transactions in the caller.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
