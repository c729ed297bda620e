package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when access/ID tokens are issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated and new
	// tokens are issued
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a refresh token family is revoked
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an already-redeemed
	// code is presented again (attack indicator)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventInvalidPKCE is logged when PKCE code_verifier validation fails
	EventInvalidPKCE = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token
	// is presented again; the whole family is revoked in response
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventRevokedFamilyReuseAttempt is logged when a token from a
	// previously revoked family is presented
	EventRevokedFamilyReuseAttempt = "revoked_token_family_reuse_attempt"

	// EventFamilyRevoked is logged when an entire refresh token family is
	// set to revoked, whatever the trigger
	EventFamilyRevoked = "refresh_token_family_revoked" //nolint:gosec // G101: event type name, not a credential

	// Key lifecycle events

	// EventSigningKeyCreated is logged when a signing key is generated
	EventSigningKeyCreated = "signing_key_created"

	// EventSigningKeyRotated is logged when the active signing key is rotated
	EventSigningKeyRotated = "signing_key_rotated"
)
