// Package security provides the security primitives shared across the
// identity provider core: encryption of private key material at rest,
// audit logging with PII protection, rate limiting of security event
// logging, clock-skew-tolerant expiry checks, and response header hygiene.
package security
