package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// Subject identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed subject id.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful token issuance.
func (a *Auditor) LogTokenIssued(subjectID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh token rotation.
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, familyID string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"family_id": familyID,
		},
	})
}

// LogFamilyRevoked logs revocation of an entire refresh token family.
func (a *Auditor) LogFamilyRevoked(subjectID, clientID, familyID, reason string) {
	a.LogEvent(Event{
		Type:      EventFamilyRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"family_id": familyID,
			"reason":    reason,
		},
	})
}

// LogReuseDetected logs a refresh token replay. This is the single
// wide-blast-radius event in the core: the caller revokes the family.
func (a *Auditor) LogReuseDetected(subjectID, clientID, familyID string) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": familyID,
			"action":    "family_revoked",
		},
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(subjectID, clientID, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogKeyRotated logs a signing key rotation.
func (a *Auditor) LogKeyRotated(newKid, demotedKid string) {
	a.LogEvent(Event{
		Type: EventSigningKeyRotated,
		Details: map[string]any{
			"new_kid":     newKid,
			"demoted_kid": demotedKid,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
