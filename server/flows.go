package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bestian830/auth-service-sub001/security"
	"github.com/bestian830/auth-service-sub001/storage"
	"github.com/bestian830/auth-service-sub001/token"
)

// AuthorizationRequest carries the parameters of an authorization request
// after the subject has authenticated and consented.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	SubjectUserID       string
	OrganizationID      string

	// Roles and ACR are snapshotted into the code row at consent time and
	// flow into every token minted from it.
	Roles []string
	ACR   string
}

// TokenGrant is the result of a successful token endpoint call.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// FamilyID identifies the refresh token family for observability. It is
	// never serialized to clients.
	FamilyID string `json:"-"`
}

// IssueAuthorizationCode validates an authorization request and mints a
// single-use code bound to the client, redirect URI, and PKCE challenge.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req AuthorizationRequest) (string, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", errInvalidClient("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return "", errServerError("client lookup failed")
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		return "", NewError(ErrorCodeInvalidRequest, err.Error())
	}
	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return "", NewError(ErrorCodeInvalidRequest, err.Error())
	}
	if err := s.validateScopes(req.Scope, client); err != nil {
		return "", NewError(ErrorCodeInvalidScope, err.Error())
	}
	if req.SubjectUserID == "" {
		return "", NewError(ErrorCodeInvalidRequest, "subject is required")
	}

	now := time.Now().UTC()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		SubjectUserID:       req.SubjectUserID,
		OrganizationID:      req.OrganizationID,
		Roles:               req.Roles,
		ACR:                 req.ACR,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("failed to save authorization code", "error", err)
		return "", errServerError("failed to issue authorization code")
	}

	s.Logger.Info("authorization code issued",
		slog.String("client_id", client.ClientID),
		slog.String("subject", req.SubjectUserID))

	return code.Code, nil
}

// ExchangeAuthorizationCode redeems an authorization code for tokens.
//
// Binding and PKCE checks run against a read of the stored row and leave no
// trace on failure; a code is only consumed once those checks pass. The
// atomic mark-used step then selects the single winner under concurrent
// redemption. The code row is immutable after issuance, so nothing checked
// before the mark can change underneath it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier string) (*TokenGrant, error) {
	row, err := s.flowStore.GetAuthorizationCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeNotFound):
			return nil, errInvalidGrant("invalid authorization code")
		case errors.Is(err, storage.ErrCodeExpired):
			return nil, errInvalidGrant("authorization code expired")
		default:
			s.Logger.Error("authorization code lookup failed", "error", err)
			return nil, errServerError("authorization code lookup failed")
		}
	}

	if row.ClientID != client.ClientID {
		s.auditAuthFailure(row.SubjectUserID, client.ClientID, "code_client_mismatch")
		return nil, errInvalidGrant("authorization code was not issued to this client")
	}
	if row.RedirectURI != redirectURI {
		s.auditAuthFailure(row.SubjectUserID, client.ClientID, "redirect_uri_mismatch")
		return nil, errInvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := s.validatePKCE(row.CodeChallenge, row.CodeChallengeMethod, codeVerifier); err != nil {
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, row.CodeChallengeMethod)
		}
		s.logSecurityEvent(ctx, client.ClientID, security.EventInvalidPKCE, func() {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidPKCE,
				SubjectID: row.SubjectUserID,
				ClientID:  client.ClientID,
				Details:   map[string]any{"reason": err.Error()},
			})
		})
		return nil, errInvalidGrant("PKCE verification failed")
	}

	// Winner selection. Everything above is side-effect free; the code is
	// consumed here or not at all.
	row, err = s.flowStore.AtomicCheckAndMarkCodeUsed(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeUsed):
			if s.Instrumentation != nil {
				s.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
			}
			// Replayed code. Audit with the subject from the stored row,
			// but do not revoke anything: an attacker racing the real
			// client to the token endpoint would otherwise get a denial
			// lever over that user.
			if row != nil {
				s.logSecurityEvent(ctx, client.ClientID, security.EventAuthorizationCodeReuseDetected, func() {
					s.Auditor.LogEvent(security.Event{
						Type:      security.EventAuthorizationCodeReuseDetected,
						SubjectID: row.SubjectUserID,
						ClientID:  client.ClientID,
						Details:   map[string]any{"reason": "authorization code presented more than once"},
					})
				})
			}
			return nil, errInvalidGrant("authorization code already used")
		case errors.Is(err, storage.ErrCodeNotFound):
			return nil, errInvalidGrant("invalid authorization code")
		case errors.Is(err, storage.ErrCodeExpired):
			return nil, errInvalidGrant("authorization code expired")
		default:
			s.Logger.Error("authorization code redemption failed", "error", err)
			return nil, errServerError("authorization code redemption failed")
		}
	}

	refresh, err := s.issueFamily(ctx, row)
	if err != nil {
		// Fail closed: without a persisted refresh family there is no
		// issuance.
		return nil, err
	}

	grant, err := s.signGrant(ctx, signRequest{
		subject:        row.SubjectUserID,
		clientID:       client.ClientID,
		scope:          row.Scope,
		organizationID: row.OrganizationID,
		roles:          row.Roles,
		acr:            row.ACR,
		nonce:          row.Nonce,
		refreshID:      refresh.ID,
		withIDToken:    hasOpenIDScope(row.Scope),
	})
	if err != nil {
		return nil, err
	}
	grant.FamilyID = refresh.FamilyID

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(row.SubjectUserID, client.ClientID, "authorization_code", row.Scope)
	}

	return grant, nil
}

// RefreshAccessToken rotates a refresh token and issues a new access token.
// Presenting an already-rotated id is treated as theft evidence: the whole
// family is revoked before the caller gets its 401.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshTokenID string) (*TokenGrant, error) {
	current, err := s.refreshStore.GetRefreshToken(ctx, refreshTokenID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errInvalidRefreshToken("invalid refresh token")
		}
		s.Logger.Error("refresh token lookup failed", "error", err)
		return nil, errServerError("refresh token lookup failed")
	}

	if current.ClientID != client.ClientID {
		s.auditAuthFailure(current.SubjectUserID, client.ClientID, "refresh_token_client_mismatch")
		return nil, errInvalidRefreshToken("invalid refresh token")
	}

	now := time.Now().UTC()
	replacement := &storage.RefreshToken{
		ID:              uuid.NewString(),
		FamilyID:        current.FamilyID,
		ClientID:        current.ClientID,
		SubjectUserID:   current.SubjectUserID,
		SubjectDeviceID: current.SubjectDeviceID,
		OrganizationID:  current.OrganizationID,
		Scope:           current.Scope,
		Roles:           current.Roles,
		ACR:             current.ACR,
		Status:          storage.RefreshStatusActive,
		CreatedAt:       now,
		// Sliding window: each rotation restarts the refresh lifetime.
		ExpiresAt: now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}

	rotated, err := s.refreshStore.AtomicRotateRefreshToken(ctx, refreshTokenID, replacement)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRefreshTokenRotated):
			// The presented id was already superseded. Either the token
			// was stolen and the thief is replaying it, or the legitimate
			// client lost the rotation response. Both sides lose the
			// family.
			s.handleRefreshReuse(ctx, rotated, client.ClientID)
			return nil, errInvalidRefreshToken("invalid refresh token")
		case errors.Is(err, storage.ErrRefreshTokenRevoked):
			if rotated != nil {
				s.logSecurityEvent(ctx, client.ClientID, security.EventRevokedFamilyReuseAttempt, func() {
					s.Auditor.LogEvent(security.Event{
						Type:      security.EventRevokedFamilyReuseAttempt,
						SubjectID: rotated.SubjectUserID,
						ClientID:  client.ClientID,
						Details:   map[string]any{"reason": "refresh token from a revoked family presented"},
					})
				})
			}
			return nil, errInvalidRefreshToken("invalid refresh token")
		case errors.Is(err, storage.ErrRefreshTokenExpired), storage.IsNotFound(err):
			return nil, errInvalidRefreshToken("invalid refresh token")
		default:
			s.Logger.Error("refresh token rotation failed", "error", err)
			return nil, errServerError("refresh token rotation failed")
		}
	}

	grant, err := s.signGrant(ctx, signRequest{
		subject:        rotated.SubjectUserID,
		deviceID:       rotated.SubjectDeviceID,
		clientID:       client.ClientID,
		scope:          rotated.Scope,
		organizationID: rotated.OrganizationID,
		roles:          rotated.Roles,
		acr:            rotated.ACR,
		refreshID:      replacement.ID,
	})
	if err != nil {
		return nil, err
	}
	grant.FamilyID = rotated.FamilyID

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(rotated.SubjectUserID, client.ClientID, rotated.FamilyID)
	}

	return grant, nil
}

// RevokeRefreshToken revokes the family of the presented refresh token
// (RFC 7009). Unknown tokens succeed silently per the RFC; a token owned by
// a different client is refused.
func (s *Server) RevokeRefreshToken(ctx context.Context, client *storage.Client, refreshTokenID string) error {
	row, err := s.refreshStore.GetRefreshToken(ctx, refreshTokenID)
	if err != nil {
		if storage.IsNotFound(err) {
			// RFC 7009: revoking an invalid token is a success
			return nil
		}
		s.Logger.Error("refresh token lookup failed", "error", err)
		return errServerError("refresh token lookup failed")
	}

	if row.ClientID != client.ClientID {
		s.auditAuthFailure(row.SubjectUserID, client.ClientID, "revocation_client_mismatch")
		return NewError(ErrorCodeAccessDenied, "token was not issued to this client")
	}

	if err := s.refreshStore.RevokeRefreshTokenFamily(ctx, row.FamilyID, "client_revocation"); err != nil {
		s.Logger.Error("family revocation failed", "error", err, "family_id", row.FamilyID)
		return errServerError("revocation failed")
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordFamilyRevoked(ctx, "client_revocation")
	}
	if s.Auditor != nil {
		s.Auditor.LogFamilyRevoked(row.SubjectUserID, client.ClientID, row.FamilyID, "client_revocation")
	}
	return nil
}

// Introspect verifies an access token and returns its claims in RFC 7662
// form. Any verification failure yields active:false rather than an error.
func (s *Server) Introspect(ctx context.Context, rawToken string) map[string]any {
	claims, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return map[string]any{"active": false}
	}

	result := map[string]any{
		"active":     true,
		"sub":        claims.Subject,
		"iss":        claims.Issuer,
		"jti":        claims.ID,
		"iat":        claims.IssuedAt.Unix(),
		"exp":        claims.Expiry.Unix(),
		"token_type": "Bearer",
	}
	if len(claims.Audience) > 0 {
		result["aud"] = claims.Audience
	}
	if claims.Scope != "" {
		result["scope"] = claims.Scope
	}
	if claims.OrganizationID != "" {
		result["organizationId"] = claims.OrganizationID
	}
	if len(claims.Roles) > 0 {
		result["roles"] = claims.Roles
	}
	if claims.ACR != "" {
		result["acr"] = claims.ACR
	}
	return result
}

// FamilyRequest starts a refresh token family outside the code flow, at
// login time. Exactly one of SubjectUserID and SubjectDeviceID is set.
type FamilyRequest struct {
	ClientID        string
	SubjectUserID   string
	SubjectDeviceID string
	OrganizationID  string
	Scope           string
	Roles           []string
	ACR             string
}

// IssueFamily allocates a new refresh token family with one active token and
// returns its row. It is the login-time entry point for embedding
// applications, including device subjects that never pass through the
// authorization endpoint.
func (s *Server) IssueFamily(ctx context.Context, req FamilyRequest) (*storage.RefreshToken, error) {
	if (req.SubjectUserID == "") == (req.SubjectDeviceID == "") {
		return nil, NewError(ErrorCodeInvalidRequest, "exactly one of user and device subject is required")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errInvalidClient("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return nil, errServerError("client lookup failed")
	}
	if err := s.validateScopes(req.Scope, client); err != nil {
		return nil, NewError(ErrorCodeInvalidScope, err.Error())
	}

	refresh, err := s.newFamily(ctx, &storage.RefreshToken{
		ClientID:        client.ClientID,
		SubjectUserID:   req.SubjectUserID,
		SubjectDeviceID: req.SubjectDeviceID,
		OrganizationID:  req.OrganizationID,
		Scope:           req.Scope,
		Roles:           req.Roles,
		ACR:             req.ACR,
	})
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		subject := refresh.SubjectUserID
		if subject == "" {
			subject = refresh.SubjectDeviceID
		}
		s.Auditor.LogTokenIssued(subject, client.ClientID, "login", refresh.Scope)
	}
	return refresh, nil
}

// issueFamily starts a new refresh token family for a redeemed code. Code
// rows always carry a user subject, checked at issuance.
func (s *Server) issueFamily(ctx context.Context, code *storage.AuthorizationCode) (*storage.RefreshToken, error) {
	return s.newFamily(ctx, &storage.RefreshToken{
		ClientID:       code.ClientID,
		SubjectUserID:  code.SubjectUserID,
		OrganizationID: code.OrganizationID,
		Scope:          code.Scope,
		Roles:          code.Roles,
		ACR:            code.ACR,
	})
}

// newFamily assigns fresh family and token ids, stamps the lifetime, and
// persists the initial active token.
func (s *Server) newFamily(ctx context.Context, refresh *storage.RefreshToken) (*storage.RefreshToken, error) {
	now := time.Now().UTC()
	refresh.ID = uuid.NewString()
	refresh.FamilyID = uuid.NewString()
	refresh.Status = storage.RefreshStatusActive
	refresh.CreatedAt = now
	refresh.ExpiresAt = now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second)

	if err := s.refreshStore.SaveRefreshToken(ctx, refresh); err != nil {
		s.Logger.Error("failed to persist refresh token family", "error", err)
		return nil, errServerError("failed to issue refresh token")
	}
	return refresh, nil
}

type signRequest struct {
	subject        string
	deviceID       string
	clientID       string
	scope          string
	organizationID string
	roles          []string
	acr            string
	nonce          string
	refreshID      string
	withIDToken    bool
}

func (s *Server) signGrant(ctx context.Context, req signRequest) (*TokenGrant, error) {
	// Device-subject grants have no user id; the device id becomes sub.
	subject := req.subject
	if subject == "" {
		subject = req.deviceID
	}

	accessToken, err := s.issuer.SignAccessToken(ctx, token.AccessTokenRequest{
		Subject:        subject,
		Roles:          req.roles,
		Scope:          req.scope,
		OrganizationID: req.organizationID,
		DeviceID:       req.deviceID,
		ACR:            req.acr,
	})
	if err != nil {
		s.Logger.Error("access token signing failed", "error", err)
		return nil, errServerError("token signing failed")
	}

	grant := &TokenGrant{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTokenTTL().Seconds()),
		RefreshToken: req.refreshID,
		Scope:        req.scope,
	}

	if req.withIDToken {
		idToken, err := s.issuer.SignIDToken(ctx, token.IDTokenRequest{
			Subject:  subject,
			ClientID: req.clientID,
			Nonce:    req.nonce,
			ACR:      req.acr,
		})
		if err != nil {
			s.Logger.Error("ID token signing failed", "error", err)
			return nil, errServerError("token signing failed")
		}
		grant.IDToken = idToken
	}

	return grant, nil
}

// handleRefreshReuse revokes the whole family after a rotated token was
// presented again.
func (s *Server) handleRefreshReuse(ctx context.Context, reused *storage.RefreshToken, clientID string) {
	if reused == nil {
		return
	}

	s.Logger.Warn("refresh token reuse detected, revoking family",
		slog.String("family_id", reused.FamilyID),
		slog.String("client_id", clientID))

	if err := s.refreshStore.RevokeRefreshTokenFamily(ctx, reused.FamilyID, "reuse_detected"); err != nil {
		s.Logger.Error("family revocation after reuse failed", "error", err,
			"family_id", reused.FamilyID)
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenReuseDetected(ctx)
		s.Instrumentation.Metrics().RecordFamilyRevoked(ctx, "reuse_detected")
	}
	if s.Auditor != nil {
		s.Auditor.LogReuseDetected(reused.SubjectUserID, clientID, reused.FamilyID)
		s.Auditor.LogFamilyRevoked(reused.SubjectUserID, clientID, reused.FamilyID, "reuse_detected")
	}
}

// logSecurityEvent emits an audit event through the security event rate
// limiter so replay floods cannot drown the log.
func (s *Server) logSecurityEvent(ctx context.Context, identifier, eventType string, emit func()) {
	if s.Auditor == nil {
		return
	}
	if s.SecurityEventRateLimiter != nil && !s.SecurityEventRateLimiter.Allow(identifier) {
		return
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuditEvent(ctx, eventType)
	}
	emit()
}

func hasOpenIDScope(scope string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == "openid" {
			return true
		}
	}
	return false
}
