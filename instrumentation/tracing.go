package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY: Never attach actual credential values (access tokens, refresh
// token ids, authorization codes, client secrets) to spans. Traces are
// persisted longer and read more widely than the systems they observe. Only
// metadata belongs here: token types, family ids, validation results.
const (
	// OAuth flow attributes
	AttrClientID      = "oauth.client_id"
	AttrSubjectID     = "oauth.subject_id"
	AttrScope         = "oauth.scope"
	AttrPKCEMethod    = "oauth.pkce.method"
	AttrTokenFamilyID = "oauth.token.family_id" //nolint:gosec // family id, not a credential
	AttrTokenRotated  = "oauth.token.rotated"   //nolint:gosec // boolean flag
	AttrCodeReuse     = "oauth.code.reuse"
	AttrTokenReuse    = "oauth.token.reuse" //nolint:gosec // boolean flag
	AttrGrantType     = "oauth.grant_type"
	AttrClientType    = "oauth.client_type"
	AttrError         = "oauth.error"

	// Key lifecycle attributes
	AttrKeyID     = "keys.kid"
	AttrKeyStatus = "keys.status"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks a span as failed with a message (nil-safe).
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes adds attributes to a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common OAuth flow attributes to a span.
func AddFlowAttributes(span trace.Span, clientID, subjectID, scope string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrSubjectID, subjectID),
		attribute.String(AttrScope, scope),
	)
}

// AddTokenFamilyAttributes adds refresh token family tracking attributes.
func AddTokenFamilyAttributes(span trace.Span, familyID string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrTokenFamilyID, familyID),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
