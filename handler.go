package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bestian830/auth-service-sub001/instrumentation"
	"github.com/bestian830/auth-service-sub001/security"
	"github.com/bestian830/auth-service-sub001/server"
)

const (
	defaultCORSMaxAge = 3600

	// MinStateLength is the minimum accepted length for the state
	// parameter. Short states defeat their CSRF purpose.
	MinStateLength = 8
)

// Subject is a resolved end-user identity handed to the authorize step.
// Roles and ACR come from the embedding application's authentication layer
// and end up as claims in the tokens minted for this subject.
type Subject struct {
	UserID         string
	OrganizationID string
	Roles          []string
	ACR            string
}

// SubjectResolver resolves the authenticated subject for an authorization
// request. The embedding application implements this against its own
// session or SSO layer. Returning an error aborts the request with
// access_denied.
type SubjectResolver func(r *http.Request) (*Subject, error)

// Handler binds the token lifecycle engine to HTTP.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer

	// ResolveSubject supplies the authenticated subject for the authorize
	// endpoint. Without it, authorization requests are rejected.
	ResolveSubject SubjectResolver
}

// NewHandler creates an HTTP handler around a configured server.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorize)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeRevocation)
	mux.HandleFunc("/oauth/introspect", h.ServeIntrospection)
	mux.HandleFunc("/oauth/register", h.ServeClientRegistration)
	mux.HandleFunc("/.well-known/jwks.json", h.ServeJWKS)
	mux.HandleFunc("/.well-known/openid-configuration", h.ServeOpenIDConfiguration)
}

// ServeAuthorize handles the authorization endpoint. The subject must
// already be authenticated by the embedding application; on success the
// user agent is redirected back to the client with a single-use code.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "authorize", startTime) {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	// State is the client's CSRF binding; a trivially short one is as good
	// as none.
	if len(state) < MinStateLength {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "state missing or too short")
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest,
			fmt.Sprintf("state parameter of at least %d characters is required", MinStateLength), http.StatusBadRequest)
		return
	}

	if h.ResolveSubject == nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusForbidden, startTime)
		instrumentation.SetSpanError(span, "no subject resolver configured")
		h.writeErrorCode(w, server.ErrorCodeAccessDenied, "authorization is not available", http.StatusForbidden)
		return
	}

	subject, err := h.ResolveSubject(r)
	if err != nil || subject == nil || subject.UserID == "" {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusForbidden, startTime)
		instrumentation.SetSpanError(span, "subject resolution failed")
		h.writeErrorCode(w, server.ErrorCodeAccessDenied, "subject authentication required", http.StatusForbidden)
		return
	}

	instrumentation.AddFlowAttributes(span, clientID, subject.UserID, q.Get("scope"))
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrPKCEMethod, q.Get("code_challenge_method")),
	)

	code, err := h.server.IssueAuthorizationCode(ctx, server.AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               q.Get("scope"),
		State:               state,
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		SubjectUserID:       subject.UserID,
		OrganizationID:      subject.OrganizationID,
		Roles:               subject.Roles,
		ACR:                 subject.ACR,
	})
	if err != nil {
		h.logger.Warn("authorization request rejected", "client_id", clientID, "error", err)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	h.recordCodeIssued(clientID)
	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	redirect, _ := url.Parse(redirectURI)
	params := redirect.Query()
	params.Set("code", code)
	params.Set("state", state)
	redirect.RawQuery = params.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles the token endpoint, dispatching on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")
	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeErrorCode(w, server.ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	if !h.checkIPRateLimit(w, r, "token", startTime) {
		return
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, r)
	if err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	if err := h.server.ValidateGrantType(client, "authorization_code"); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	grant, err := h.server.ExchangeAuthorizationCode(ctx, client, code, redirectURI, codeVerifier)
	if err != nil {
		h.logger.Warn("code exchange failed", "client_id", client.ClientID, "ip", h.clientIP(r), "error", err)
		h.recordHTTPMetrics("token", r.Method, statusOf(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	h.logger.Info("token exchange successful", "client_id", client.ClientID)
	h.recordCodeExchanged(client.ClientID)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.AddTokenFamilyAttributes(span, grant.FamilyID)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	if !h.checkIPRateLimit(w, r, "token", startTime) {
		return
	}

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, r)
	if err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	if err := h.server.ValidateGrantType(client, "refresh_token"); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	grant, err := h.server.RefreshAccessToken(ctx, client, refreshToken)
	if err != nil {
		h.logger.Warn("token refresh failed", "client_id", client.ClientID, "ip", h.clientIP(r), "error", err)
		h.recordHTTPMetrics("token", r.Method, statusOf(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	h.recordTokenRefreshed(client.ClientID)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.AddTokenFamilyAttributes(span, grant.FamilyID)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, grant)
}

// ServeRevocation handles the RFC 7009 revocation endpoint.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "revoke", startTime) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	tokenValue := r.FormValue("token")
	if tokenValue == "" {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, r)
	if err != nil {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	if err := h.server.RevokeRefreshToken(ctx, client, tokenValue); err != nil {
		h.recordHTTPMetrics("revoke", r.Method, statusOf(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	h.recordTokenRevoked(client.ClientID)
	h.recordHTTPMetrics("revoke", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	// RFC 7009: the response body is empty on success.
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospection handles the RFC 7662 introspection endpoint. Callers
// must authenticate as a registered client; anonymous introspection would
// let anyone probe token validity.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.introspection")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "introspect", startTime) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusBadRequest, startTime)
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	if _, err := h.server.AuthenticateClient(ctx, r); err != nil {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	result := h.server.Introspect(ctx, r.FormValue("token"))

	h.recordHTTPMetrics("introspect", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// clientRegistrationRequest is the JSON body of a registration call.
type clientRegistrationRequest struct {
	ClientName   string   `json:"client_name"`
	ClientType   string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes"`
}

// ServeClientRegistration handles dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "register", startTime) {
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
		return
	}

	registered, err := h.server.RegisterClient(ctx, server.ClientRegistration{
		ClientName:   req.ClientName,
		ClientType:   req.ClientType,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
		Scopes:       req.Scopes,
	})
	if err != nil {
		h.recordHTTPMetrics("register", r.Method, statusOf(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeEngineError(w, err)
		return
	}

	h.recordClientRegistered(registered.Client.ClientType)
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)
	instrumentation.SetSpanSuccess(span)

	response := map[string]any{
		"client_id":     registered.ClientID,
		"client_type":   registered.Client.ClientType,
		"client_name":   registered.Client.ClientName,
		"redirect_uris": registered.Client.RedirectURIs,
	}
	if registered.ClientSecret != "" {
		// The only moment the plaintext secret exists outside the caller.
		response["client_secret"] = registered.ClientSecret
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(grant)
}

// writeEngineError maps an engine error onto the wire. Unrecognized errors
// become an opaque server_error so internals never leak to clients.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	if protoErr, ok := err.(*server.Error); ok {
		h.writeErrorCode(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}
	h.writeErrorCode(w, server.ErrorCodeServerError, "internal error", http.StatusInternalServerError)
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func statusOf(err error) int {
	if protoErr, ok := err.(*server.Error); ok {
		return protoErr.Status
	}
	return http.StatusInternalServerError
}

// checkIPRateLimit applies the per-IP limiter when one is configured.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint string, startTime time.Time) bool {
	if h.server.RateLimiter == nil {
		return true
	}

	ip := h.clientIP(r)
	if h.server.RateLimiter.Allow(ip) {
		return true
	}

	h.logger.Warn("rate limit exceeded", "endpoint", endpoint, "ip", ip)
	h.recordRateLimitExceeded("ip")
	h.recordHTTPMetrics(endpoint, r.Method, http.StatusTooManyRequests, startTime)

	w.Header().Set("Retry-After", "1")
	h.writeErrorCode(w, server.ErrorCodeInvalidRequest, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	cors := h.server.Config.CORS
	if len(cors.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" || !h.isAllowedOrigin(origin) {
		return
	}

	// Echo the specific origin rather than "*" so credentials stay scoped.
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if cors.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := cors.MaxAge
	if maxAge == 0 {
		maxAge = defaultCORSMaxAge
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAge))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.server.Config.CORS.AllowedOrigins {
		if allowed == "*" {
			h.logger.Warn("CORS wildcard origin in use",
				"risk", "any website can call the token endpoints")
			return true
		}
		if allowed == origin {
			return true
		}
	}
	return false
}

// Metric recording helpers; all no-ops without instrumentation.

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	durationMs := time.Since(startTime).Seconds() * 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}

func (h *Handler) recordCodeIssued(clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordCodeIssued(context.Background(), clientID)
}

func (h *Handler) recordCodeExchanged(clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordCodeExchange(context.Background(), clientID, server.PKCEMethodS256)
}

func (h *Handler) recordTokenRefreshed(clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordTokenRefresh(context.Background(), clientID)
}

func (h *Handler) recordTokenRevoked(clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordTokenRevocation(context.Background(), clientID)
}

func (h *Handler) recordClientRegistered(clientType string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordClientRegistration(context.Background(), clientType)
}

func (h *Handler) recordRateLimitExceeded(limiterType string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(context.Background(), limiterType)
}
