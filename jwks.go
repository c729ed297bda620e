package idp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bestian830/auth-service-sub001/instrumentation"
	"github.com/bestian830/auth-service-sub001/internal/util"
)

// ServeJWKS publishes the verification key set (active + grace keys) with a
// deterministic ETag. Conditional requests with a matching If-None-Match
// get 304 without a body, so resource servers can poll cheaply.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.jwks")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.recordHTTPMetrics("jwks", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jwks, err := h.server.KeyStore().BuildJWKS(ctx)
	if err != nil {
		h.logger.Error("failed to build JWKS", "error", err)
		h.recordHTTPMetrics("jwks", r.Method, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// The key store renders the validator already quoted.
	etag := jwks.ETag
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.server.Config.JWKSCacheMaxAge))
	w.Header().Set("Content-Type", "application/json")

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		h.recordHTTPMetrics("jwks", r.Method, http.StatusNotModified, startTime)
		instrumentation.AddHTTPAttributes(span, r.Method, "jwks", http.StatusNotModified)
		instrumentation.SetSpanSuccess(span)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.recordHTTPMetrics("jwks", r.Method, http.StatusOK, startTime)
	instrumentation.AddHTTPAttributes(span, r.Method, "jwks", http.StatusOK)
	instrumentation.SetSpanSuccess(span)

	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(jwks.Body)
}

// etagMatches implements If-None-Match comparison: a wildcard, or any
// listed validator equal to the current one. Weak validators (W/ prefix)
// compare by their opaque part; for an immutable JSON body that is safe.
func etagMatches(headerValue, current string) bool {
	if headerValue == "*" {
		return true
	}
	for _, candidate := range strings.Split(headerValue, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == current {
			return true
		}
	}
	return false
}

// ServeOpenIDConfiguration publishes OIDC discovery metadata. Only the
// capabilities this server actually implements are advertised: S256-only
// PKCE and RS256-only signing.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("discovery", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := util.NormalizeURL(h.server.Config.Issuer)
	metadata := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"introspection_endpoint":                issuer + "/oauth/introspect",
		"registration_endpoint":                 issuer + "/oauth/register",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"subject_types_supported":               []string{"public"},
	}
	if len(h.server.Config.SupportedScopes) > 0 {
		metadata["scopes_supported"] = h.server.Config.SupportedScopes
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.server.Config.JWKSCacheMaxAge))
	h.recordHTTPMetrics("discovery", r.Method, http.StatusOK, startTime)
	_ = json.NewEncoder(w).Encode(metadata)
}
