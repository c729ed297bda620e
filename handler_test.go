package idp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/bestian830/auth-service-sub001/internal/testutil"
	"github.com/bestian830/auth-service-sub001/keys"
	"github.com/bestian830/auth-service-sub001/security"
	"github.com/bestian830/auth-service-sub001/server"
	"github.com/bestian830/auth-service-sub001/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://app.example.com/callback"
	testUserID      = "user-42"
	testOrgID       = "org-7"
	testACR         = "urn:example:acr:mfa"
	testState       = "state-abcdef123456"
)

func newTestHandler(t *testing.T) (*Handler, *server.Server) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ks, err := keys.New(store, keys.WithLogger(logger))
	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}
	if _, err := ks.EnsureActiveKey(context.Background()); err != nil {
		t.Fatalf("EnsureActiveKey: %v", err)
	}

	srv, err := server.New(ks, server.Stores{Flow: store, Refresh: store, Client: store}, &server.Config{
		Issuer:          testIssuer,
		SupportedScopes: []string{"openid", "profile", "email", "offline_access"},
	}, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, true))

	h := NewHandler(srv, logger)
	h.ResolveSubject = func(*http.Request) (*Subject, error) {
		return &Subject{
			UserID:         testUserID,
			OrganizationID: testOrgID,
			Roles:          []string{"admin"},
			ACR:            testACR,
		}, nil
	}
	return h, srv
}

func newTestMux(t *testing.T) (*http.ServeMux, *Handler, *server.Server) {
	t.Helper()
	h, srv := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, h, srv
}

func registerHTTPClient(t *testing.T, srv *server.Server, clientType string) *server.RegisteredClient {
	t.Helper()
	reg, err := srv.RegisterClient(context.Background(), server.ClientRegistration{
		ClientName:   "conformance-client",
		ClientType:   clientType,
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return reg
}

// authorize drives the authorization endpoint and extracts the code from
// the redirect.
func authorize(t *testing.T, mux *http.ServeMux, clientID, challenge, scope string) string {
	t.Helper()

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", testRedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", scope)
	q.Set("state", testState)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := loc.Query().Get("state"); got != testState {
		t.Fatalf("redirect state = %q, want %q", got, testState)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	return code
}

func postForm(mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestAuthorizeRedirect(t *testing.T) {
	mux, _, srv := newTestMux(t)
	reg := registerHTTPClient(t, srv, "public")
	_, challenge := testutil.PKCEPair()

	code := authorize(t, mux, reg.ClientID, challenge, "openid profile")
	if code == "" {
		t.Fatal("no code issued")
	}
}

func TestAuthorizeRejectsShortState(t *testing.T) {
	mux, _, srv := newTestMux(t)
	reg := registerHTTPClient(t, srv, "public")
	_, challenge := testutil.PKCEPair()

	q := url.Values{}
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", testRedirectURI)
	q.Set("state", "short")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeJSON(t, rec); body["error"] != server.ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want %s", body["error"], server.ErrorCodeInvalidRequest)
	}
}

func TestAuthorizeWithoutResolver(t *testing.T) {
	h, srv := newTestHandler(t)
	h.ResolveSubject = nil
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	reg := registerHTTPClient(t, srv, "public")
	_, challenge := testutil.PKCEPair()

	q := url.Values{}
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", testRedirectURI)
	q.Set("state", testState)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeJSON(t, rec); body["error"] != server.ErrorCodeAccessDenied {
		t.Fatalf("error = %v, want %s", body["error"], server.ErrorCodeAccessDenied)
	}
}

func TestTokenFlowEndToEnd(t *testing.T) {
	mux, _, srv := newTestMux(t)
	reg := registerHTTPClient(t, srv, "public")
	verifier, challenge := testutil.PKCEPair()

	code := authorize(t, mux, reg.ClientID, challenge, "openid profile offline_access")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", reg.ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("code_verifier", verifier)

	rec := postForm(mux, "/oauth/token", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("token response Cache-Control = %q, want no-store", cc)
	}

	grant := decodeJSON(t, rec)
	if grant["access_token"] == "" || grant["access_token"] == nil {
		t.Fatal("no access token in response")
	}
	if grant["token_type"] != "Bearer" {
		t.Fatalf("token_type = %v, want Bearer", grant["token_type"])
	}
	if grant["id_token"] == "" || grant["id_token"] == nil {
		t.Fatal("openid scope requested but no id_token")
	}
	refreshToken, _ := grant["refresh_token"].(string)
	if refreshToken == "" {
		t.Fatal("no refresh token in response")
	}

	// Rotate the refresh token.
	refreshForm := url.Values{}
	refreshForm.Set("grant_type", "refresh_token")
	refreshForm.Set("client_id", reg.ClientID)
	refreshForm.Set("refresh_token", refreshToken)

	rec = postForm(mux, "/oauth/token", refreshForm)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	rotated := decodeJSON(t, rec)
	replacement, _ := rotated["refresh_token"].(string)
	if replacement == "" || replacement == refreshToken {
		t.Fatalf("refresh token not rotated: %q", replacement)
	}

	// Replaying the consumed token must revoke the family and burn the
	// replacement with it.
	rec = postForm(mux, "/oauth/token", refreshForm)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Fatalf("WWW-Authenticate = %q, want Bearer", got)
	}
	if body := decodeJSON(t, rec); body["error"] != server.ErrorCodeInvalidRefreshToken {
		t.Fatalf("error = %v, want %s", body["error"], server.ErrorCodeInvalidRefreshToken)
	}

	refreshForm.Set("refresh_token", replacement)
	rec = postForm(mux, "/oauth/token", refreshForm)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replacement after reuse status = %d, want 401", rec.Code)
	}
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	mux, _, _ := newTestMux(t)

	form := url.Values{}
	form.Set("grant_type", "password")

	rec := postForm(mux, "/oauth/token", form)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeJSON(t, rec); body["error"] != server.ErrorCodeUnsupportedGrantType {
		t.Fatalf("error = %v, want %s", body["error"], server.ErrorCodeUnsupportedGrantType)
	}
}

func TestTokenConfidentialClientBasicAuth(t *testing.T) {
	mux, _, srv := newTestMux(t)
	reg := registerHTTPClient(t, srv, "confidential")
	verifier, challenge := testutil.PKCEPair()

	code := authorize(t, mux, reg.ClientID, challenge, "profile")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("code_verifier", verifier)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(reg.ClientID, reg.ClientSecret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTokenConfidentialClientWrongSecret(t *testing.T) {
	mux, _, srv := newTestMux(t)
	reg := registerHTTPClient(t, srv, "confidential")
	verifier, challenge := testutil.PKCEPair()

	code := authorize(t, mux, reg.ClientID, challenge, "profile")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", reg.ClientID)
	form.Set("client_secret", "not-the-secret")
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("code_verifier", verifier)

	rec := postForm(mux, "/oauth/token", form)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeJSON(t, rec); body["error"] != server.ErrorCodeInvalidClient {
		t.Fatalf("error = %v, want %s", body["error"], server.ErrorCodeInvalidClient)
	}
}

func TestRevocationEndpoint(t *testing.T) {
	mux, _, srv := newTestMux(t)
	reg := registerHTTPClient(t, srv, "public")
	verifier, challenge := testutil.PKCEPair()

	code := authorize(t, mux, reg.ClientID, challenge, "offline_access")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", reg.ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("code_verifier", verifier)

	grant := decodeJSON(t, postForm(mux, "/oauth/token", form))
	refreshToken, _ := grant["refresh_token"].(string)
	if refreshToken == "" {
		t.Fatal("no refresh token issued")
	}

	revokeForm := url.Values{}
	revokeForm.Set("client_id", reg.ClientID)
	revokeForm.Set("token", refreshToken)

	rec := postForm(mux, "/oauth/revoke", revokeForm)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("revoke body = %q, want empty", rec.Body.String())
	}

	// The revoked token no longer refreshes.
	refreshForm := url.Values{}
	refreshForm.Set("grant_type", "refresh_token")
	refreshForm.Set("client_id", reg.ClientID)
	refreshForm.Set("refresh_token", refreshToken)

	rec = postForm(mux, "/oauth/token", refreshForm)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after revoke status = %d, want 401", rec.Code)
	}
}

func TestRevocationUnknownTokenSucceeds(t *testing.T) {
	mux, _, srv := newTestMux(t)
	reg := registerHTTPClient(t, srv, "public")

	form := url.Values{}
	form.Set("client_id", reg.ClientID)
	form.Set("token", "never-issued")

	rec := postForm(mux, "/oauth/revoke", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestIntrospectionEndpoint(t *testing.T) {
	mux, _, srv := newTestMux(t)
	public := registerHTTPClient(t, srv, "public")
	introspector := registerHTTPClient(t, srv, "confidential")
	verifier, challenge := testutil.PKCEPair()

	code := authorize(t, mux, public.ClientID, challenge, "openid profile")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", public.ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("code_verifier", verifier)

	grant := decodeJSON(t, postForm(mux, "/oauth/token", form))
	accessToken, _ := grant["access_token"].(string)

	introForm := url.Values{}
	introForm.Set("token", accessToken)

	req := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(introForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(introspector.ClientID, introspector.ClientSecret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status = %d, body %s", rec.Code, rec.Body.String())
	}
	result := decodeJSON(t, rec)
	if result["active"] != true {
		t.Fatalf("active = %v, want true", result["active"])
	}
	if result["sub"] != testUserID {
		t.Fatalf("sub = %v, want %s", result["sub"], testUserID)
	}
	if !reflect.DeepEqual(result["roles"], []any{"admin"}) {
		t.Fatalf("roles = %v, want [admin]", result["roles"])
	}
	if result["acr"] != testACR {
		t.Fatalf("acr = %v, want %s", result["acr"], testACR)
	}

	// Garbage tokens come back inactive rather than erroring.
	introForm.Set("token", "not-a-jwt")
	req = httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(introForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(introspector.ClientID, introspector.ClientSecret)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("introspect garbage status = %d", rec.Code)
	}
	if result := decodeJSON(t, rec); result["active"] != false {
		t.Fatalf("active = %v, want false", result["active"])
	}
}

func TestIntrospectionRequiresClientAuth(t *testing.T) {
	mux, _, _ := newTestMux(t)

	form := url.Values{}
	form.Set("token", "whatever")

	rec := postForm(mux, "/oauth/introspect", form)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestClientRegistrationEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t)

	body := `{"client_name":"dash","client_type":"confidential","redirect_uris":["https://dash.example.com/cb"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	if resp["client_id"] == "" || resp["client_id"] == nil {
		t.Fatal("no client_id in response")
	}
	if secret, _ := resp["client_secret"].(string); secret == "" {
		t.Fatal("confidential registration returned no client_secret")
	}

	// Public clients get no secret.
	body = `{"client_name":"spa","client_type":"public","redirect_uris":["https://spa.example.com/cb"]}`
	req = httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decodeJSON(t, rec); resp["client_secret"] != nil {
		t.Fatalf("public registration returned a client_secret: %v", resp["client_secret"])
	}
}

func TestClientRegistrationRejectsBadRedirect(t *testing.T) {
	mux, _, _ := newTestMux(t)

	body := `{"client_name":"evil","client_type":"public","redirect_uris":["javascript:alert(1)"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _, _ := newTestMux(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/oauth/authorize"},
		{http.MethodGet, "/oauth/token"},
		{http.MethodGet, "/oauth/revoke"},
		{http.MethodGet, "/oauth/introspect"},
		{http.MethodGet, "/oauth/register"},
		{http.MethodPost, "/.well-known/jwks.json"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}

func TestTokenPreflight(t *testing.T) {
	mux, _, srv := newTestMux(t)
	srv.Config.CORS = server.CORSConfig{AllowedOrigins: []string{"https://spa.example.com"}}

	req := httptest.NewRequest(http.MethodOptions, "/oauth/token", nil)
	req.Header.Set("Origin", "https://spa.example.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://spa.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}

	// Unlisted origins get no CORS grant.
	req = httptest.NewRequest(http.MethodOptions, "/oauth/token", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want unset", got)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	mux, _, srv := newTestMux(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv.SetRateLimiter(security.NewRateLimiter(1, 1, logger))
	reg := registerHTTPClient(t, srv, "public")
	_, challenge := testutil.PKCEPair()

	q := url.Values{}
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", testRedirectURI)
	q.Set("state", testState)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	first := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, first)
	if rec.Code != http.StatusFound {
		t.Fatalf("first request status = %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("no Retry-After header on 429")
	}
}
