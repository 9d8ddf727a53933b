// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/store"
)

func newTestServer(t *testing.T) (*Server, http.Handler, *HMACSessionValidator) {
	t.Helper()
	sessions := NewHMACSessionValidator("test-secret")
	srv := New(store.NewMemoryStore().OAuth(), sessions, "https://mcp.example.com")
	r := chi.NewRouter()
	srv.Routes(r)
	return srv, r, sessions
}

func sessionCookie(sessions *HMACSessionValidator, userID string) *http.Cookie {
	return &http.Cookie{Name: SessionCookieName, Value: sessions.CookieValue(userID)}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out))
}

// registerClient registers a public client and returns its client_id.
func registerClient(t *testing.T, h http.Handler, redirectURI string) string {
	t.Helper()
	body := `{"client_name":"inspector","redirect_uris":["` + redirectURI + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp registrationResponse
	decodeBody(t, rr, &resp)
	return resp.ClientID
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestMetadata_AuthorizationServer(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var meta authServerMetadata
	decodeBody(t, rr, &meta)
	assert.Equal(t, "https://mcp.example.com", meta.Issuer)
	assert.Equal(t, "https://mcp.example.com/oauth/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
}

func TestMetadata_ProtectedResource(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))

	var meta protectedResourceMetadata
	decodeBody(t, rr, &meta)
	assert.Equal(t, []string{"https://mcp.example.com"}, meta.AuthorizationServers)
	assert.Equal(t, []string{"admin"}, meta.ScopesSupported)
}

func TestRegister_DefaultsAndClientID(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)

	body := `{"redirect_uris":["https://app.example.com/cb"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp registrationResponse
	decodeBody(t, rr, &resp)
	assert.True(t, strings.HasPrefix(resp.ClientID, clientPrefix), resp.ClientID)
	assert.Empty(t, resp.ClientSecret)
	assert.Equal(t, []string{"authorization_code"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
}

func TestRegister_ConfidentialClientGetsSecret(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)

	body := `{"redirect_uris":["https://app.example.com/cb"],"token_endpoint_auth_method":"client_secret_post"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	var resp registrationResponse
	decodeBody(t, rr, &resp)
	assert.NotEmpty(t, resp.ClientSecret)
}

func TestRegister_FormBody(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)

	form := url.Values{"redirect_uris": {"https://app.example.com/cb", "myapp://callback"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp registrationResponse
	decodeBody(t, rr, &resp)
	assert.Len(t, resp.RedirectURIs, 2)
}

func TestRegister_RedirectURIValidation(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing", `{}`, http.StatusBadRequest},
		{"fragment", `{"redirect_uris":["https://app.example.com/cb#frag"]}`, http.StatusBadRequest},
		{"http non-loopback", `{"redirect_uris":["http://app.example.com/cb"]}`, http.StatusBadRequest},
		{"http loopback", `{"redirect_uris":["http://127.0.0.1:8123/cb"]}`, http.StatusCreated},
		{"custom scheme", `{"redirect_uris":["myapp://callback"]}`, http.StatusCreated},
		{"bad grant type", `{"redirect_uris":["https://a.example.com/cb"],"grant_types":["implicit"]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code, rr.Body.String())
		})
	}
}

func authorizeURL(clientID, redirectURI, challenge, state string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	if state != "" {
		q.Set("state", state)
	}
	return "/oauth/authorize?" + q.Encode()
}

func TestAuthorize_UnknownClientRejected(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet,
		authorizeURL("mcp_client_bogus", "https://app.example.com/cb", s256Challenge("v"), ""), nil)
	req.AddCookie(sessionCookie(sessions, "admin"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "register")
}

func TestAuthorize_PKCERequired(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/cb"},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	req.AddCookie(sessionCookie(sessions, "admin"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "code_challenge")
}

func TestAuthorize_NoSessionRedirectsToLogin(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")

	req := httptest.NewRequest(http.MethodGet,
		authorizeURL(clientID, "https://app.example.com/cb", s256Challenge("v"), "xyz"), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)

	// The carried callbackUrl round-trips to the original authorize URL.
	decoded, err := base64.RawURLEncoding.DecodeString(loc.Query().Get("callbackUrl"))
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "/oauth/authorize?")
	assert.Contains(t, string(decoded), clientID)
}

func TestAuthorize_SessionIssuesCode(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")

	req := httptest.NewRequest(http.MethodGet,
		authorizeURL(clientID, "https://app.example.com/cb", s256Challenge("v"), "state-1"), nil)
	req.AddCookie(sessionCookie(sessions, "admin"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.True(t, strings.HasPrefix(loc.Query().Get("code"), codePrefix))
	assert.Equal(t, "state-1", loc.Query().Get("state"))
}

func TestAuthorize_OwnCallbackLoopGuard(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://mcp.example.com/oauth/callback")

	req := httptest.NewRequest(http.MethodGet,
		authorizeURL(clientID, "https://mcp.example.com/oauth/callback", s256Challenge("v"), ""), nil)
	req.AddCookie(sessionCookie(sessions, "admin"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), codePrefix)
}

// obtainCode runs authorize with a session and extracts the minted code.
func obtainCode(t *testing.T, h http.Handler, sessions *HMACSessionValidator, clientID, redirectURI, challenge string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, authorizeURL(clientID, redirectURI, challenge, ""), nil)
	req.AddCookie(sessionCookie(sessions, "admin"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("code")
}

func redeemCode(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestToken_FullFlowAndSingleUse(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")

	verifier := "correct-horse-battery-staple"
	code := obtainCode(t, h, sessions, clientID, "https://app.example.com/cb", s256Challenge(verifier))
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {verifier},
	}
	rr := redeemCode(t, h, form)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp tokenResponse
	decodeBody(t, rr, &resp)
	assert.True(t, strings.HasPrefix(resp.AccessToken, TokenPrefix))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "admin", resp.Scope)

	// Codes are single use.
	rr = redeemCode(t, h, form)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid_grant")
}

func TestToken_WrongVerifierRejected(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")
	code := obtainCode(t, h, sessions, clientID, "https://app.example.com/cb", s256Challenge("right"))

	rr := redeemCode(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {"wrong"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "PKCE")
}

func TestToken_RedirectMismatchRejected(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")
	verifier := "v-123456789"
	code := obtainCode(t, h, sessions, clientID, "https://app.example.com/cb", s256Challenge(verifier))

	rr := redeemCode(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://evil.example.com/cb"},
		"code_verifier": {verifier},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestToken_JSONBody(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")
	verifier := "v-abcdefghij"
	code := obtainCode(t, h, sessions, clientID, "https://app.example.com/cb", s256Challenge(verifier))

	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"client_id":     clientID,
		"redirect_uri":  "https://app.example.com/cb",
		"code_verifier": verifier,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func introspect(t *testing.T, h http.Handler, token string) introspectionResponse {
	t.Helper()
	form := url.Values{"token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp introspectionResponse
	decodeBody(t, rr, &resp)
	return resp
}

func TestIntrospect_RevokeAndUserinfo(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")
	verifier := "v-introspect"
	code := obtainCode(t, h, sessions, clientID, "https://app.example.com/cb", s256Challenge(verifier))

	rr := redeemCode(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var tok tokenResponse
	decodeBody(t, rr, &tok)

	active := introspect(t, h, tok.AccessToken)
	assert.True(t, active.Active)
	assert.Equal(t, "admin", active.Sub)
	assert.Equal(t, clientID, active.ClientID)

	// Userinfo resolves the same token.
	req := httptest.NewRequest(http.MethodGet, "/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	urr := httptest.NewRecorder()
	h.ServeHTTP(urr, req)
	require.Equal(t, http.StatusOK, urr.Code)
	var profile userinfoResponse
	require.NoError(t, json.Unmarshal(urr.Body.Bytes(), &profile))
	assert.Equal(t, "admin", profile.Sub)

	// Revocation always succeeds and deactivates the token.
	form := url.Values{"token": {tok.AccessToken}}
	req = httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rrr := httptest.NewRecorder()
	h.ServeHTTP(rrr, req)
	require.Equal(t, http.StatusOK, rrr.Code)

	assert.False(t, introspect(t, h, tok.AccessToken).Active)
}

func TestIntrospect_WrongPrefixInactive(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)

	assert.False(t, introspect(t, h, "sk-not-ours").Active)
	assert.False(t, introspect(t, h, "").Active)
}

func TestIntrospect_ExpiredTokenInactive(t *testing.T) {
	t.Parallel()
	srv, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")
	verifier := "v-expired"
	code := obtainCode(t, h, sessions, clientID, "https://app.example.com/cb", s256Challenge(verifier))

	rr := redeemCode(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var tok tokenResponse
	decodeBody(t, rr, &tok)

	srv.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.False(t, introspect(t, h, tok.AccessToken).Active)
}

func TestCallback_ResumesFlow(t *testing.T) {
	t.Parallel()
	_, h, sessions := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")

	original := authorizeURL(clientID, "https://app.example.com/cb", s256Challenge("v-callback"), "st")
	encoded := base64.RawURLEncoding.EncodeToString([]byte(original))

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?callbackUrl="+url.QueryEscape(encoded), nil)
	req.AddCookie(sessionCookie(sessions, "admin"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.Query().Get("code"), codePrefix))
	assert.Equal(t, "st", loc.Query().Get("state"))
}

func TestCallback_NoSessionDenied(t *testing.T) {
	t.Parallel()
	_, h, _ := newTestServer(t)
	clientID := registerClient(t, h, "https://app.example.com/cb")

	original := authorizeURL(clientID, "https://app.example.com/cb", s256Challenge("v"), "")
	encoded := base64.RawURLEncoding.EncodeToString([]byte(original))

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?callbackUrl="+url.QueryEscape(encoded), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
