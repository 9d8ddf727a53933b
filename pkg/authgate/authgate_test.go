// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authgate

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/ratelimit"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
)

const (
	publicKeySecret   = "sk-public-key-secret"
	ownerKeySecret    = "sk-owner-key-secret"
	otherKeySecret    = "sk-other-key-secret"
	ownerOAuthToken   = "mcp_token_1700000000000_abc123def"
	otherOAuthToken   = "mcp_token_1700000000000_zzz999xyz"
	expiredOAuthToken = "mcp_token_1600000000000_expired00"
)

type fixture struct {
	gate *Gate
	st   *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := t.Context()

	keys := []*types.APIKey{
		{UUID: uuid.NewString(), Name: "public", KeyHash: store.HashAPIKey(publicKeySecret), IsActive: true},
		{UUID: uuid.NewString(), Name: "owner", KeyHash: store.HashAPIKey(ownerKeySecret), IsActive: true, UserID: "owner-1"},
		{UUID: uuid.NewString(), Name: "other", KeyHash: store.HashAPIKey(otherKeySecret), IsActive: true, UserID: "other-2"},
	}
	for _, k := range keys {
		require.NoError(t, st.APIKeys().CreateAPIKey(ctx, k))
	}

	now := time.Now()
	tokens := []*types.AccessToken{
		{Token: ownerOAuthToken, ClientID: "c", UserID: "owner-1", Scope: "admin", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{Token: otherOAuthToken, ClientID: "c", UserID: "other-2", Scope: "admin", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{Token: expiredOAuthToken, ClientID: "c", UserID: "owner-1", Scope: "admin", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
	}
	for _, tok := range tokens {
		require.NoError(t, st.OAuth().SaveToken(ctx, tok))
	}

	limiter := ratelimit.New(ratelimit.Config{MaxAttempts: 100, Window: time.Minute})
	return &fixture{
		gate: New(st.APIKeys(), st.OAuth(), limiter, "https://mcp.example.com"),
		st:   st,
	}
}

func endpoint(apiKey, oauthOn bool, owner string) *types.Endpoint {
	return &types.Endpoint{
		UUID:             uuid.NewString(),
		Name:             "ep",
		NamespaceUUID:    uuid.NewString(),
		EnableAPIKeyAuth: apiKey,
		EnableOAuth:      oauthOn,
		UserID:           owner,
	}
}

func check(g *Gate, ep *types.Endpoint, decorate func(*http.Request)) (*httptest.ResponseRecorder, string, bool) {
	req := httptest.NewRequest(http.MethodPost, "/metamcp/ep/mcp", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	if decorate != nil {
		decorate(req)
	}
	rr := httptest.NewRecorder()
	userID, ok := g.Check(rr, req, ep)
	return rr, userID, ok
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withAPIKeyHeader(secret string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-API-Key", secret) }
}

func TestGate_BothDisabledPassesThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ep := endpoint(false, false, "")

	for _, decorate := range []func(*http.Request){
		nil,
		withAPIKeyHeader("completely-bogus"),
		withBearer(ownerOAuthToken),
	} {
		_, _, ok := check(f.gate, ep, decorate)
		assert.True(t, ok)
	}
}

func TestGate_APIKeyOnly(t *testing.T) {
	t.Parallel()

	t.Run("no token 401 without challenge", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(true, false, ""), nil)
		assert.False(t, ok)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid_request")
		assert.Empty(t, rr.Header().Get("WWW-Authenticate"))
	})

	t.Run("valid key passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, userID, ok := check(f.gate, endpoint(true, false, ""), withAPIKeyHeader(publicKeySecret))
		assert.True(t, ok)
		assert.Empty(t, userID)
	})

	t.Run("bearer api key passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, userID, ok := check(f.gate, endpoint(true, false, ""), withBearer(ownerKeySecret))
		assert.True(t, ok)
		assert.Equal(t, "owner-1", userID)
	})

	t.Run("oauth token treated as bad api key, no challenge", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(true, false, ""), withBearer(ownerOAuthToken))
		assert.False(t, ok)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid_api_key")
		assert.Empty(t, rr.Header().Get("WWW-Authenticate"))
	})

	t.Run("public key against private endpoint 403", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(true, false, "owner-1"), withAPIKeyHeader(publicKeySecret))
		assert.False(t, ok)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("wrong owner key against private endpoint 403", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(true, false, "owner-1"), withAPIKeyHeader(otherKeySecret))
		assert.False(t, ok)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("owner key against private endpoint passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, userID, ok := check(f.gate, endpoint(true, false, "owner-1"), withAPIKeyHeader(ownerKeySecret))
		assert.True(t, ok)
		assert.Equal(t, "owner-1", userID)
	})
}

func TestGate_OAuthOnly(t *testing.T) {
	t.Parallel()

	t.Run("no token 401 with challenge", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(false, true, ""), nil)
		assert.False(t, ok)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t,
			`Bearer realm="MetaMCP", scope="admin", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`,
			rr.Header().Get("WWW-Authenticate"))
	})

	t.Run("api key class token 429", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(false, true, ""), withAPIKeyHeader(publicKeySecret))
		assert.False(t, ok)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid_credentials")
	})

	t.Run("valid token passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, userID, ok := check(f.gate, endpoint(false, true, ""), withBearer(ownerOAuthToken))
		assert.True(t, ok)
		assert.Equal(t, "owner-1", userID)
	})

	t.Run("expired token 429", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(false, true, ""), withBearer(expiredOAuthToken))
		assert.False(t, ok)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid_token")
	})

	t.Run("wrong owner token against private endpoint 403", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(false, true, "owner-1"), withBearer(otherOAuthToken))
		assert.False(t, ok)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("owner token against private endpoint passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, userID, ok := check(f.gate, endpoint(false, true, "owner-1"), withBearer(ownerOAuthToken))
		assert.True(t, ok)
		assert.Equal(t, "owner-1", userID)
	})
}

func TestGate_BothEnabled(t *testing.T) {
	t.Parallel()

	t.Run("no token 401 with challenge", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(true, true, ""), nil)
		assert.False(t, ok)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
	})

	t.Run("api key passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, _, ok := check(f.gate, endpoint(true, true, ""), withAPIKeyHeader(publicKeySecret))
		assert.True(t, ok)
	})

	t.Run("oauth token passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, userID, ok := check(f.gate, endpoint(true, true, ""), withBearer(ownerOAuthToken))
		assert.True(t, ok)
		assert.Equal(t, "owner-1", userID)
	})

	t.Run("garbage credential 429", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(true, true, ""), withBearer("garbage"))
		assert.False(t, ok)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid_credentials")
	})

	t.Run("unknown oauth-shaped token falls back then 429", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rr, _, ok := check(f.gate, endpoint(true, true, ""), withBearer("mcp_token_000_unknown"))
		assert.False(t, ok)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	})
}

func TestGate_QueryParamToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	withQuery := func(r *http.Request) {
		q := r.URL.Query()
		q.Set("api_key", publicKeySecret)
		r.URL.RawQuery = q.Encode()
	}

	// Honored only when the endpoint opts in.
	ep := endpoint(true, false, "")
	ep.UseQueryParamAuth = true
	_, _, ok := check(f.gate, ep, withQuery)
	assert.True(t, ok)

	rr, _, ok := check(f.gate, endpoint(true, false, ""), withQuery)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGate_HeaderPrecedenceOverQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ep := endpoint(true, false, "")
	ep.UseQueryParamAuth = true

	// A bogus header wins over a valid query parameter.
	_, _, okResult := check(f.gate, ep, func(r *http.Request) {
		r.Header.Set("X-API-Key", "bogus")
		q := r.URL.Query()
		q.Set("api_key", publicKeySecret)
		r.URL.RawQuery = q.Encode()
	})
	assert.False(t, okResult)
}

func TestGate_RateLimitExhaustion(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	limiter := ratelimit.New(ratelimit.Config{MaxAttempts: 2, Window: time.Minute})
	g := New(st.APIKeys(), st.OAuth(), limiter, "https://mcp.example.com")
	ep := endpoint(true, false, "")

	for i := 0; i < 2; i++ {
		rr, _, ok := check(g, ep, withAPIKeyHeader("bogus"))
		require.False(t, ok)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	// Budget exhausted: even before validation the gate answers 429.
	rr, _, ok := check(g, ep, withAPIKeyHeader("bogus"))
	assert.False(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "rate_limited")
}

func TestGate_BaseURLFallbacks(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	limiter := ratelimit.New(ratelimit.Config{})
	g := New(st.APIKeys(), st.OAuth(), limiter, "")
	ep := endpoint(false, true, "")

	rr, _, _ := check(g, ep, func(r *http.Request) {
		r.Header.Set("X-Forwarded-Host", "mcp.fwd.example.com")
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "https://mcp.fwd.example.com/.well-known/")

	rr, _, _ = check(g, ep, func(r *http.Request) { r.Host = "direct.example.com" })
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "http://direct.example.com/.well-known/")
}
