// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authgate guards aggregated endpoints with API keys and OAuth
// bearer tokens. The per-endpoint flag pair (enable_api_key_auth,
// enable_oauth) selects one of four literal behaviors so inspector
// clients never oscillate between credential kinds.
package authgate

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/oauth"
	"github.com/stacklok/metamcp/pkg/ratelimit"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
)

// Gate validates endpoint credentials against the store.
type Gate struct {
	apiKeys store.APIKeys
	tokens  store.OAuth
	limiter *ratelimit.Limiter

	// appURL is the configured external base URL; empty falls back to
	// forwarded headers, then the request host.
	appURL string
}

// New creates a gate. limiter may not be nil.
func New(apiKeys store.APIKeys, tokens store.OAuth, limiter *ratelimit.Limiter, appURL string) *Gate {
	return &Gate{
		apiKeys: apiKeys,
		tokens:  tokens,
		limiter: limiter,
		appURL:  strings.TrimRight(appURL, "/"),
	}
}

// Check authorizes the request against the endpoint's flags. On success
// it returns the authenticated user ID (empty for public credentials and
// open endpoints) and true. On failure it writes the error response and
// returns false.
func (g *Gate) Check(w http.ResponseWriter, r *http.Request, ep *types.Endpoint) (string, bool) {
	if !ep.EnableAPIKeyAuth && !ep.EnableOAuth {
		return "", true
	}

	if g.Limited(r, ep) {
		httperr.Write(w, http.StatusTooManyRequests, "rate_limited",
			"too many failed credential attempts, try again later")
		return "", false
	}

	token, present := extractToken(r, ep.UseQueryParamAuth)
	isOAuthToken := strings.HasPrefix(token, oauth.TokenPrefix)

	switch {
	case ep.EnableAPIKeyAuth && !ep.EnableOAuth:
		return g.checkAPIKeyOnly(w, r, ep, token, present)

	case !ep.EnableAPIKeyAuth && ep.EnableOAuth:
		return g.checkOAuthOnly(w, r, ep, token, present, isOAuthToken)

	default:
		return g.checkBoth(w, r, ep, token, present, isOAuthToken)
	}
}

// checkAPIKeyOnly never emits an OAuth challenge, even for mcp_token_
// values: the endpoint has no OAuth surface to dance with.
func (g *Gate) checkAPIKeyOnly(w http.ResponseWriter, r *http.Request, ep *types.Endpoint, token string, present bool) (string, bool) {
	if !present {
		httperr.Write(w, http.StatusUnauthorized, "invalid_request", "API key required")
		return "", false
	}

	userID, err := g.validateAPIKey(r, ep, token)
	if err == nil {
		return userID, true
	}
	g.recordFailure(r, ep)
	if errors.Is(err, errACLDenied) {
		httperr.Write(w, http.StatusForbidden, "access_denied", err.Error())
		return "", false
	}
	// OAuth-class tokens land here too; they are just bad API keys.
	httperr.Write(w, http.StatusUnauthorized, "invalid_api_key", "API key validation failed")
	return "", false
}

func (g *Gate) checkOAuthOnly(w http.ResponseWriter, r *http.Request, ep *types.Endpoint, token string, present, isOAuthToken bool) (string, bool) {
	if !present {
		g.challenge(w, r)
		httperr.Write(w, http.StatusUnauthorized, "invalid_request", "bearer token required")
		return "", false
	}

	if !isOAuthToken {
		g.recordFailure(r, ep)
		httperr.Write(w, http.StatusTooManyRequests, "invalid_credentials",
			"this endpoint accepts OAuth bearer tokens only")
		return "", false
	}

	userID, err := g.validateOAuthToken(r, ep, token)
	if err == nil {
		return userID, true
	}
	g.recordFailure(r, ep)
	if errors.Is(err, errACLDenied) {
		httperr.Write(w, http.StatusForbidden, "access_denied", err.Error())
		return "", false
	}
	httperr.Write(w, http.StatusTooManyRequests, "invalid_token", "token introspection failed")
	return "", false
}

// checkBoth tries the credential class suggested by the token shape
// first, then falls back to the other.
func (g *Gate) checkBoth(w http.ResponseWriter, r *http.Request, ep *types.Endpoint, token string, present, isOAuthToken bool) (string, bool) {
	if !present {
		g.challenge(w, r)
		httperr.Write(w, http.StatusUnauthorized, "invalid_request", "credentials required")
		return "", false
	}

	var userID string
	var firstErr, secondErr error
	if isOAuthToken {
		userID, firstErr = g.validateOAuthToken(r, ep, token)
		if firstErr == nil {
			return userID, true
		}
		userID, secondErr = g.validateAPIKey(r, ep, token)
	} else {
		userID, firstErr = g.validateAPIKey(r, ep, token)
		if firstErr == nil {
			return userID, true
		}
		userID, secondErr = g.validateOAuthToken(r, ep, token)
	}
	if secondErr == nil {
		return userID, true
	}

	g.recordFailure(r, ep)
	if errors.Is(firstErr, errACLDenied) || errors.Is(secondErr, errACLDenied) {
		httperr.Write(w, http.StatusForbidden, "access_denied", "credentials not valid for this endpoint")
		return "", false
	}
	httperr.Write(w, http.StatusTooManyRequests, "invalid_credentials",
		"neither API key nor OAuth validation succeeded")
	return "", false
}

// errACLDenied marks a credential that authenticated but is not allowed
// on this endpoint.
var errACLDenied = errors.New("credential not allowed on this endpoint")

// nowFunc is a test hook for token expiry checks.
var nowFunc = time.Now

// validateAPIKey authenticates the secret and enforces the ownership ACL.
func (g *Gate) validateAPIKey(r *http.Request, ep *types.Endpoint, secret string) (string, error) {
	key, err := g.apiKeys.LookupAPIKey(r.Context(), secret)
	if err != nil {
		return "", fmt.Errorf("api key lookup: %w", err)
	}

	if ep.IsPrivate() {
		if key.IsPublic() {
			return "", fmt.Errorf("%w: public key against private endpoint", errACLDenied)
		}
		if key.UserID != ep.UserID {
			return "", fmt.Errorf("%w: key owner does not match endpoint owner", errACLDenied)
		}
	}
	return key.UserID, nil
}

// validateOAuthToken introspects the token locally and enforces the
// ownership ACL.
func (g *Gate) validateOAuthToken(r *http.Request, ep *types.Endpoint, tokenValue string) (string, error) {
	if !strings.HasPrefix(tokenValue, oauth.TokenPrefix) {
		return "", errors.New("not an OAuth token")
	}
	token, err := g.tokens.GetToken(r.Context(), tokenValue)
	if err != nil {
		return "", fmt.Errorf("token lookup: %w", err)
	}
	if token.Expired(nowFunc()) {
		return "", errors.New("token expired")
	}
	if token.UserID == "" {
		return "", errors.New("token carries no user")
	}
	if ep.IsPrivate() && token.UserID != ep.UserID {
		return "", fmt.Errorf("%w: token user does not match endpoint owner", errACLDenied)
	}
	return token.UserID, nil
}

// challenge emits the Bearer challenge pointing clients at the protected
// resource metadata. Only called when OAuth is enabled on the endpoint.
func (g *Gate) challenge(w http.ResponseWriter, r *http.Request) {
	base := g.baseURL(r)
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="MetaMCP", scope="admin", resource_metadata="%s/.well-known/oauth-protected-resource"`, base))
}

// baseURL prefers the configured app URL, then forwarded headers, then
// the request itself.
func (g *Gate) baseURL(r *http.Request) string {
	if g.appURL != "" {
		return g.appURL
	}
	host := r.Header.Get("X-Forwarded-Host")
	proto := r.Header.Get("X-Forwarded-Proto")
	if host != "" {
		if proto == "" {
			proto = "https"
		}
		return proto + "://" + host
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (g *Gate) recordFailure(r *http.Request, ep *types.Endpoint) {
	key := ratelimit.Key(remoteIP(r), ep.UUID)
	if !g.limiter.Allow(key) {
		logger.Warnf("Credential failures rate limited for endpoint %s", ep.Name)
	}
}

// Limited reports whether the client has exhausted its failure budget for
// the endpoint, without recording an attempt.
func (g *Gate) Limited(r *http.Request, ep *types.Endpoint) bool {
	return g.limiter.Remaining(ratelimit.Key(remoteIP(r), ep.UUID)) == 0
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractToken pulls the credential from the request. Precedence:
// X-API-Key header, Authorization bearer, then query parameters when the
// endpoint allows them.
func extractToken(r *http.Request, allowQuery bool) (string, bool) {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v, true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok && bearer != "" {
			return bearer, true
		}
	}
	if allowQuery {
		q := r.URL.Query()
		if v := q.Get("api_key"); v != "" {
			return v, true
		}
		if v := q.Get("apikey"); v != "" {
			return v, true
		}
	}
	return "", false
}
