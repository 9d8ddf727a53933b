// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
)

// authorizeParams is the validated query of an authorization request.
type authorizeParams struct {
	clientID            string
	redirectURI         string
	scope               string
	state               string
	codeChallenge       string
	codeChallengeMethod string
}

// handleAuthorize implements the authorization endpoint. PKCE is
// mandatory; unknown clients are rejected and pointed at registration.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	params, err := s.validateAuthorizeRequest(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID, ok := s.sessions.Validate(r)
	if !ok {
		// No admin session: bounce through the login UI carrying the
		// original authorize URL so the flow can resume at /oauth/callback.
		callback := base64.RawURLEncoding.EncodeToString([]byte(r.URL.RequestURI()))
		login := s.baseURL + "/login?callbackUrl=" + url.QueryEscape(callback)
		http.Redirect(w, r, login, http.StatusFound)
		return
	}

	s.issueCode(w, r, params, userID)
}

// handleCallback resumes an authorization flow after login. The OAuth
// parameters ride in the base64url callbackUrl query parameter.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	encoded := r.URL.Query().Get("callbackUrl")
	if encoded == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "callbackUrl is required")
		return
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "callbackUrl is not valid base64url")
		return
	}
	original, err := url.Parse(string(decoded))
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "callbackUrl does not parse")
		return
	}

	resumed := r.Clone(r.Context())
	resumed.URL = original
	params, err := s.validateAuthorizeRequest(resumed)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID, ok := s.sessions.Validate(r)
	if !ok {
		httperr.Write(w, http.StatusUnauthorized, "access_denied", "login did not establish a session")
		return
	}

	s.issueCode(w, r, params, userID)
}

func (s *Server) validateAuthorizeRequest(r *http.Request) (*authorizeParams, error) {
	q := r.URL.Query()

	if rt := q.Get("response_type"); rt != "code" {
		return nil, fmt.Errorf("unsupported response_type %q", rt)
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}
	client, err := s.store.GetClient(r.Context(), clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("unknown client %q: register via /oauth/register first", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("client lookup failed: %w", err)
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		return nil, fmt.Errorf("redirect_uri %q is not registered for client %s", redirectURI, clientID)
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge == "" {
		return nil, errors.New("code_challenge is required (PKCE is mandatory)")
	}
	if method != "S256" && method != "plain" {
		return nil, fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	return &authorizeParams{
		clientID:            clientID,
		redirectURI:         redirectURI,
		scope:               q.Get("scope"),
		state:               q.Get("state"),
		codeChallenge:       challenge,
		codeChallengeMethod: method,
	}, nil
}

// issueCode mints and stores an authorization code, then sends the user
// agent back to the client's redirect URI.
func (s *Server) issueCode(w http.ResponseWriter, r *http.Request, params *authorizeParams, userID string) {
	scope := params.scope
	if scope == "" {
		scope = "admin"
	}

	code := &types.AuthorizationCode{
		Code:                s.mintID(codePrefix),
		ClientID:            params.clientID,
		RedirectURI:         params.redirectURI,
		Scope:               scope,
		UserID:              userID,
		CodeChallenge:       params.codeChallenge,
		CodeChallengeMethod: params.codeChallengeMethod,
		ExpiresAt:           s.now().Add(codeTTL),
	}
	if err := s.store.SaveCode(r.Context(), code); err != nil {
		logger.Errorf("Failed to persist authorization code: %v", err)
		httperr.Write(w, http.StatusInternalServerError, "server_error", "failed to issue code")
		return
	}

	// Loop guard: a redirect URI pointing back at our own callback would
	// bounce forever, so render a success page instead.
	if s.isOwnCallback(params.redirectURI) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, authorizedPage, code.Code)
		return
	}

	target, err := url.Parse(params.redirectURI)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not parse")
		return
	}
	q := target.Query()
	q.Set("code", code.Code)
	if params.state != "" {
		q.Set("state", params.state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) isOwnCallback(redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return false
	}
	return u.Host == base.Host && strings.TrimRight(u.Path, "/") == "/oauth/callback"
}

const authorizedPage = `<!DOCTYPE html>
<html>
<head><title>Authorization complete</title></head>
<body>
<h1>Authorization complete</h1>
<p>Copy this code into your client: <code>%s</code></p>
</body>
</html>
`
