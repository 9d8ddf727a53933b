// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// handleToken redeems an authorization code for an access token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	values, err := formOrJSON(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if gt := values.Get("grant_type"); gt != "authorization_code" {
		httperr.Write(w, http.StatusBadRequest, "unsupported_grant_type",
			"only authorization_code is supported")
		return
	}

	codeValue := values.Get("code")
	if codeValue == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	code, err := s.store.GetCode(r.Context(), codeValue)
	if errors.Is(err, store.ErrNotFound) {
		httperr.Write(w, http.StatusBadRequest, "invalid_grant", "unknown authorization code")
		return
	}
	if err != nil {
		logger.Errorf("Authorization code lookup failed: %v", err)
		httperr.Write(w, http.StatusInternalServerError, "server_error", "code lookup failed")
		return
	}
	if code.Expired(s.now()) {
		_ = s.store.DeleteCode(r.Context(), codeValue)
		httperr.Write(w, http.StatusBadRequest, "invalid_grant", "authorization code expired")
		return
	}

	clientID := values.Get("client_id")
	if basicID, _, ok := r.BasicAuth(); ok && clientID == "" {
		clientID = basicID
	}
	if clientID != code.ClientID {
		httperr.Write(w, http.StatusBadRequest, "invalid_grant", "client_id does not match code")
		return
	}
	if values.Get("redirect_uri") != code.RedirectURI {
		httperr.Write(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match code")
		return
	}

	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}
	if !s.authenticateClient(r, values.Get("client_secret"), client) {
		httperr.Write(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	if code.CodeChallenge != "" {
		verifier := values.Get("code_verifier")
		if verifier == "" {
			httperr.Write(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}
		if !verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, verifier) {
			httperr.Write(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	// Codes are single use; delete before minting so a replay cannot race
	// a second token out of the same code.
	if err := s.store.DeleteCode(r.Context(), codeValue); err != nil {
		logger.Errorf("Failed to consume authorization code: %v", err)
		httperr.Write(w, http.StatusInternalServerError, "server_error", "failed to consume code")
		return
	}

	now := s.now()
	token := &types.AccessToken{
		Token:     s.mintID(TokenPrefix),
		ClientID:  clientID,
		UserID:    code.UserID,
		Scope:     code.Scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(tokenTTL),
	}
	if err := s.store.SaveToken(r.Context(), token); err != nil {
		logger.Errorf("Failed to persist access token: %v", err)
		httperr.Write(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}

	httperr.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokenTTL.Seconds()),
		Scope:       token.Scope,
	})
}

// authenticateClient enforces the client's registered token endpoint auth
// method.
func (s *Server) authenticateClient(r *http.Request, bodySecret string, client *types.OAuthClient) bool {
	switch client.TokenEndpointAuthMethod {
	case types.AuthMethodClientSecretBasic:
		id, secret, ok := r.BasicAuth()
		return ok && id == client.ClientID && secretEqual(secret, client.ClientSecret)
	case types.AuthMethodClientSecretPost:
		return secretEqual(bodySecret, client.ClientSecret)
	default:
		// Public client; PKCE carries the proof.
		return true
	}
}

func secretEqual(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// verifyPKCE checks the code verifier against the stored challenge.
func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

type introspectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
}

// handleIntrospect implements RFC 7662. Anything other than a live token
// minted by this server yields {active:false}.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	values, err := formOrJSON(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tokenValue := values.Get("token")
	if tokenValue == "" || !strings.HasPrefix(tokenValue, TokenPrefix) {
		httperr.WriteJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}

	token, err := s.store.GetToken(r.Context(), tokenValue)
	if err != nil {
		httperr.WriteJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}
	if token.Expired(s.now()) {
		_ = s.store.DeleteToken(r.Context(), tokenValue)
		httperr.WriteJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}

	httperr.WriteJSON(w, http.StatusOK, introspectionResponse{
		Active:    true,
		Scope:     token.Scope,
		ClientID:  token.ClientID,
		TokenType: "Bearer",
		Exp:       token.ExpiresAt.Unix(),
		Iat:       token.IssuedAt.Unix(),
		Sub:       token.UserID,
	})
}

// handleRevoke implements RFC 7009: always 200, even for unknown tokens.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	values, err := formOrJSON(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if tokenValue := values.Get("token"); tokenValue != "" {
		if err := s.store.DeleteToken(r.Context(), tokenValue); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("Token revocation failed: %v", err)
		}
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{})
}

type userinfoResponse struct {
	Sub      string `json:"sub"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// handleUserinfo returns the minimal profile bound to a bearer token.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	tokenValue, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || !strings.HasPrefix(tokenValue, TokenPrefix) {
		httperr.Write(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
		return
	}

	token, err := s.store.GetToken(r.Context(), tokenValue)
	if err != nil || token.Expired(s.now()) {
		httperr.Write(w, http.StatusUnauthorized, "invalid_token", "token is not active")
		return
	}

	httperr.WriteJSON(w, http.StatusOK, userinfoResponse{
		Sub:      token.UserID,
		Scope:    token.Scope,
		ClientID: token.ClientID,
	})
}
