// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/types"
)

var (
	allowedGrantTypes    = map[string]bool{"authorization_code": true, "refresh_token": true}
	allowedResponseTypes = map[string]bool{"code": true}
	allowedAuthMethods   = map[string]bool{
		types.AuthMethodNone:              true,
		types.AuthMethodClientSecretPost:  true,
		types.AuthMethodClientSecretBasic: true,
	}
)

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// handleRegister implements RFC 7591 dynamic client registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	values, err := formOrJSON(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}

	redirectURIs := values["redirect_uris"]
	if len(redirectURIs) == 0 {
		httperr.Write(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			httperr.Write(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
			return
		}
	}

	grantTypes := values["grant_types"]
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			httperr.Write(w, http.StatusBadRequest, "invalid_client_metadata",
				fmt.Sprintf("unsupported grant type %q", gt))
			return
		}
	}

	responseTypes := values["response_types"]
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			httperr.Write(w, http.StatusBadRequest, "invalid_client_metadata",
				fmt.Sprintf("unsupported response type %q", rt))
			return
		}
	}

	authMethod := values.Get("token_endpoint_auth_method")
	if authMethod == "" {
		authMethod = types.AuthMethodNone
	}
	if !allowedAuthMethods[authMethod] {
		httperr.Write(w, http.StatusBadRequest, "invalid_client_metadata",
			fmt.Sprintf("unsupported token endpoint auth method %q", authMethod))
		return
	}

	client := &types.OAuthClient{
		ClientID:                s.mintID(clientPrefix),
		ClientName:              values.Get("client_name"),
		RedirectURIs:            redirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               s.now(),
	}
	// Confidential clients get a secret; public clients rely on PKCE.
	if authMethod != types.AuthMethodNone {
		client.ClientSecret = s.mintID("mcp_secret_")
	}

	if err := s.store.UpsertClient(r.Context(), client); err != nil {
		logger.Errorf("Failed to persist OAuth client: %v", err)
		httperr.Write(w, http.StatusInternalServerError, "server_error", "failed to register client")
		return
	}

	httperr.WriteJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
	})
}

// validateRedirectURI enforces the redirect URI policy: https anywhere,
// http on loopback hosts only, custom schemes for native apps, never a
// fragment.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect URI %q does not parse", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}
	switch u.Scheme {
	case "":
		return fmt.Errorf("redirect URI %q has no scheme", raw)
	case "https":
		return nil
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("http redirect URI %q is only allowed on loopback hosts", raw)
		}
		return nil
	default:
		// Custom scheme for a native app.
		return nil
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
