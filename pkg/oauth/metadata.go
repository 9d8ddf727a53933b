// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"net/http"

	"github.com/stacklok/metamcp/pkg/httperr"
)

// authServerMetadata is the RFC 8414 document shape.
type authServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// protectedResourceMetadata is the RFC 9728 document shape.
type protectedResourceMetadata struct {
	Resource              string   `json:"resource"`
	AuthorizationServers  []string `json:"authorization_servers"`
	ScopesSupported       []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	IntrospectionEndpoint string   `json:"introspection_endpoint"`
	RevocationEndpoint    string   `json:"revocation_endpoint"`
}

// setMetadataHeaders applies the caching and CORS policy shared by the
// well-known documents. The documents are public by definition.
func setMetadataHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, mcp-protocol-version")
}

func (s *Server) handleMetadataPreflight(w http.ResponseWriter, _ *http.Request) {
	setMetadataHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, _ *http.Request) {
	setMetadataHeaders(w)
	httperr.WriteJSON(w, http.StatusOK, authServerMetadata{
		Issuer:                s.baseURL,
		AuthorizationEndpoint: s.baseURL + "/oauth/authorize",
		TokenEndpoint:         s.baseURL + "/oauth/token",
		RegistrationEndpoint:  s.baseURL + "/oauth/register",
		IntrospectionEndpoint: s.baseURL + "/oauth/introspect",
		RevocationEndpoint:    s.baseURL + "/oauth/revoke",
		UserinfoEndpoint:      s.baseURL + "/oauth/userinfo",
		ScopesSupported:       []string{"admin"},
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{
			"none", "client_secret_post", "client_secret_basic",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
	})
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	setMetadataHeaders(w)
	httperr.WriteJSON(w, http.StatusOK, protectedResourceMetadata{
		Resource:               s.baseURL,
		AuthorizationServers:   []string{s.baseURL},
		ScopesSupported:        []string{"admin"},
		BearerMethodsSupported: []string{"header"},
		IntrospectionEndpoint:  s.baseURL + "/oauth/introspect",
		RevocationEndpoint:     s.baseURL + "/oauth/revoke",
	})
}
