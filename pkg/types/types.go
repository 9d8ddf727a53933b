// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package types contains the shared domain types used across metamcp
// subpackages: upstream servers, namespaces, endpoints, API keys, and the
// OAuth artifacts persisted by the authorization server.
package types

import (
	"errors"
	"time"
)

// ServerType is the transport family of an upstream MCP server.
type ServerType string

const (
	// ServerTypeStdio is a locally spawned child process speaking JSON-RPC
	// over standard streams.
	ServerTypeStdio ServerType = "STDIO"

	// ServerTypeSSE is a remote server reached over a Server-Sent-Events
	// HTTP stream.
	ServerTypeSSE ServerType = "SSE"

	// ServerTypeStreamableHTTP is a remote server reached over the
	// bidirectional streamable HTTP transport.
	ServerTypeStreamableHTTP ServerType = "STREAMABLE_HTTP"
)

// ErrorStatus marks an upstream server that crashed too often.
// ERROR is terminal until an operator resets it.
type ErrorStatus string

const (
	// ErrorStatusNone is the healthy state.
	ErrorStatusNone ErrorStatus = "NONE"

	// ErrorStatusError short-circuits all connection attempts.
	ErrorStatusError ErrorStatus = "ERROR"
)

// Common validation errors for upstream server rows.
var (
	ErrMissingCommand = errors.New("stdio server requires a non-empty command")
	ErrMissingURL     = errors.New("remote server requires a URL")
)

// UpstreamServer is one external MCP server brokered by the aggregator.
type UpstreamServer struct {
	UUID        string
	Name        string
	Type        ServerType
	Description string

	// Stdio parameters.
	Command string
	Args    []string
	Env     map[string]string

	// Remote parameters.
	URL         string
	BearerToken string

	ErrorStatus ErrorStatus
	CreatedAt   time.Time
}

// Validate enforces the per-kind invariants: a STDIO server always has a
// non-empty command; a remote server always has a URL.
func (s *UpstreamServer) Validate() error {
	switch s.Type {
	case ServerTypeStdio:
		if s.Command == "" {
			return ErrMissingCommand
		}
	case ServerTypeSSE, ServerTypeStreamableHTTP:
		if s.URL == "" {
			return ErrMissingURL
		}
	}
	return nil
}

// MappingStatus is the per-namespace status of a server mapping.
type MappingStatus string

const (
	// MappingStatusActive servers contribute to aggregation.
	MappingStatusActive MappingStatus = "ACTIVE"

	// MappingStatusInactive servers are skipped unless explicitly included.
	MappingStatusInactive MappingStatus = "INACTIVE"
)

// Namespace groups upstream servers under one unified server.
type Namespace struct {
	UUID        string
	Name        string
	Description string
	CreatedAt   time.Time
}

// NamespaceServer is the mapping row between a namespace and a server.
type NamespaceServer struct {
	NamespaceUUID string
	ServerUUID    string
	Status        MappingStatus
}

// Endpoint is a named public URL prefix under /metamcp/ mapping to exactly
// one namespace and governing its auth policy.
type Endpoint struct {
	UUID          string
	Name          string
	NamespaceUUID string

	EnableAPIKeyAuth  bool
	EnableOAuth       bool
	UseQueryParamAuth bool

	// UserID marks the endpoint private when non-empty: only the owner's
	// credentials may reach it.
	UserID string

	CreatedAt time.Time
}

// IsPrivate reports whether the endpoint is restricted to its owner.
func (e *Endpoint) IsPrivate() bool {
	return e.UserID != ""
}

// APIKey is an opaque credential; the secret itself is stored hashed.
type APIKey struct {
	UUID     string
	Name     string
	KeyHash  string
	IsActive bool

	// UserID is empty for public keys.
	UserID string

	CreatedAt time.Time
}

// IsPublic reports whether the key is usable against public endpoints only.
func (k *APIKey) IsPublic() bool {
	return k.UserID == ""
}

// Token endpoint auth methods accepted for OAuth clients.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
)

// OAuthClient is a registered OAuth 2.1 client (RFC 7591).
type OAuthClient struct {
	ClientID                string
	ClientSecret            string
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// HasRedirectURI reports whether uri is registered for the client.
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use code minted by /oauth/authorize.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	UserID              string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
}

// Expired reports whether the code is past its expiry.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AccessToken is an opaque bearer token with the mcp_token_ prefix.
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ToolDescriptor is a tool advertised by an upstream, persisted on discovery
// for admin inspection.
type ToolDescriptor struct {
	ServerUUID  string
	Name        string
	Description string
	InputSchema map[string]any
	UpdatedAt   time.Time
}
