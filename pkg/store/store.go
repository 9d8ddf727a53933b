// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence interfaces consumed by the metamcp
// core, together with in-memory, SQLite, and Redis implementations.
//
// The core never touches SQL directly; the pool, aggregator, error tracker,
// auth gate, and authorization server all depend on these interfaces.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/stacklok/metamcp/pkg/types"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a create collides with an
	// existing row.
	ErrAlreadyExists = errors.New("already exists")
)

// UpstreamServers persists upstream server rows and their discovered tools.
type UpstreamServers interface {
	// GetServer returns one server row by UUID.
	GetServer(ctx context.Context, uuid string) (*types.UpstreamServer, error)

	// CreateServer inserts a server row.
	CreateServer(ctx context.Context, srv *types.UpstreamServer) error

	// ListNamespaceServers returns the servers mapped into a namespace.
	// Inactive mappings are excluded unless includeInactive is set.
	ListNamespaceServers(ctx context.Context, namespaceUUID string, includeInactive bool) ([]*types.UpstreamServer, error)

	// SetErrorStatus writes the server's error status.
	SetErrorStatus(ctx context.Context, uuid string, status types.ErrorStatus) error

	// SaveTools replaces the persisted tool descriptors for a server.
	SaveTools(ctx context.Context, serverUUID string, tools []types.ToolDescriptor) error
}

// Namespaces persists namespace rows and server mappings.
type Namespaces interface {
	GetNamespace(ctx context.Context, uuid string) (*types.Namespace, error)
	CreateNamespace(ctx context.Context, ns *types.Namespace) error

	// MapServer adds or updates a server mapping with the given status.
	MapServer(ctx context.Context, namespaceUUID, serverUUID string, status types.MappingStatus) error
}

// Endpoints persists endpoint rows.
type Endpoints interface {
	GetEndpointByName(ctx context.Context, name string) (*types.Endpoint, error)
	CreateEndpoint(ctx context.Context, ep *types.Endpoint) error
}

// APIKeys persists hashed API keys.
type APIKeys interface {
	// CreateAPIKey inserts a key row. The KeyHash field must already be
	// populated via HashAPIKey.
	CreateAPIKey(ctx context.Context, key *types.APIKey) error

	// LookupAPIKey resolves a presented secret to an active key row.
	// Returns ErrNotFound for unknown, inactive, or revoked keys.
	LookupAPIKey(ctx context.Context, secret string) (*types.APIKey, error)
}

// OAuth persists the authorization server's clients, codes, and tokens.
type OAuth interface {
	UpsertClient(ctx context.Context, client *types.OAuthClient) error
	GetClient(ctx context.Context, clientID string) (*types.OAuthClient, error)

	SaveCode(ctx context.Context, code *types.AuthorizationCode) error
	GetCode(ctx context.Context, code string) (*types.AuthorizationCode, error)
	DeleteCode(ctx context.Context, code string) error

	SaveToken(ctx context.Context, token *types.AccessToken) error
	GetToken(ctx context.Context, token string) (*types.AccessToken, error)
	DeleteToken(ctx context.Context, token string) error

	// DeleteExpired removes codes and tokens whose expiry precedes now.
	DeleteExpired(ctx context.Context, now time.Time) error
}

// Store aggregates the persistence interfaces the core consumes.
type Store interface {
	UpstreamServers() UpstreamServers
	Namespaces() Namespaces
	Endpoints() Endpoints
	APIKeys() APIKeys
	OAuth() OAuth
}

type oauthOverlay struct {
	Store
	oauth OAuth
}

func (s *oauthOverlay) OAuth() OAuth { return s.oauth }

// WithOAuth overrides the OAuth tables of base, leaving everything else
// in place. Used to keep token churn in Redis while rows live in SQLite.
func WithOAuth(base Store, o OAuth) Store {
	return &oauthOverlay{Store: base, oauth: o}
}

// HashAPIKey derives the stored digest for an API key secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
