// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/types"
)

func TestMemoryStore_Servers(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := t.Context()

	srv := &types.UpstreamServer{
		UUID:    "srv-1",
		Name:    "time",
		Type:    types.ServerTypeStdio,
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-time"},
	}
	require.NoError(t, s.UpstreamServers().CreateServer(ctx, srv))

	got, err := s.UpstreamServers().GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "time", got.Name)
	assert.Equal(t, types.ErrorStatusNone, got.ErrorStatus)

	_, err = s.UpstreamServers().GetServer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpstreamServers().CreateServer(ctx, srv)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_CreateServer_Validates(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()

	err := s.UpstreamServers().CreateServer(t.Context(), &types.UpstreamServer{
		UUID: "srv-1",
		Type: types.ServerTypeStdio,
	})
	assert.ErrorIs(t, err, types.ErrMissingCommand)

	err = s.UpstreamServers().CreateServer(t.Context(), &types.UpstreamServer{
		UUID: "srv-2",
		Type: types.ServerTypeSSE,
	})
	assert.ErrorIs(t, err, types.ErrMissingURL)
}

func TestMemoryStore_ListNamespaceServers(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.Namespaces().CreateNamespace(ctx, &types.Namespace{UUID: "ns-1", Name: "dev"}))
	require.NoError(t, s.UpstreamServers().CreateServer(ctx, &types.UpstreamServer{
		UUID: "srv-a", Name: "a", Type: types.ServerTypeSSE, URL: "http://localhost:3001/sse",
	}))
	require.NoError(t, s.UpstreamServers().CreateServer(ctx, &types.UpstreamServer{
		UUID: "srv-b", Name: "b", Type: types.ServerTypeSSE, URL: "http://localhost:3002/sse",
	}))
	require.NoError(t, s.Namespaces().MapServer(ctx, "ns-1", "srv-a", types.MappingStatusActive))
	require.NoError(t, s.Namespaces().MapServer(ctx, "ns-1", "srv-b", types.MappingStatusInactive))

	active, err := s.UpstreamServers().ListNamespaceServers(ctx, "ns-1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "srv-a", active[0].UUID)

	all, err := s.UpstreamServers().ListNamespaceServers(ctx, "ns-1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Flipping the mapping status changes the active set.
	require.NoError(t, s.Namespaces().MapServer(ctx, "ns-1", "srv-b", types.MappingStatusActive))
	active, err = s.UpstreamServers().ListNamespaceServers(ctx, "ns-1", false)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestMemoryStore_SetErrorStatus(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.UpstreamServers().CreateServer(ctx, &types.UpstreamServer{
		UUID: "srv-1", Name: "crashy", Type: types.ServerTypeStdio, Command: "false",
	}))

	require.NoError(t, s.UpstreamServers().SetErrorStatus(ctx, "srv-1", types.ErrorStatusError))
	got, err := s.UpstreamServers().GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.ErrorStatusError, got.ErrorStatus)

	assert.ErrorIs(t, s.UpstreamServers().SetErrorStatus(ctx, "missing", types.ErrorStatusError), ErrNotFound)
}

func TestMemoryStore_APIKeys(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.APIKeys().CreateAPIKey(ctx, &types.APIKey{
		UUID:     "key-1",
		Name:     "ci",
		KeyHash:  HashAPIKey("sk_mt_secret"),
		IsActive: true,
	}))

	got, err := s.APIKeys().LookupAPIKey(ctx, "sk_mt_secret")
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.UUID)
	assert.True(t, got.IsPublic())

	_, err = s.APIKeys().LookupAPIKey(ctx, "wrong-secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_LookupAPIKey_Inactive(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()

	require.NoError(t, s.APIKeys().CreateAPIKey(t.Context(), &types.APIKey{
		UUID:     "key-1",
		KeyHash:  HashAPIKey("revoked"),
		IsActive: false,
	}))

	_, err := s.APIKeys().LookupAPIKey(t.Context(), "revoked")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Endpoints(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.Endpoints().CreateEndpoint(ctx, &types.Endpoint{
		UUID:             "ep-1",
		Name:             "dev-tools",
		NamespaceUUID:    "ns-1",
		EnableAPIKeyAuth: true,
	}))

	got, err := s.Endpoints().GetEndpointByName(ctx, "dev-tools")
	require.NoError(t, err)
	assert.Equal(t, "ns-1", got.NamespaceUUID)
	assert.False(t, got.IsPrivate())

	_, err = s.Endpoints().GetEndpointByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OAuthLifecycle(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := t.Context()
	now := time.Now()

	require.NoError(t, s.OAuth().UpsertClient(ctx, &types.OAuthClient{
		ClientID:                "client-1",
		RedirectURIs:            []string{"http://localhost:6274/callback"},
		TokenEndpointAuthMethod: types.AuthMethodNone,
	}))

	client, err := s.OAuth().GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, client.HasRedirectURI("http://localhost:6274/callback"))

	require.NoError(t, s.OAuth().SaveCode(ctx, &types.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client-1",
		ExpiresAt: now.Add(10 * time.Minute),
	}))
	require.NoError(t, s.OAuth().SaveToken(ctx, &types.AccessToken{
		Token:     "mcp_token_1_abc",
		ClientID:  "client-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(-time.Minute), // already expired
	}))

	require.NoError(t, s.OAuth().DeleteExpired(ctx, now))

	// The unexpired code survives; the expired token is gone.
	_, err = s.OAuth().GetCode(ctx, "code-1")
	require.NoError(t, err)
	_, err = s.OAuth().GetToken(ctx, "mcp_token_1_abc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.OAuth().DeleteCode(ctx, "code-1"))
	_, err = s.OAuth().GetCode(ctx, "code-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHashAPIKey_Deterministic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, HashAPIKey("abc"), HashAPIKey("abc"))
	assert.NotEqual(t, HashAPIKey("abc"), HashAPIKey("abd"))
	assert.Len(t, HashAPIKey("abc"), 64)
}
