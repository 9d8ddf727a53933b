// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/metamcp/pkg/types"
)

// MemoryStore is an in-memory Store suitable for single-instance deployments
// and tests. All maps are guarded by one mutex; operations are single-row and
// short, so finer locking buys nothing.
type MemoryStore struct {
	mu sync.RWMutex

	servers    map[string]*types.UpstreamServer
	namespaces map[string]*types.Namespace
	mappings   map[string][]types.NamespaceServer // namespaceUUID -> mappings
	endpoints  map[string]*types.Endpoint         // keyed by public name
	apiKeys    map[string]*types.APIKey           // keyed by hash
	tools      map[string][]types.ToolDescriptor  // serverUUID -> tools

	clients map[string]*types.OAuthClient
	codes   map[string]*types.AuthorizationCode
	tokens  map[string]*types.AccessToken
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:    make(map[string]*types.UpstreamServer),
		namespaces: make(map[string]*types.Namespace),
		mappings:   make(map[string][]types.NamespaceServer),
		endpoints:  make(map[string]*types.Endpoint),
		apiKeys:    make(map[string]*types.APIKey),
		tools:      make(map[string][]types.ToolDescriptor),
		clients:    make(map[string]*types.OAuthClient),
		codes:      make(map[string]*types.AuthorizationCode),
		tokens:     make(map[string]*types.AccessToken),
	}
}

// UpstreamServers implements Store.
func (m *MemoryStore) UpstreamServers() UpstreamServers { return (*memoryServers)(m) }

// Namespaces implements Store.
func (m *MemoryStore) Namespaces() Namespaces { return (*memoryNamespaces)(m) }

// Endpoints implements Store.
func (m *MemoryStore) Endpoints() Endpoints { return (*memoryEndpoints)(m) }

// APIKeys implements Store.
func (m *MemoryStore) APIKeys() APIKeys { return (*memoryAPIKeys)(m) }

// OAuth implements Store.
func (m *MemoryStore) OAuth() OAuth { return (*memoryOAuth)(m) }

type memoryServers MemoryStore

func (m *memoryServers) GetServer(_ context.Context, uuid string) (*types.UpstreamServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	srv, ok := m.servers[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *srv
	return &cp, nil
}

func (m *memoryServers) CreateServer(_ context.Context, srv *types.UpstreamServer) error {
	if err := srv.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[srv.UUID]; ok {
		return ErrAlreadyExists
	}
	cp := *srv
	if cp.ErrorStatus == "" {
		cp.ErrorStatus = types.ErrorStatusNone
	}
	m.servers[cp.UUID] = &cp
	return nil
}

func (m *memoryServers) ListNamespaceServers(
	_ context.Context, namespaceUUID string, includeInactive bool,
) ([]*types.UpstreamServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.UpstreamServer
	for _, mapping := range m.mappings[namespaceUUID] {
		if mapping.Status != types.MappingStatusActive && !includeInactive {
			continue
		}
		if srv, ok := m.servers[mapping.ServerUUID]; ok {
			cp := *srv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryServers) SetErrorStatus(_ context.Context, uuid string, status types.ErrorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[uuid]
	if !ok {
		return ErrNotFound
	}
	srv.ErrorStatus = status
	return nil
}

func (m *memoryServers) SaveTools(_ context.Context, serverUUID string, tools []types.ToolDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]types.ToolDescriptor, len(tools))
	copy(cp, tools)
	m.tools[serverUUID] = cp
	return nil
}

type memoryNamespaces MemoryStore

func (m *memoryNamespaces) GetNamespace(_ context.Context, uuid string) (*types.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.namespaces[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ns
	return &cp, nil
}

func (m *memoryNamespaces) CreateNamespace(_ context.Context, ns *types.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[ns.UUID]; ok {
		return ErrAlreadyExists
	}
	cp := *ns
	m.namespaces[cp.UUID] = &cp
	return nil
}

func (m *memoryNamespaces) MapServer(
	_ context.Context, namespaceUUID, serverUUID string, status types.MappingStatus,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mappings := m.mappings[namespaceUUID]
	for i := range mappings {
		if mappings[i].ServerUUID == serverUUID {
			mappings[i].Status = status
			return nil
		}
	}
	m.mappings[namespaceUUID] = append(mappings, types.NamespaceServer{
		NamespaceUUID: namespaceUUID,
		ServerUUID:    serverUUID,
		Status:        status,
	})
	return nil
}

type memoryEndpoints MemoryStore

func (m *memoryEndpoints) GetEndpointByName(_ context.Context, name string) (*types.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.endpoints[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (m *memoryEndpoints) CreateEndpoint(_ context.Context, ep *types.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[ep.Name]; ok {
		return ErrAlreadyExists
	}
	cp := *ep
	m.endpoints[cp.Name] = &cp
	return nil
}

type memoryAPIKeys MemoryStore

func (m *memoryAPIKeys) CreateAPIKey(_ context.Context, key *types.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apiKeys[key.KeyHash]; ok {
		return ErrAlreadyExists
	}
	cp := *key
	m.apiKeys[cp.KeyHash] = &cp
	return nil
}

func (m *memoryAPIKeys) LookupAPIKey(_ context.Context, secret string) (*types.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.apiKeys[HashAPIKey(secret)]
	if !ok || !key.IsActive {
		return nil, ErrNotFound
	}
	cp := *key
	return &cp, nil
}

type memoryOAuth MemoryStore

func (m *memoryOAuth) UpsertClient(_ context.Context, client *types.OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *client
	m.clients[cp.ClientID] = &cp
	return nil
}

func (m *memoryOAuth) GetClient(_ context.Context, clientID string) (*types.OAuthClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *client
	return &cp, nil
}

func (m *memoryOAuth) SaveCode(_ context.Context, code *types.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *code
	m.codes[cp.Code] = &cp
	return nil
}

func (m *memoryOAuth) GetCode(_ context.Context, code string) (*types.AuthorizationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memoryOAuth) DeleteCode(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.codes, code)
	return nil
}

func (m *memoryOAuth) SaveToken(_ context.Context, token *types.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *token
	m.tokens[cp.Token] = &cp
	return nil
}

func (m *memoryOAuth) GetToken(_ context.Context, token string) (*types.AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memoryOAuth) DeleteToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, token)
	return nil
}

func (m *memoryOAuth) DeleteExpired(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for code, row := range m.codes {
		if row.Expired(now) {
			delete(m.codes, code)
		}
	}
	for token, row := range m.tokens {
		if row.Expired(now) {
			delete(m.tokens, token)
		}
	}
	return nil
}
