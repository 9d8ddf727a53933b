// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/metamcp/pkg/types"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Redis key prefixes, one per artifact kind.
const (
	redisKeyClient = "metamcp:oauth:client:"
	redisKeyCode   = "metamcp:oauth:code:"
	redisKeyToken  = "metamcp:oauth:token:"
)

// RedisOAuth implements the OAuth interface on Redis, enabling horizontal
// scaling of the authorization server. Codes and tokens carry a TTL matching
// their expiry, so Redis evicts them without an explicit sweep.
type RedisOAuth struct {
	client redis.UniversalClient
}

// NewRedisOAuth connects to the Redis instance described by rawURL
// (redis://host:port/db) and verifies connectivity before returning.
func NewRedisOAuth(ctx context.Context, rawURL string) (*RedisOAuth, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = DefaultDialTimeout
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisOAuth{client: client}, nil
}

// NewRedisOAuthWithClient creates a RedisOAuth with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisOAuthWithClient(client redis.UniversalClient) *RedisOAuth {
	return &RedisOAuth{client: client}
}

var _ OAuth = (*RedisOAuth)(nil)

// Close closes the Redis client connection.
func (s *RedisOAuth) Close() error {
	return s.client.Close()
}

// storedClient is the serialized form of an OAuth client.
type storedClient struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	CreatedAt               int64    `json:"created_at"`
}

// UpsertClient adds or replaces a registered client. Clients do not expire;
// dynamic registrations are cheap and re-registration is the recovery path.
func (s *RedisOAuth) UpsertClient(ctx context.Context, client *types.OAuthClient) error {
	stored := storedClient{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		CreatedAt:               client.CreatedAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	return s.client.Set(ctx, redisKeyClient+client.ClientID, data, 0).Err()
}

// GetClient loads a registered client by its ID.
func (s *RedisOAuth) GetClient(ctx context.Context, clientID string) (*types.OAuthClient, error) {
	data, err := s.client.Get(ctx, redisKeyClient+clientID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &types.OAuthClient{
		ClientID:                stored.ClientID,
		ClientSecret:            stored.ClientSecret,
		ClientName:              stored.ClientName,
		RedirectURIs:            stored.RedirectURIs,
		GrantTypes:              stored.GrantTypes,
		ResponseTypes:           stored.ResponseTypes,
		TokenEndpointAuthMethod: stored.TokenEndpointAuthMethod,
		CreatedAt:               time.Unix(stored.CreatedAt, 0),
	}, nil
}

// storedCode is the serialized form of an authorization code.
type storedCode struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	UserID              string `json:"user_id,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	ExpiresAt           int64  `json:"expires_at"`
}

// SaveCode stores an authorization code with a TTL matching its expiry.
func (s *RedisOAuth) SaveCode(ctx context.Context, code *types.AuthorizationCode) error {
	stored := storedCode{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		UserID:              code.UserID,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		ExpiresAt:           code.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		// Already expired, don't store
		return nil
	}

	return s.client.Set(ctx, redisKeyCode+code.Code, data, ttl).Err()
}

// GetCode retrieves an authorization code. Expired codes read as ErrNotFound
// once Redis evicts them.
func (s *RedisOAuth) GetCode(ctx context.Context, code string) (*types.AuthorizationCode, error) {
	data, err := s.client.Get(ctx, redisKeyCode+code).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var stored storedCode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	return &types.AuthorizationCode{
		Code:                stored.Code,
		ClientID:            stored.ClientID,
		RedirectURI:         stored.RedirectURI,
		Scope:               stored.Scope,
		UserID:              stored.UserID,
		CodeChallenge:       stored.CodeChallenge,
		CodeChallengeMethod: stored.CodeChallengeMethod,
		ExpiresAt:           time.Unix(stored.ExpiresAt, 0),
	}, nil
}

// DeleteCode removes an authorization code after redemption.
func (s *RedisOAuth) DeleteCode(ctx context.Context, code string) error {
	return s.client.Del(ctx, redisKeyCode+code).Err()
}

// storedToken is the serialized form of an access token.
type storedToken struct {
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// SaveToken stores an access token with a TTL matching its expiry.
func (s *RedisOAuth) SaveToken(ctx context.Context, token *types.AccessToken) error {
	stored := storedToken{
		Token:     token.Token,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     token.Scope,
		IssuedAt:  token.IssuedAt.Unix(),
		ExpiresAt: token.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		// Already expired, don't store
		return nil
	}

	return s.client.Set(ctx, redisKeyToken+token.Token, data, ttl).Err()
}

// GetToken retrieves an access token by its opaque value.
func (s *RedisOAuth) GetToken(ctx context.Context, token string) (*types.AccessToken, error) {
	data, err := s.client.Get(ctx, redisKeyToken+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var stored storedToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	return &types.AccessToken{
		Token:     stored.Token,
		ClientID:  stored.ClientID,
		UserID:    stored.UserID,
		Scope:     stored.Scope,
		IssuedAt:  time.Unix(stored.IssuedAt, 0),
		ExpiresAt: time.Unix(stored.ExpiresAt, 0),
	}, nil
}

// DeleteToken removes an access token on revocation.
func (s *RedisOAuth) DeleteToken(ctx context.Context, token string) error {
	return s.client.Del(ctx, redisKeyToken+token).Err()
}

// DeleteExpired is a no-op: key TTLs already bound artifact lifetime.
func (s *RedisOAuth) DeleteExpired(_ context.Context, _ time.Time) error {
	return nil
}
