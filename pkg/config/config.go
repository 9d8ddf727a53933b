// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the per-request timeout knobs read by the aggregator.
const (
	DefaultRequestTimeout  = 60 * time.Second
	DefaultMaxTotalTimeout = 0 // unbounded unless configured
)

// Config holds the environment-derived process configuration.
type Config struct {
	// AppURL is the absolute external base URL of this deployment.
	// Required; used in all emitted OAuth metadata URLs.
	AppURL string

	// AuthSecret signs admin session material. Required.
	AuthSecret string

	// DatabaseURL selects the SQLite database file. Empty selects the
	// in-memory store.
	DatabaseURL string

	// RedisURL, when set, backs the OAuth artifact store with Redis.
	RedisURL string

	// Host and Port are the bind address of the HTTP surface.
	Host string
	Port int

	// OIDC settings for delegated admin login (optional).
	OIDCClientID     string
	OIDCClientSecret string
	OIDCDiscoveryURL string
	OIDCScopes       string

	// RewriteLocalhostURLs rewrites localhost upstream URLs to
	// host.docker.internal before connecting.
	RewriteLocalhostURLs bool

	// RequestTimeout bounds wall-clock time per upstream request.
	RequestTimeout time.Duration

	// MaxTotalTimeout is a hard ceiling independent of progress resets.
	// Zero means no ceiling.
	MaxTotalTimeout time.Duration

	// ResetTimeoutOnProgress restarts the request timer whenever the
	// upstream emits a progress notification for the request.
	ResetTimeoutOnProgress bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 12008)
	v.SetDefault("MCP_TIMEOUT", int64(DefaultRequestTimeout/time.Millisecond))
	v.SetDefault("MCP_MAX_TOTAL_TIMEOUT", int64(0))
	v.SetDefault("MCP_RESET_TIMEOUT_ON_PROGRESS", true)

	return v
}

// Load reads configuration from the environment. Missing required values or
// a malformed APP_URL are fatal configuration errors.
func Load() (*Config, error) {
	v := newViper()

	cfg := &Config{
		AppURL:                 v.GetString("APP_URL"),
		AuthSecret:             v.GetString("AUTH_SECRET"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		RedisURL:               v.GetString("REDIS_URL"),
		Host:                   v.GetString("HOST"),
		Port:                   v.GetInt("PORT"),
		OIDCClientID:           v.GetString("OIDC_CLIENT_ID"),
		OIDCClientSecret:       v.GetString("OIDC_CLIENT_SECRET"),
		OIDCDiscoveryURL:       v.GetString("OIDC_DISCOVERY_URL"),
		OIDCScopes:             v.GetString("OIDC_SCOPES"),
		RewriteLocalhostURLs:   v.GetBool("TRANSFORM_LOCALHOST_TO_DOCKER_INTERNAL"),
		RequestTimeout:         time.Duration(v.GetInt64("MCP_TIMEOUT")) * time.Millisecond,
		MaxTotalTimeout:        time.Duration(v.GetInt64("MCP_MAX_TOTAL_TIMEOUT")) * time.Millisecond,
		ResetTimeoutOnProgress: v.GetBool("MCP_RESET_TIMEOUT_ON_PROGRESS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AppURL == "" {
		return fmt.Errorf("APP_URL environment variable is required")
	}
	u, err := url.Parse(c.AppURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("APP_URL must be an absolute URL: %q", c.AppURL)
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET environment variable is required")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}
