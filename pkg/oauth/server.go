// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth implements the built-in OAuth 2.1 authorization server
// protecting aggregated endpoints: dynamic client registration, the
// authorization-code flow with mandatory PKCE, and token lifecycle.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/store"
)

const (
	// TokenPrefix marks access tokens minted by this server.
	TokenPrefix  = "mcp_token_"
	codePrefix   = "mcp_code_"
	clientPrefix = "mcp_client_"

	codeTTL  = 10 * time.Minute
	tokenTTL = time.Hour

	// sweepInterval is how often expired codes and tokens are purged.
	sweepInterval = 5 * time.Minute
)

// Server is the authorization server. All handlers accept JSON and
// form-encoded bodies.
type Server struct {
	store    store.OAuth
	sessions SessionValidator
	baseURL  string

	now func() time.Time
}

// New creates the authorization server. baseURL is the absolute external
// base URL of the deployment, without a trailing slash.
func New(st store.OAuth, sessions SessionValidator, baseURL string) *Server {
	return &Server{
		store:    st,
		sessions: sessions,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
	}
}

// Routes mounts every OAuth route on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	r.Options("/.well-known/oauth-authorization-server", s.handleMetadataPreflight)
	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	r.Options("/.well-known/oauth-protected-resource", s.handleMetadataPreflight)

	r.Post("/oauth/register", s.handleRegister)
	r.Get("/oauth/authorize", s.handleAuthorize)
	r.Get("/oauth/callback", s.handleCallback)
	r.Post("/oauth/token", s.handleToken)
	r.Post("/oauth/introspect", s.handleIntrospect)
	r.Post("/oauth/revoke", s.handleRevoke)
	r.Get("/oauth/userinfo", s.handleUserinfo)
}

// StartSweep purges expired codes and tokens every five minutes until ctx
// is cancelled.
func (s *Server) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.DeleteExpired(ctx, s.now()); err != nil {
					logger.Warnf("Expired OAuth row sweep failed: %v", err)
				}
			}
		}
	}()
}

// mintID builds an opaque identifier `<prefix><epoch-ms>_<9 random chars>`.
func (s *Server) mintID(prefix string) string {
	return fmt.Sprintf("%s%d_%s", prefix, s.now().UnixMilli(), randomSuffix(9))
}

const suffixCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("rand.Read: %v", err))
	}
	for i, b := range buf {
		buf[i] = suffixCharset[int(b)%len(suffixCharset)]
	}
	return string(buf)
}

func decodeJSONBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

// formOrJSON decodes the request body into values keyed by field name.
// JSON bodies may carry arrays; form bodies use repeated fields.
func formOrJSON(r *http.Request) (url.Values, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var raw map[string]any
		if err := decodeJSONBody(r, &raw); err != nil {
			return nil, err
		}
		values := url.Values{}
		for k, v := range raw {
			switch t := v.(type) {
			case []any:
				for _, item := range t {
					values.Add(k, fmt.Sprint(item))
				}
			case nil:
			default:
				values.Set(k, fmt.Sprint(t))
			}
		}
		return values, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("malformed form body: %w", err)
	}
	return r.PostForm, nil
}
