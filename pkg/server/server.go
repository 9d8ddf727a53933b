// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the aggregated MCP endpoints, the direct
// one-upstream proxy, and the OAuth surface over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/metamcp/pkg/aggregator"
	"github.com/stacklok/metamcp/pkg/authgate"
	"github.com/stacklok/metamcp/pkg/config"
	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/oauth"
	"github.com/stacklok/metamcp/pkg/pool"
	"github.com/stacklok/metamcp/pkg/ratelimit"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
	"github.com/stacklok/metamcp/pkg/upstream"
)

// Server is the HTTP surface of the deployment.
type Server struct {
	cfg  *config.Config
	st   store.Store
	pool *pool.Pool
	gate *authgate.Gate
	auth *oauth.Server

	dialer pool.Dialer
	opts   upstream.RequestOptions

	sessions *sessionManager
	proxies  *proxyManager
	limiter  *ratelimit.Limiter
	metrics  *metrics
}

// New wires the HTTP surface. The pool is shared with any other consumers
// the process runs.
func New(cfg *config.Config, st store.Store, connections *pool.Pool) *Server {
	limiter := ratelimit.New(ratelimit.Config{})
	sessions := oauth.NewHMACSessionValidator(cfg.AuthSecret)

	s := &Server{
		cfg:      cfg,
		st:       st,
		pool:     connections,
		gate:     authgate.New(st.APIKeys(), st.OAuth(), limiter, cfg.AppURL),
		auth:     oauth.New(st.OAuth(), sessions, cfg.AppURL),
		dialer:   pool.NewDialer(cfg.RewriteLocalhostURLs),
		opts:     requestOptions(cfg),
		sessions: newSessionManager(connections, defaultSessionTTL),
		proxies:  newProxyManager(),
		limiter:  limiter,
		metrics:  newMetrics(),
	}
	s.sessions.onClose = func(sess *session) { s.metrics.sessionClosed(string(sess.kind)) }
	return s
}

func requestOptions(cfg *config.Config) upstream.RequestOptions {
	opts := upstream.DefaultRequestOptions()
	opts.Timeout = cfg.RequestTimeout
	opts.MaxTotalTimeout = cfg.MaxTotalTimeout
	opts.ResetTimeoutOnProgress = cfg.ResetTimeoutOnProgress
	return opts
}

func (s *Server) newAggregator(namespaceUUID, sessionID string) *aggregator.Aggregator {
	return aggregator.New(namespaceUUID, sessionID, s.st.UpstreamServers(), s.pool, s.opts)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	s.auth.Routes(r)

	r.Route("/metamcp/{endpoint}", func(r chi.Router) {
		r.Get("/sse", s.guarded(s.handleSSE))
		r.Post("/message", s.guarded(s.handleSSEMessage))
		r.Post("/mcp", s.guarded(s.handleStreamablePost))
		r.Get("/mcp", s.guarded(s.handleStreamableGet))
		r.Delete("/mcp", s.guarded(s.handleStreamableDelete))
		r.Get("/health/sessions", s.withEndpoint(s.handleHealthSessions))
	})

	r.Route("/mcp-proxy/server/{uuid}", func(r chi.Router) {
		r.Get("/sse", s.handleProxySSE)
		r.Get("/stdio", s.handleProxySSE)
		r.Post("/message", s.handleProxyMessage)
		r.Post("/mcp", s.handleProxyStreamablePost)
		r.Get("/mcp", s.handleProxyStreamableGet)
		r.Delete("/mcp", s.handleProxyStreamableDelete)
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	return r
}

// endpointHandler is an HTTP handler bound to a resolved endpoint row.
type endpointHandler func(http.ResponseWriter, *http.Request, *types.Endpoint)

// withEndpoint resolves the endpoint path segment to its row.
func (s *Server) withEndpoint(next endpointHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "endpoint")
		ep, err := s.st.Endpoints().GetEndpointByName(r.Context(), name)
		if errors.Is(err, store.ErrNotFound) {
			httperr.Write(w, http.StatusNotFound, "endpoint_not_found", fmt.Sprintf("no endpoint named %q", name))
			return
		}
		if err != nil {
			logger.Errorf("Endpoint lookup failed: %v", err)
			httperr.Write(w, http.StatusInternalServerError, "server_error", "endpoint lookup failed")
			return
		}
		next(w, r, ep)
	}
}

// guarded resolves the endpoint and runs the authentication gate before
// the handler.
func (s *Server) guarded(next endpointHandler) http.HandlerFunc {
	return s.withEndpoint(func(w http.ResponseWriter, r *http.Request, ep *types.Endpoint) {
		if _, ok := s.gate.Check(w, r, ep); !ok {
			s.metrics.authFailed()
			return
		}
		next(w, r, ep)
	})
}

// Run serves until ctx is cancelled, then drains sessions and shuts the
// listener down.
func (s *Server) Run(ctx context.Context) error {
	s.auth.StartSweep(ctx)
	s.limiter.StartGC(ctx, 0)
	s.sessions.startSweep(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("MetaMCP listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.sessions.closeAll()
	s.proxies.closeAll()
	s.pool.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
