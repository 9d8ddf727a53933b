// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/metamcp/pkg/config"
	"github.com/stacklok/metamcp/pkg/errtracker"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/pool"
	"github.com/stacklok/metamcp/pkg/server"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MetaMCP HTTP server",
	Long: `Serve starts the aggregating MCP server. Configuration comes from the
environment: APP_URL and AUTH_SECRET are required; DATABASE_URL selects a
SQLite file (in-memory store when unset) and REDIS_URL moves OAuth token
churn to Redis.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	tracker := errtracker.New(st.UpstreamServers())
	connections := pool.New(tracker, pool.Options{
		Dialer:            pool.NewDialer(cfg.RewriteLocalhostURLs),
		InitializeOptions: initializeOptions(cfg),
	})

	srv := server.New(cfg, st, connections)
	logger.Infof("Starting MetaMCP with base URL %s", cfg.AppURL)
	return srv.Run(ctx)
}

// openStore selects the persistence backend from configuration.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup = func() {}
	)

	if cfg.DatabaseURL != "" {
		sqlite, err := store.OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		st = sqlite
		cleanup = func() { _ = sqlite.Close() }
	} else {
		logger.Warnf("DATABASE_URL not set, using the in-memory store")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		redisOAuth, err := store.NewRedisOAuth(ctx, cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		prev := cleanup
		cleanup = func() {
			_ = redisOAuth.Close()
			prev()
		}
		st = store.WithOAuth(st, redisOAuth)
	}

	return st, cleanup, nil
}

func initializeOptions(cfg *config.Config) upstream.RequestOptions {
	opts := upstream.DefaultRequestOptions()
	opts.Timeout = cfg.RequestTimeout
	opts.MaxTotalTimeout = cfg.MaxTotalTimeout
	opts.ResetTimeoutOnProgress = cfg.ResetTimeoutOnProgress
	return opts
}
