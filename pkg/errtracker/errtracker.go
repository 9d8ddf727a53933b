// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errtracker tracks upstream server crashes and promotes repeat
// offenders to a persistent ERROR status.
package errtracker

import (
	"context"
	"errors"
	"sync"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
)

// DefaultMaxAttempts is the crash count at which a server is promoted to
// ERROR when no per-server override is set.
const DefaultMaxAttempts = 1

// Tracker counts crashes per upstream server UUID. Promotion to ERROR is
// written through to the store so it survives restarts and is visible to
// every component consulting server state.
type Tracker struct {
	servers store.UpstreamServers

	mu          sync.Mutex
	crashCounts map[string]int
	maxAttempts map[string]int
}

// New creates a tracker backed by the given server store.
func New(servers store.UpstreamServers) *Tracker {
	return &Tracker{
		servers:     servers,
		crashCounts: make(map[string]int),
		maxAttempts: make(map[string]int),
	}
}

// SetMaxAttempts overrides the promotion threshold for one server.
// Values below 1 reset to the default.
func (t *Tracker) SetMaxAttempts(serverUUID string, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if attempts < 1 {
		delete(t.maxAttempts, serverUUID)
		return
	}
	t.maxAttempts[serverUUID] = attempts
}

// MaxAttempts returns the promotion threshold for one server.
func (t *Tracker) MaxAttempts(serverUUID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxAttemptsLocked(serverUUID)
}

func (t *Tracker) maxAttemptsLocked(serverUUID string) int {
	if attempts, ok := t.maxAttempts[serverUUID]; ok {
		return attempts
	}
	return DefaultMaxAttempts
}

// RecordCrash increments the crash counter for a server. When the counter
// reaches the server's threshold, the server's error status is set to ERROR
// in the store; the lock serializes concurrent crashes so the promotion
// write happens at most once per threshold crossing.
func (t *Tracker) RecordCrash(ctx context.Context, serverUUID string, exitCode int, signal string) error {
	t.mu.Lock()
	t.crashCounts[serverUUID]++
	count := t.crashCounts[serverUUID]
	threshold := t.maxAttemptsLocked(serverUUID)
	t.mu.Unlock()

	logger.Warnw("Upstream server crashed",
		"server_uuid", serverUUID,
		"exit_code", exitCode,
		"signal", signal,
		"crash_count", count,
		"max_attempts", threshold,
	)

	if count != threshold {
		return nil
	}

	if err := t.servers.SetErrorStatus(ctx, serverUUID, types.ErrorStatusError); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	logger.Errorf("Upstream server %s promoted to ERROR after %d crash(es)", serverUUID, count)
	return nil
}

// IsInError reports whether the store marks the server as ERROR. Unknown
// servers report false.
func (t *Tracker) IsInError(ctx context.Context, serverUUID string) bool {
	server, err := t.servers.GetServer(ctx, serverUUID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("Failed to read error status for server %s: %v", serverUUID, err)
		}
		return false
	}
	return server.ErrorStatus == types.ErrorStatusError
}

// CrashCount returns the current crash counter for a server.
func (t *Tracker) CrashCount(serverUUID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashCounts[serverUUID]
}

// Reset clears the crash counter and writes NONE back to the store.
func (t *Tracker) Reset(ctx context.Context, serverUUID string) error {
	t.mu.Lock()
	delete(t.crashCounts, serverUUID)
	t.mu.Unlock()

	if err := t.servers.SetErrorStatus(ctx, serverUUID, types.ErrorStatusNone); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
