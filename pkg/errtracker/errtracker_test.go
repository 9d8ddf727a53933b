// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errtracker

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
)

func newTestServer(t *testing.T, st *store.MemoryStore) *types.UpstreamServer {
	t.Helper()
	srv := &types.UpstreamServer{
		UUID:    uuid.NewString(),
		Name:    "crashy",
		Type:    types.ServerTypeStdio,
		Command: "npx",
		Args:    []string{"-y", "crashy-server"},
	}
	require.NoError(t, st.UpstreamServers().CreateServer(t.Context(), srv))
	return srv
}

func TestTracker_PromotesAtDefaultThreshold(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	srv := newTestServer(t, st)
	tracker := New(st.UpstreamServers())

	assert.False(t, tracker.IsInError(t.Context(), srv.UUID))

	require.NoError(t, tracker.RecordCrash(t.Context(), srv.UUID, 1, ""))
	assert.True(t, tracker.IsInError(t.Context(), srv.UUID))
	assert.Equal(t, 1, tracker.CrashCount(srv.UUID))

	stored, err := st.UpstreamServers().GetServer(t.Context(), srv.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.ErrorStatusError, stored.ErrorStatus)
}

func TestTracker_MaxAttemptsOverride(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	srv := newTestServer(t, st)
	tracker := New(st.UpstreamServers())
	tracker.SetMaxAttempts(srv.UUID, 3)

	require.NoError(t, tracker.RecordCrash(t.Context(), srv.UUID, 1, ""))
	require.NoError(t, tracker.RecordCrash(t.Context(), srv.UUID, 1, "SIGKILL"))
	assert.False(t, tracker.IsInError(t.Context(), srv.UUID))

	require.NoError(t, tracker.RecordCrash(t.Context(), srv.UUID, 137, "SIGKILL"))
	assert.True(t, tracker.IsInError(t.Context(), srv.UUID))
}

func TestTracker_ResetClearsCountAndStatus(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	srv := newTestServer(t, st)
	tracker := New(st.UpstreamServers())

	require.NoError(t, tracker.RecordCrash(t.Context(), srv.UUID, 1, ""))
	require.True(t, tracker.IsInError(t.Context(), srv.UUID))

	require.NoError(t, tracker.Reset(t.Context(), srv.UUID))
	assert.False(t, tracker.IsInError(t.Context(), srv.UUID))
	assert.Zero(t, tracker.CrashCount(srv.UUID))

	stored, err := st.UpstreamServers().GetServer(t.Context(), srv.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.ErrorStatusNone, stored.ErrorStatus)
}

func TestTracker_UnknownServer(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tracker := New(st.UpstreamServers())

	// Crashes for servers missing from the store are counted but the
	// promotion write is a no-op.
	require.NoError(t, tracker.RecordCrash(t.Context(), "ghost", 1, ""))
	assert.False(t, tracker.IsInError(t.Context(), "ghost"))
	require.NoError(t, tracker.Reset(t.Context(), "ghost"))
}

func TestTracker_ConcurrentCrashesPromoteOnce(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	srv := newTestServer(t, st)
	tracker := New(st.UpstreamServers())
	tracker.SetMaxAttempts(srv.UUID, 5)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tracker.RecordCrash(t.Context(), srv.UUID, 1, "")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, tracker.CrashCount(srv.UUID))
	assert.True(t, tracker.IsInError(t.Context(), srv.UUID))
}
