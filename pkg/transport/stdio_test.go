// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}
}

func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	received := make(chan jsonrpc2.Message, 1)
	closed := make(chan struct{})

	// cat echoes stdin to stdout line by line, acting as a loopback server.
	tr := NewStdioTransport("cat", nil, nil, Callbacks{
		OnMessage: func(msg jsonrpc2.Message) { received <- msg },
		OnClose:   func() { close(closed) },
	}).withCooldowns(NewCooldownRegistry())

	require.NoError(t, tr.Start(t.Context()))

	notif, err := jsonrpc2.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(t.Context(), notif))

	select {
	case msg := <-received:
		got, ok := msg.(*jsonrpc2.Request)
		require.True(t, ok, "expected a request, got %T", msg)
		assert.False(t, got.ID.IsValid(), "notifications carry no id")
		assert.Equal(t, "notifications/initialized", got.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}

	require.NoError(t, tr.Close())
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}

	// Close is idempotent.
	assert.NoError(t, tr.Close())
}

func TestStdioTransport_CrashFiresCallbackAndCooldown(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	cooldowns := NewCooldownRegistry()
	crashed := make(chan CrashInfo, 1)
	closed := make(chan struct{})

	tr := NewStdioTransport("sh", []string{"-c", "exit 3"}, nil, Callbacks{
		OnCrash: func(info CrashInfo) { crashed <- info },
		OnClose: func() { close(closed) },
	}).withCooldowns(cooldowns)

	require.NoError(t, tr.Start(t.Context()))

	var info CrashInfo
	select {
	case info = <-crashed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for crash callback")
	}
	assert.Equal(t, 3, info.ExitCode)
	assert.Empty(t, info.Signal)

	// Crash notification precedes the final close notification.
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}

	// The quick exit placed the tuple in cooldown: an identical spawn
	// fails fast.
	retry := NewStdioTransport("sh", []string{"-c", "exit 3"}, nil, Callbacks{}).
		withCooldowns(cooldowns)
	err := retry.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooling down")
}

func TestStdioTransport_StartFailureTripsCooldown(t *testing.T) {
	t.Parallel()

	cooldowns := NewCooldownRegistry()
	tr := NewStdioTransport("definitely-not-a-real-command-12345", nil, nil, Callbacks{}).
		withCooldowns(cooldowns)

	require.Error(t, tr.Start(t.Context()))

	env := ResolveEnv(nil)
	key := CooldownKey("definitely-not-a-real-command-12345", nil, env)
	assert.Error(t, cooldowns.Check(key))
}

func TestStdioTransport_SendBeforeStart(t *testing.T) {
	t.Parallel()

	tr := NewStdioTransport("cat", nil, nil, Callbacks{})
	notif, err := jsonrpc2.NewNotification("ping", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Send(t.Context(), notif), ErrTransportNotStarted)
}
