// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the client-side transports used to reach
// upstream MCP servers: a stdio child process, an SSE stream, and the
// streamable HTTP transport. All three deliver JSON-RPC messages in order
// per direction and report failures through callbacks.
package transport

import (
	"context"
	"time"

	"golang.org/x/exp/jsonrpc2"
)

// Transport is one connection to an upstream MCP server.
//
// Start must be called exactly once; Send may be called concurrently after
// Start returns. Close is idempotent. Callbacks are invoked from the
// transport's reader goroutine, so handlers must not block.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg jsonrpc2.Message) error
	Close() error
}

// CrashInfo describes a child process exit that was not requested by Close.
type CrashInfo struct {
	ExitCode int
	Signal   string
	Uptime   time.Duration
}

// Callbacks are the event hooks a transport owner installs before Start.
// Nil members are skipped.
type Callbacks struct {
	// OnMessage receives every inbound JSON-RPC message in arrival order.
	OnMessage func(jsonrpc2.Message)

	// OnClose fires once when the transport will deliver no further
	// messages, whether by Close or by remote disconnect. For stdio
	// transports a crash notification always precedes it.
	OnClose func()

	// OnError reports transport-level failures (decode errors, broken
	// streams). The transport may still be usable afterwards.
	OnError func(error)

	// OnLog receives stderr lines from stdio child processes.
	OnLog func(line string)

	// OnCrash fires exactly once if a stdio child exits before a clean
	// Close.
	OnCrash func(CrashInfo)
}

func (c *Callbacks) message(msg jsonrpc2.Message) {
	if c.OnMessage != nil {
		c.OnMessage(msg)
	}
}

func (c *Callbacks) closed() {
	if c.OnClose != nil {
		c.OnClose()
	}
}

func (c *Callbacks) error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c *Callbacks) log(line string) {
	if c.OnLog != nil {
		c.OnLog(line)
	}
}

func (c *Callbacks) crash(info CrashInfo) {
	if c.OnCrash != nil {
		c.OnCrash(info)
	}
}
