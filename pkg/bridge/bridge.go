// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge pumps JSON-RPC messages between a client-facing transport
// and a single upstream transport, bypassing the aggregator. Used by the
// direct server proxy routes.
package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/transport"
)

// errCodeUndeliverable is returned to the client when a request could not
// be delivered to the server side.
const errCodeUndeliverable = -32001

// Bridge connects two transports back to back. Closing either side closes
// the other exactly once; the optional cleanup hook fires once after both
// sides are down.
type Bridge struct {
	onCleanup func()

	mu           sync.Mutex
	client       transport.Transport
	server       transport.Transport
	clientClosed bool
	serverClosed bool

	closeClientOnce sync.Once
	closeServerOnce sync.Once
	cleanupOnce     sync.Once
}

// New creates an unbound bridge. onCleanup may be nil.
func New(onCleanup func()) *Bridge {
	return &Bridge{onCleanup: onCleanup}
}

// Bind attaches both transports. Must be called before either side starts
// delivering messages.
func (b *Bridge) Bind(client, server transport.Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
	b.server = server
}

// ClientCallbacks returns the callbacks to install on the client-facing
// transport.
func (b *Bridge) ClientCallbacks() transport.Callbacks {
	return transport.Callbacks{
		OnMessage: b.forwardToServer,
		OnClose:   func() { b.sideClosed(true) },
		OnError: func(err error) {
			logBridgeError("client", err)
		},
	}
}

// ServerCallbacks returns the callbacks to install on the server-facing
// transport.
func (b *Bridge) ServerCallbacks() transport.Callbacks {
	return transport.Callbacks{
		OnMessage: b.forwardToClient,
		OnClose:   func() { b.sideClosed(false) },
		OnError: func(err error) {
			logBridgeError("server", err)
		},
	}
}

// Close tears both sides down.
func (b *Bridge) Close() {
	b.closeServer()
	b.closeClient()
}

func (b *Bridge) forwardToServer(msg jsonrpc2.Message) {
	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		b.answerUndeliverable(msg, errors.New("server transport not bound"))
		return
	}

	if err := server.Send(context.Background(), msg); err != nil {
		logBridgeError("server", err)
		b.answerUndeliverable(msg, err)
	}
}

func (b *Bridge) forwardToClient(msg jsonrpc2.Message) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.Send(context.Background(), msg); err != nil {
		logBridgeError("client", err)
	}
}

// answerUndeliverable turns a failed request delivery into a JSON-RPC
// error response so the client is not left hanging. Notifications are
// dropped silently.
func (b *Bridge) answerUndeliverable(msg jsonrpc2.Message, cause error) {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok || !req.ID.IsValid() {
		return
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}

	resp, err := jsonrpc2.NewResponse(req.ID, nil,
		jsonrpc2.NewError(errCodeUndeliverable, "failed to deliver request: "+cause.Error()))
	if err != nil {
		logger.Errorf("Failed to build undeliverable response: %v", err)
		return
	}
	if err := client.Send(context.Background(), resp); err != nil {
		logBridgeError("client", err)
	}
}

// sideClosed reacts to one side going down by scheduling the other side's
// close, and fires cleanup once both are down.
func (b *Bridge) sideClosed(clientSide bool) {
	b.mu.Lock()
	if clientSide {
		b.clientClosed = true
	} else {
		b.serverClosed = true
	}
	both := b.clientClosed && b.serverClosed
	b.mu.Unlock()

	if clientSide {
		go b.closeServer()
	} else {
		go b.closeClient()
	}

	if both {
		b.cleanupOnce.Do(func() {
			if b.onCleanup != nil {
				b.onCleanup()
			}
		})
	}
}

func (b *Bridge) closeServer() {
	b.closeServerOnce.Do(func() {
		b.mu.Lock()
		server := b.server
		b.mu.Unlock()
		if server == nil {
			return
		}
		if err := server.Close(); err != nil {
			logBridgeError("server", err)
		}
	})
}

func (b *Bridge) closeClient() {
	b.closeClientOnce.Do(func() {
		b.mu.Lock()
		client := b.client
		b.mu.Unlock()
		if client == nil {
			return
		}
		if err := client.Close(); err != nil {
			logBridgeError("client", err)
		}
	})
}

// logBridgeError downgrades normal-termination errors to debug so a
// closing session does not spam the error log.
func logBridgeError(side string, err error) {
	if isNormalTermination(err) {
		logger.Debugf("Bridge %s side closed: %v", side, err)
		return
	}
	logger.Errorf("Bridge %s side error: %v", side, err)
}

func isNormalTermination(err error) bool {
	if errors.Is(err, transport.ErrTransportClosed) {
		return true
	}
	return strings.Contains(err.Error(), "Not connected")
}
