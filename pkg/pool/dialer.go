// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"

	"github.com/stacklok/metamcp/pkg/transport"
	"github.com/stacklok/metamcp/pkg/types"
)

// Dialer opens a transport for one upstream server definition. The supplied
// callbacks must be passed to the transport so protocol traffic and
// lifecycle events reach the pool.
type Dialer func(server *types.UpstreamServer, cb transport.Callbacks) (transport.Transport, error)

// NewDialer returns the production dialer. When rewriteLocalhost is set,
// loopback hosts in remote URLs are rewritten to host.docker.internal.
func NewDialer(rewriteLocalhost bool) Dialer {
	return func(server *types.UpstreamServer, cb transport.Callbacks) (transport.Transport, error) {
		switch server.Type {
		case types.ServerTypeStdio:
			return transport.NewStdioTransport(server.Command, server.Args, server.Env, cb), nil
		case types.ServerTypeSSE:
			return transport.NewSSETransport(remoteURL(server, rewriteLocalhost), server.BearerToken, nil, cb), nil
		case types.ServerTypeStreamableHTTP:
			return transport.NewStreamableTransport(remoteURL(server, rewriteLocalhost), server.BearerToken, nil, cb), nil
		default:
			return nil, fmt.Errorf("unsupported server type %q", server.Type)
		}
	}
}

func remoteURL(server *types.UpstreamServer, rewriteLocalhost bool) string {
	if rewriteLocalhost {
		return transport.RewriteLocalhost(server.URL)
	}
	return server.URL
}
