// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import "errors"

var (
	// ErrNotConnected is returned when a request is attempted before the
	// client is bound to a transport.
	ErrNotConnected = errors.New("client is not connected to a transport")

	// ErrNotInitialized is returned when a request is attempted before the
	// initialize handshake completed.
	ErrNotInitialized = errors.New("client is not initialized")

	// ErrConnectionClosed is returned to in-flight requests when the
	// underlying transport closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout is returned when a request exceeds its timeout or
	// its total timeout budget.
	ErrRequestTimeout = errors.New("request timed out")
)
