// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

// Common transport errors
var (
	ErrTransportNotStarted = errors.New("transport not started")
	ErrTransportClosed     = errors.New("transport closed")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrAlreadyStarted      = errors.New("transport already started")
)
