// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import "errors"

var (
	// ErrServerInError is returned when a connection is requested for a
	// server whose error status is ERROR. No connection attempt is made
	// until the status is reset.
	ErrServerInError = errors.New("server is in error state")

	// ErrPoolClosed is returned after CleanupAll shut the pool down.
	ErrPoolClosed = errors.New("pool is closed")
)
