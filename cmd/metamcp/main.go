// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the MetaMCP server.
package main

import (
	"os"

	"github.com/stacklok/metamcp/cmd/metamcp/app"
	"github.com/stacklok/metamcp/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
