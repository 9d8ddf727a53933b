// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the metamcp command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/metamcp/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "metamcp",
	DisableAutoGenTag: true,
	Short:             "MetaMCP aggregates MCP servers behind unified endpoints",
	Long: `MetaMCP presents one MCP server per endpoint while fanning requests out to
many upstream MCP servers. Upstreams are grouped into namespaces; each public
endpoint maps to one namespace and applies its own API-key and OAuth policy.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the metamcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
