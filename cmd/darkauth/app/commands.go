// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the darkauth command-line
// application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "darkauth",
	DisableAutoGenTag: true,
	Short:             "DarkAuth is a self-hosted zero-knowledge OIDC identity provider",
	Long: `DarkAuth is a self-hosted OpenID Connect identity provider where the server
never sees a password. Authentication runs over the OPAQUE protocol, and a
per-user data root key can be delivered to relying parties end-to-end
encrypted, so the provider cannot read the data it protects.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the DarkAuth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rotateKeyCmd)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
