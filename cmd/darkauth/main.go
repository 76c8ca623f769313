// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the DarkAuth server.
package main

import (
	"os"

	"github.com/darkauth/darkauth/cmd/darkauth/app"
	"github.com/darkauth/darkauth/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
