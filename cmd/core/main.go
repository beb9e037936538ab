// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the ForgeFlow core service.
//
// The core service hosts the workflow execution engine, the LLM routing
// and fallback layer, the multi-agent controller, the secret lifecycle
// service and the file-level approval engine behind a single HTTP API.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"forgeflow/core/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, server.LoadConfigFromEnv())
	if err != nil {
		log.Fatalf("core startup failed: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("core exited with error: %v", err)
	}
}
