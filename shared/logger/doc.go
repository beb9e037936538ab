// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging with multi-tenant support
for ForgeFlow components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, llm, secrets, etc.)
  - Instance ID and container name (for distributed tracing)
  - Workspace ID (for multi-tenant isolation)
  - Execution ID (for workflow correlation)
  - Custom fields

Field values whose keys look sensitive (value, plaintext, secret,
password, token, api_key, credential) are replaced with "[REDACTED]"
before serialisation.

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with workspace and execution context:

	log.Info("ws-123", "exec-456", "Step completed", map[string]interface{}{
	    "step_id":   "build",
	    "step_type": "agent_task",
	})

Log errors with status codes:

	log.ErrorWithCode("ws-123", "exec-456", "Provider call failed", 502, err, map[string]interface{}{
	    "provider": "anthropic",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("ws-123", "exec-456", "Workflow completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2026-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"orchestrator","instance_id":"i-abc123","container":"core-xyz",
	 "workspace_id":"ws-123","execution_id":"exec-456",
	 "message":"Step completed","fields":{"step_id":"build"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
