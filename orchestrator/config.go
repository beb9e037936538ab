// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"os"
	"strconv"
	"time"
)

// LoadEngineConfigFromEnv reads WORKFLOW_DEFAULT_TIMEOUT_SECONDS,
// STEP_DEFAULT_TIMEOUT_SECONDS and WORKFLOW_DEFAULT_MAX_RETRIES. Unset
// or malformed values fall back to the engine defaults.
func LoadEngineConfigFromEnv() EngineConfig {
	cfg := EngineConfig{}
	if v := envSeconds("WORKFLOW_DEFAULT_TIMEOUT_SECONDS"); v > 0 {
		cfg.DefaultWorkflowTimeout = v
	}
	if v := envSeconds("STEP_DEFAULT_TIMEOUT_SECONDS"); v > 0 {
		cfg.DefaultStepTimeout = v
	}
	if v := envInt("WORKFLOW_DEFAULT_MAX_RETRIES"); v > 0 {
		cfg.DefaultMaxRetries = v
	}
	return cfg
}

// LoadIntegrationConfigFromEnv reads INTEGRATION_POLL_INTERVAL_SECONDS
// and INTEGRATION_WAIT_TIMEOUT_SECONDS.
func LoadIntegrationConfigFromEnv() IntegrationConfig {
	cfg := IntegrationConfig{}
	if v := envSeconds("INTEGRATION_POLL_INTERVAL_SECONDS"); v > 0 {
		cfg.PollInterval = v
	}
	if v := envSeconds("INTEGRATION_WAIT_TIMEOUT_SECONDS"); v > 0 {
		cfg.WaitTimeout = v
	}
	return cfg
}

func envSeconds(key string) time.Duration {
	return time.Duration(envInt(key)) * time.Second
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
