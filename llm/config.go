// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"os"
	"strconv"
	"strings"
)

// RoutingConfig carries process-wide routing defaults. The zero value
// keeps fallback enabled and leaves strategy selection to each request.
type RoutingConfig struct {
	// DefaultStrategy applies when a request names neither a strategy nor
	// a complexity hint.
	DefaultStrategy RoutingStrategy
	// PreferLocal forces local_first for requests without an explicit
	// strategy.
	PreferLocal bool
	// DisableFallback turns off the fallback chain for every request.
	DisableFallback bool
}

// LoadRoutingConfigFromEnv reads LLM_ROUTING_STRATEGY,
// LLM_ENABLE_FALLBACK and LLM_PREFER_LOCAL. Unknown strategy values are
// ignored.
func LoadRoutingConfigFromEnv() RoutingConfig {
	cfg := RoutingConfig{}

	if raw := strings.TrimSpace(os.Getenv("LLM_ROUTING_STRATEGY")); raw != "" {
		strategy := RoutingStrategy(strings.ToLower(raw))
		switch strategy {
		case StrategyCostOptimized, StrategyLatencyOptimized, StrategyQualityOptimized,
			StrategyLocalFirst, StrategyCapabilityMatch, StrategyBalanced:
			cfg.DefaultStrategy = strategy
		}
	}
	cfg.PreferLocal = envBool("LLM_PREFER_LOCAL", false)
	cfg.DisableFallback = !envBool("LLM_ENABLE_FALLBACK", true)
	return cfg
}

// LoadBaseURLsFromEnv reads per-provider base URL overrides
// (<PROVIDER>_BASE_URL). Only set values appear in the map.
func LoadBaseURLsFromEnv() map[string]string {
	providers := []string{
		ProviderOpenAI, ProviderAnthropic, ProviderMistral,
		ProviderTogether, ProviderOpenRouter, ProviderOllama,
	}
	urls := make(map[string]string)
	for _, p := range providers {
		key := strings.ToUpper(p) + "_BASE_URL"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			urls[p] = v
		}
	}
	return urls
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
