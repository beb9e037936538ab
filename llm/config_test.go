// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadRoutingConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("LLM_ROUTING_STRATEGY", "")
	t.Setenv("LLM_ENABLE_FALLBACK", "")
	t.Setenv("LLM_PREFER_LOCAL", "")

	cfg := LoadRoutingConfigFromEnv()
	assert.Empty(t, cfg.DefaultStrategy)
	assert.False(t, cfg.DisableFallback)
	assert.False(t, cfg.PreferLocal)
}

func TestLoadRoutingConfigFromEnv(t *testing.T) {
	t.Setenv("LLM_ROUTING_STRATEGY", "Quality_Optimized")
	t.Setenv("LLM_ENABLE_FALLBACK", "false")
	t.Setenv("LLM_PREFER_LOCAL", "true")

	cfg := LoadRoutingConfigFromEnv()
	assert.Equal(t, StrategyQualityOptimized, cfg.DefaultStrategy)
	assert.True(t, cfg.DisableFallback)
	assert.True(t, cfg.PreferLocal)
}

func TestLoadRoutingConfigFromEnvRejectsUnknownStrategy(t *testing.T) {
	t.Setenv("LLM_ROUTING_STRATEGY", "warp_speed")

	cfg := LoadRoutingConfigFromEnv()
	assert.Empty(t, cfg.DefaultStrategy)
}

func TestLoadBaseURLsFromEnv(t *testing.T) {
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8080/v1")
	t.Setenv("OLLAMA_BASE_URL", "http://gpu-box:11434")
	t.Setenv("ANTHROPIC_BASE_URL", "")

	urls := LoadBaseURLsFromEnv()
	assert.Equal(t, "http://localhost:8080/v1", urls[ProviderOpenAI])
	assert.Equal(t, "http://gpu-box:11434", urls[ProviderOllama])
	assert.NotContains(t, urls, ProviderAnthropic)
}
