// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLoadsEmbeddedCatalogue(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	models := r.ListModels("")
	assert.NotEmpty(t, models)

	providers := r.Providers()
	assert.Contains(t, providers, ProviderOpenAI)
	assert.Contains(t, providers, ProviderAnthropic)
	assert.Contains(t, providers, ProviderOllama)
}

func TestRegistryGetModelConfigCaseFolded(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	m, ok := r.GetModelConfig("OpenAI", "GPT-3.5-Turbo")
	require.True(t, ok)
	assert.Equal(t, ProviderOpenAI, m.Provider)
	assert.Equal(t, "gpt-3.5-turbo", m.Model)

	_, ok = r.GetModelConfig("openai", "no-such-model")
	assert.False(t, ok)
}

func TestRegistryListModelsStableOrder(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	first := r.ListModels(ProviderAnthropic)
	second := r.ListModels(ProviderAnthropic)
	require.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		assert.LessOrEqual(t, first[i-1].Model, first[i].Model)
	}
	for _, m := range first {
		assert.Equal(t, ProviderAnthropic, m.Provider)
	}
}

func TestRegistryFindByCapability(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	matches := r.FindByCapability(CapabilityCode, 0, 0)
	assert.NotEmpty(t, matches)
	for _, m := range matches {
		assert.True(t, m.HasCapability(CapabilityCode))
	}

	cheap := r.FindByCapability(CapabilityCode, 0.001, 0)
	for _, m := range cheap {
		assert.LessOrEqual(t, m.TotalCostPer1K(), 0.001)
	}
}

func TestRegistryCheapestExcludesLocal(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	m, ok := r.Cheapest("", false)
	require.True(t, ok)
	assert.True(t, m.IsLocal(), "cheapest overall should be a zero-cost local model")

	m, ok = r.Cheapest("", true)
	require.True(t, ok)
	assert.False(t, m.IsLocal())
	assert.Greater(t, m.TotalCostPer1K(), 0.0)
}

func TestRegistryFastestHonoursBudget(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	unbounded, ok := r.Fastest("", 0)
	require.True(t, ok)

	bounded, ok := r.Fastest("", 0.002)
	require.True(t, ok)
	assert.LessOrEqual(t, bounded.TotalCostPer1K(), 0.002)
	assert.GreaterOrEqual(t, bounded.LatencyEstimateMS, unbounded.LatencyEstimateMS)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	yaml := []byte(`models:
  - provider: openai
    model: gpt-4
    cost_per_1k_prompt: 0.03
    cost_per_1k_completion: 0.06
    latency_estimate_ms: 2000
    capabilities: [reasoning]
  - provider: OpenAI
    model: GPT-4
    cost_per_1k_prompt: 0.03
    cost_per_1k_completion: 0.06
    latency_estimate_ms: 2000
    capabilities: [reasoning]
`)
	_, err := NewRegistryFromYAML(yaml)
	assert.Error(t, err)
}
