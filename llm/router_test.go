// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, available AvailabilityFunc) *Router {
	t.Helper()
	registry, err := NewRegistry()
	require.NoError(t, err)
	return NewRouter(registry, available)
}

func onlyProviders(names ...string) AvailabilityFunc {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(p string) bool { return set[p] }
}

func TestSelectProviderCostStrategy(t *testing.T) {
	r := newTestRouter(t, nil)

	provider, _ := r.SelectProvider(GenerateOptions{Strategy: StrategyCostOptimized})
	assert.Equal(t, ProviderOllama, provider, "cheapest overall is a local model")
}

func TestSelectProviderCostSkipsUnavailable(t *testing.T) {
	r := newTestRouter(t, onlyProviders(ProviderOpenAI, ProviderAnthropic))

	provider, model := r.SelectProvider(GenerateOptions{Strategy: StrategyCostOptimized})
	assert.Contains(t, []string{ProviderOpenAI, ProviderAnthropic}, provider)
	assert.NotEmpty(t, model)
}

func TestSelectProviderQualityUsesChainOrder(t *testing.T) {
	r := newTestRouter(t, nil)

	provider, model := r.SelectProvider(GenerateOptions{Strategy: StrategyQualityOptimized})
	assert.Equal(t, ProviderAnthropic, provider)
	assert.Equal(t, "claude-sonnet-4-20250514", model)

	// With anthropic unavailable the chain advances to the next entry.
	r = newTestRouter(t, onlyProviders(ProviderOpenAI))
	provider, model = r.SelectProvider(GenerateOptions{Strategy: StrategyQualityOptimized})
	assert.Equal(t, ProviderOpenAI, provider)
	assert.Equal(t, "gpt-4o", model)
}

func TestSelectProviderLocalFirst(t *testing.T) {
	r := newTestRouter(t, nil)

	provider, _ := r.SelectProvider(GenerateOptions{
		Strategy:   StrategyLocalFirst,
		Capability: CapabilityCode,
	})
	assert.Equal(t, ProviderOllama, provider)
}

func TestSelectProviderComplexityMapsToStrategy(t *testing.T) {
	r := newTestRouter(t, nil)

	// XL maps to quality, so the pick follows the high-quality chain.
	provider, model := r.SelectProvider(GenerateOptions{Complexity: ComplexityXL})
	assert.Equal(t, ProviderAnthropic, provider)
	assert.Equal(t, "claude-sonnet-4-20250514", model)
}

func TestSelectProviderFallsBackToSafeDefault(t *testing.T) {
	r := newTestRouter(t, func(string) bool { return false })

	provider, model := r.SelectProvider(GenerateOptions{Strategy: StrategyBalanced})
	assert.Equal(t, ProviderOpenAI, provider)
	assert.Equal(t, "gpt-3.5-turbo", model)
}

func TestGetFallbackChainPrimaryAtHead(t *testing.T) {
	r := newTestRouter(t, nil)

	primary := ModelRef{ProviderMistral, "mistral-large-latest"}
	chain := r.GetFallbackChain(primary, StrategyQualityOptimized, "")

	require.NotEmpty(t, chain)
	assert.Equal(t, primary, chain[0])
	// The primary appears exactly once even though it is a chain member.
	count := 0
	for _, ref := range chain {
		if ref == primary {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestGetFallbackChainInsertsForeignPrimary(t *testing.T) {
	r := newTestRouter(t, nil)

	primary := ModelRef{ProviderBedrock, "anthropic.claude-3-sonnet"}
	chain := r.GetFallbackChain(primary, StrategyBalanced, "")

	require.NotEmpty(t, chain)
	assert.Equal(t, primary, chain[0])
	assert.Greater(t, len(chain), 1)
}

func TestGetFallbackChainFiltersByCapability(t *testing.T) {
	r := newTestRouter(t, nil)

	primary := ModelRef{ProviderAnthropic, "claude-sonnet-4-20250514"}
	chain := r.GetFallbackChain(primary, StrategyQualityOptimized, CapabilityVision)

	for _, ref := range chain[1:] {
		m, ok := r.registry.GetModelConfig(ref.Provider, ref.Model)
		require.True(t, ok)
		assert.True(t, m.HasCapability(CapabilityVision))
	}
}

func TestTrackUsageConcurrent(t *testing.T) {
	r := newTestRouter(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.TrackUsage(ProviderOpenAI, "gpt-4o", i%2 == 0, 100, 0.01)
		}(i)
	}
	wg.Wait()

	snap := r.UsageSnapshot()
	stat := snap["openai/gpt-4o"]
	assert.Equal(t, int64(50), stat.TotalCalls)
	assert.Equal(t, int64(25), stat.SuccessfulCalls)
	assert.Equal(t, int64(25), stat.FailedCalls)
	assert.Equal(t, int64(5000), stat.TotalLatencyMS)
	assert.InDelta(t, 0.5, stat.TotalCostUSD, 1e-9)
}
