// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"log"
	"sync"
)

// ModelRef names a (provider, model) pair in a fallback chain.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Safe default returned when no strategy produces a usable pair.
// Callers must treat this as best-effort.
var defaultModelRef = ModelRef{Provider: ProviderOpenAI, Model: "gpt-3.5-turbo"}

// FallbackChain identifies one of the canonical provider orderings.
type FallbackChain string

const (
	ChainHighQuality   FallbackChain = "HIGH_QUALITY"
	ChainCostOptimized FallbackChain = "COST_OPTIMIZED"
	ChainFastLatency   FallbackChain = "FAST_LATENCY"
	ChainLocalOnly     FallbackChain = "LOCAL_ONLY"
	ChainCodeGen       FallbackChain = "CODE_GENERATION"
	ChainLongContext   FallbackChain = "LONG_CONTEXT"
	ChainBalanced      FallbackChain = "BALANCED"
)

// canonicalChains are fixed configuration. The cost chain ends with a
// local model so exhausting paid providers still yields an answer.
var canonicalChains = map[FallbackChain][]ModelRef{
	ChainHighQuality: {
		{ProviderAnthropic, "claude-sonnet-4-20250514"},
		{ProviderOpenAI, "gpt-4o"},
		{ProviderAnthropic, "claude-3-opus-20240229"},
		{ProviderOpenAI, "gpt-4-turbo"},
		{ProviderMistral, "mistral-large-latest"},
	},
	ChainCostOptimized: {
		{ProviderOpenAI, "gpt-4o-mini"},
		{ProviderAnthropic, "claude-3-5-haiku-20241022"},
		{ProviderMistral, "mistral-small-latest"},
		{ProviderTogether, "meta-llama/Llama-3.1-8B-Instruct-Turbo"},
		{ProviderOllama, "llama3.1:8b"},
	},
	ChainFastLatency: {
		{ProviderAnthropic, "claude-3-5-haiku-20241022"},
		{ProviderOpenAI, "gpt-4o-mini"},
		{ProviderMistral, "mistral-small-latest"},
		{ProviderTogether, "meta-llama/Llama-3.1-8B-Instruct-Turbo"},
	},
	ChainLocalOnly: {
		{ProviderOllama, "llama3.1:8b"},
		{ProviderOllama, "llama3.1:70b"},
		{ProviderOllama, "qwen2.5-coder:32b"},
	},
	ChainCodeGen: {
		{ProviderAnthropic, "claude-sonnet-4-20250514"},
		{ProviderOpenAI, "gpt-4o"},
		{ProviderMistral, "codestral-latest"},
		{ProviderTogether, "Qwen/Qwen2.5-Coder-32B-Instruct"},
		{ProviderOllama, "qwen2.5-coder:32b"},
	},
	ChainLongContext: {
		{ProviderAnthropic, "claude-sonnet-4-20250514"},
		{ProviderAnthropic, "claude-3-5-sonnet-20241022"},
		{ProviderOpenAI, "gpt-4o"},
		{ProviderOpenRouter, "anthropic/claude-3.5-sonnet"},
	},
	ChainBalanced: {
		{ProviderAnthropic, "claude-3-5-sonnet-20241022"},
		{ProviderOpenAI, "gpt-4o"},
		{ProviderMistral, "mistral-large-latest"},
		{ProviderOpenAI, "gpt-3.5-turbo"},
		{ProviderOllama, "llama3.1:8b"},
	},
}

// chainForStrategy maps a routing strategy to its canonical chain.
func chainForStrategy(strategy RoutingStrategy) FallbackChain {
	switch strategy {
	case StrategyQualityOptimized:
		return ChainHighQuality
	case StrategyCostOptimized:
		return ChainCostOptimized
	case StrategyLatencyOptimized:
		return ChainFastLatency
	case StrategyLocalFirst:
		return ChainLocalOnly
	default:
		return ChainBalanced
	}
}

// AvailabilityFunc reports whether a provider is currently usable
// (credentials present, endpoint reachable).
type AvailabilityFunc func(provider string) bool

// Router picks a (provider, model) per request and keeps in-memory
// usage counters. Safe for concurrent use.
type Router struct {
	registry  *Registry
	available AvailabilityFunc

	statsMu sync.RWMutex
	stats   map[string]*UsageStat // keyed provider/model
}

// NewRouter builds a router over the given registry. A nil availability
// function treats every provider as available.
func NewRouter(registry *Registry, available AvailabilityFunc) *Router {
	if available == nil {
		available = func(string) bool { return true }
	}
	return &Router{
		registry:  registry,
		available: available,
		stats:     make(map[string]*UsageStat),
	}
}

// SelectProvider applies the routing strategy from opts and returns the
// chosen (provider, model). A complexity hint fills in the strategy when
// none was given. When nothing matches it falls back to a safe default.
func (r *Router) SelectProvider(opts GenerateOptions) (provider, model string) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyForComplexity(opts.Complexity)
	}

	var budgetCap float64
	if opts.BudgetRemaining > 0 {
		budgetCap = opts.BudgetRemaining / 1000
	}

	if ref, ok := r.applyStrategy(strategy, opts.Capability, budgetCap); ok {
		return ref.Provider, ref.Model
	}

	log.Printf("[Router] no provider matched strategy=%s capability=%s, using default %s/%s",
		strategy, opts.Capability, defaultModelRef.Provider, defaultModelRef.Model)
	return defaultModelRef.Provider, defaultModelRef.Model
}

func (r *Router) applyStrategy(strategy RoutingStrategy, capability Capability, budgetCap float64) (ModelRef, bool) {
	switch strategy {
	case StrategyCostOptimized:
		return r.cheapestAvailable(capability, budgetCap)
	case StrategyLatencyOptimized:
		if m, ok := r.registry.Fastest(capability, budgetCap); ok && r.available(m.Provider) {
			return ModelRef{m.Provider, m.Model}, true
		}
		// The fastest pick may belong to an unavailable provider; scan the
		// capability matches in latency order manually.
		return r.scanByLatency(capability, budgetCap)
	case StrategyQualityOptimized:
		return r.firstFromChain(ChainHighQuality, capability)
	case StrategyLocalFirst:
		for _, m := range r.registry.ListModels(ProviderOllama) {
			if capability != "" && !m.HasCapability(capability) {
				continue
			}
			if r.available(ProviderOllama) {
				return ModelRef{m.Provider, m.Model}, true
			}
		}
		return r.cheapestAvailable(capability, budgetCap)
	case StrategyCapabilityMatch:
		for _, m := range r.registry.FindByCapability(capability, 0, 0) {
			if r.available(m.Provider) {
				return ModelRef{m.Provider, m.Model}, true
			}
		}
		return ModelRef{}, false
	default: // balanced
		return r.firstFromChain(ChainBalanced, capability)
	}
}

func (r *Router) cheapestAvailable(capability Capability, budgetCap float64) (ModelRef, bool) {
	if m, ok := r.registry.Cheapest(capability, false); ok {
		if (budgetCap == 0 || m.TotalCostPer1K() <= budgetCap) && r.available(m.Provider) {
			return ModelRef{m.Provider, m.Model}, true
		}
	}
	// Cheapest pick unusable; walk all capability matches cheapest-first.
	best := ModelRef{}
	bestCost := -1.0
	for _, m := range r.registry.FindByCapability(capability, budgetCap, 0) {
		if !r.available(m.Provider) {
			continue
		}
		if bestCost < 0 || m.TotalCostPer1K() < bestCost {
			best = ModelRef{m.Provider, m.Model}
			bestCost = m.TotalCostPer1K()
		}
	}
	return best, bestCost >= 0
}

func (r *Router) scanByLatency(capability Capability, budgetCap float64) (ModelRef, bool) {
	best := ModelRef{}
	var bestLatency int64 = -1
	for _, m := range r.registry.FindByCapability(capability, budgetCap, 0) {
		if !r.available(m.Provider) {
			continue
		}
		if bestLatency < 0 || m.LatencyEstimateMS < bestLatency {
			best = ModelRef{m.Provider, m.Model}
			bestLatency = m.LatencyEstimateMS
		}
	}
	return best, bestLatency >= 0
}

// firstFromChain returns the first chain entry whose provider is
// available and whose registry entry satisfies the capability.
func (r *Router) firstFromChain(chain FallbackChain, capability Capability) (ModelRef, bool) {
	for _, ref := range canonicalChains[chain] {
		if !r.available(ref.Provider) {
			continue
		}
		if capability != "" {
			m, ok := r.registry.GetModelConfig(ref.Provider, ref.Model)
			if !ok || !m.HasCapability(capability) {
				continue
			}
		}
		return ref, true
	}
	return ModelRef{}, false
}

// GetFallbackChain returns the canonical chain for the strategy, filtered
// by capability and availability, with the primary pair at the head
// (moved or inserted).
func (r *Router) GetFallbackChain(primary ModelRef, strategy RoutingStrategy, capability Capability) []ModelRef {
	name := chainForStrategy(strategy)

	out := make([]ModelRef, 0, len(canonicalChains[name])+1)
	out = append(out, primary)
	for _, ref := range canonicalChains[name] {
		if ref == primary {
			continue
		}
		if !r.available(ref.Provider) {
			continue
		}
		if capability != "" {
			m, ok := r.registry.GetModelConfig(ref.Provider, ref.Model)
			if !ok || !m.HasCapability(capability) {
				continue
			}
		}
		out = append(out, ref)
	}
	return out
}

// TrackUsage records one call outcome for the pair. Counters are
// in-memory and monotonic.
func (r *Router) TrackUsage(provider, model string, success bool, latencyMS int64, costUSD float64) {
	key := registryKey(provider, model)

	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	stat, ok := r.stats[key]
	if !ok {
		stat = &UsageStat{}
		r.stats[key] = stat
	}
	stat.TotalCalls++
	if success {
		stat.SuccessfulCalls++
	} else {
		stat.FailedCalls++
	}
	stat.TotalLatencyMS += latencyMS
	stat.TotalCostUSD += costUSD
}

// UsageSnapshot returns a copy of all usage counters keyed by
// "provider/model".
func (r *Router) UsageSnapshot() map[string]UsageStat {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()

	out := make(map[string]UsageStat, len(r.stats))
	for k, v := range r.stats {
		out[k] = *v
	}
	return out
}
