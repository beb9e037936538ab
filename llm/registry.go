// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var registryYAML []byte

// Registry is the read-only model catalogue. Content is embedded
// configuration loaded once at construction; lookups never mutate state,
// so a Registry is safe for concurrent use.
type Registry struct {
	models []ModelConfig
	byKey  map[string]ModelConfig // "provider/model", case-folded
}

// NewRegistry loads the embedded catalogue.
func NewRegistry() (*Registry, error) {
	return NewRegistryFromYAML(registryYAML)
}

// NewRegistryFromYAML builds a registry from raw YAML. Exposed for tests
// that need a reduced catalogue.
func NewRegistryFromYAML(data []byte) (*Registry, error) {
	var doc struct {
		Models []ModelConfig `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse model catalogue: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("model catalogue is empty")
	}

	byKey := make(map[string]ModelConfig, len(doc.Models))
	for _, m := range doc.Models {
		key := registryKey(m.Provider, m.Model)
		if _, exists := byKey[key]; exists {
			return nil, fmt.Errorf("duplicate catalogue entry: %s", key)
		}
		byKey[key] = m
	}

	models := make([]ModelConfig, len(doc.Models))
	copy(models, doc.Models)
	sort.Slice(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].Model < models[j].Model
	})

	return &Registry{models: models, byKey: byKey}, nil
}

func registryKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// GetModelConfig returns the exact catalogue entry, case-folded.
func (r *Registry) GetModelConfig(provider, model string) (ModelConfig, bool) {
	m, ok := r.byKey[registryKey(provider, model)]
	return m, ok
}

// ListModels returns catalogue entries in stable alphabetical order,
// optionally filtered to one provider.
func (r *Registry) ListModels(provider string) []ModelConfig {
	if provider == "" {
		out := make([]ModelConfig, len(r.models))
		copy(out, r.models)
		return out
	}
	provider = strings.ToLower(provider)
	var out []ModelConfig
	for _, m := range r.models {
		if strings.ToLower(m.Provider) == provider {
			out = append(out, m)
		}
	}
	return out
}

// FindByCapability returns all entries with the capability, optionally
// capped by total cost per 1K tokens and latency estimate. Zero caps
// mean unbounded.
func (r *Registry) FindByCapability(cap Capability, maxCostPer1K float64, maxLatencyMS int64) []ModelConfig {
	var out []ModelConfig
	for _, m := range r.models {
		if !m.HasCapability(cap) {
			continue
		}
		if maxCostPer1K > 0 && m.TotalCostPer1K() > maxCostPer1K {
			continue
		}
		if maxLatencyMS > 0 && m.LatencyEstimateMS > maxLatencyMS {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Cheapest returns the lowest-total-cost entry with the capability,
// tie-broken by lower latency. excludeLocal skips zero-cost models.
func (r *Registry) Cheapest(cap Capability, excludeLocal bool) (ModelConfig, bool) {
	var best ModelConfig
	found := false
	for _, m := range r.models {
		if !m.HasCapability(cap) {
			continue
		}
		if excludeLocal && m.IsLocal() {
			continue
		}
		if !found ||
			m.TotalCostPer1K() < best.TotalCostPer1K() ||
			(m.TotalCostPer1K() == best.TotalCostPer1K() && m.LatencyEstimateMS < best.LatencyEstimateMS) {
			best = m
			found = true
		}
	}
	return best, found
}

// Fastest returns the lowest-latency entry with the capability, capped by
// total cost when maxCostPer1K > 0, tie-broken by lower cost.
func (r *Registry) Fastest(cap Capability, maxCostPer1K float64) (ModelConfig, bool) {
	var best ModelConfig
	found := false
	for _, m := range r.models {
		if !m.HasCapability(cap) {
			continue
		}
		if maxCostPer1K > 0 && m.TotalCostPer1K() > maxCostPer1K {
			continue
		}
		if !found ||
			m.LatencyEstimateMS < best.LatencyEstimateMS ||
			(m.LatencyEstimateMS == best.LatencyEstimateMS && m.TotalCostPer1K() < best.TotalCostPer1K()) {
			best = m
			found = true
		}
	}
	return best, found
}

// Providers returns the distinct provider names in the catalogue, sorted.
func (r *Registry) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.models {
		if !seen[m.Provider] {
			seen[m.Provider] = true
			out = append(out, m.Provider)
		}
	}
	sort.Strings(out)
	return out
}
