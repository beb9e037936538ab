// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package llm provides the model catalogue, strategy-based router, and
// provider facade used by the workflow engine for all language-model calls.
// Provider clients are pluggable; routing walks a fallback chain on failure
// and records per-model usage statistics.
package llm

import (
	"time"
)

// Provider name constants. Providers with zero catalogue cost are treated
// as local (self-hosted).
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderMistral    = "mistral"
	ProviderTogether   = "together"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderBedrock    = "bedrock"
)

// Capability tags models with a task class. The vocabulary is closed;
// the catalogue only uses these values.
type Capability string

const (
	CapabilityCode            Capability = "code"
	CapabilityReasoning       Capability = "reasoning"
	CapabilityAnalysis        Capability = "analysis"
	CapabilityLongContext     Capability = "long_context"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityVision          Capability = "vision"
	CapabilitySimpleAnalysis  Capability = "simple_analysis"
)

// RoutingStrategy selects how the router picks a (provider, model) pair.
type RoutingStrategy string

const (
	StrategyCostOptimized    RoutingStrategy = "cost_optimized"
	StrategyLatencyOptimized RoutingStrategy = "latency_optimized"
	StrategyQualityOptimized RoutingStrategy = "quality_optimized"
	StrategyLocalFirst       RoutingStrategy = "local_first"
	StrategyCapabilityMatch  RoutingStrategy = "capability_match"
	StrategyBalanced         RoutingStrategy = "balanced"
)

// TaskComplexity is a caller hint mapped to a strategy when none is given.
type TaskComplexity string

const (
	ComplexityXS TaskComplexity = "XS"
	ComplexityS  TaskComplexity = "S"
	ComplexityM  TaskComplexity = "M"
	ComplexityL  TaskComplexity = "L"
	ComplexityXL TaskComplexity = "XL"
)

// StrategyForComplexity maps a complexity hint to a routing strategy.
// XS/S prefer cost, M balances, L/XL prefer quality.
func StrategyForComplexity(c TaskComplexity) RoutingStrategy {
	switch c {
	case ComplexityXS, ComplexityS:
		return StrategyCostOptimized
	case ComplexityL, ComplexityXL:
		return StrategyQualityOptimized
	default:
		return StrategyBalanced
	}
}

// ModelConfig describes one catalogue entry. The catalogue is static,
// embedded configuration; it is never mutated at runtime.
type ModelConfig struct {
	Provider            string       `yaml:"provider" json:"provider"`
	Model               string       `yaml:"model" json:"model"`
	MaxTokens           int          `yaml:"max_tokens" json:"max_tokens"`
	ContextWindow       int          `yaml:"context_window" json:"context_window"`
	CostPer1KPrompt     float64      `yaml:"cost_per_1k_prompt" json:"cost_per_1k_prompt"`
	CostPer1KCompletion float64      `yaml:"cost_per_1k_completion" json:"cost_per_1k_completion"`
	LatencyEstimateMS   int64        `yaml:"latency_estimate_ms" json:"latency_estimate_ms"`
	Capabilities        []Capability `yaml:"capabilities" json:"capabilities"`
}

// TotalCostPer1K is the sum of prompt and completion cost per 1K tokens.
func (m ModelConfig) TotalCostPer1K() float64 {
	return m.CostPer1KPrompt + m.CostPer1KCompletion
}

// IsLocal reports whether the model is self-hosted (zero cost).
func (m ModelConfig) IsLocal() bool {
	return m.TotalCostPer1K() == 0
}

// HasCapability reports whether the entry carries the given capability tag.
func (m ModelConfig) HasCapability(cap Capability) bool {
	if cap == "" {
		return true
	}
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Cost computes the dollar cost of a call from token counts.
func (m ModelConfig) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.CostPer1KPrompt +
		float64(completionTokens)/1000*m.CostPer1KCompletion
}

// GenerateOptions carries per-call options for Service.Generate.
// Provider+Model pin the primary; Strategy/Complexity/Capability steer
// the router when no pin is given.
type GenerateOptions struct {
	Provider        string          `json:"provider,omitempty"`
	Model           string          `json:"model,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	Temperature     float64         `json:"temperature,omitempty"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	Strategy        RoutingStrategy `json:"strategy,omitempty"`
	Complexity      TaskComplexity  `json:"complexity,omitempty"`
	Capability      Capability      `json:"capability,omitempty"`
	BudgetRemaining float64         `json:"budget_remaining,omitempty"`

	// DisableFallback restricts the call to the primary pair only.
	DisableFallback bool `json:"disable_fallback,omitempty"`

	// WorkspaceID and ExecutionID attribute cost records. Cost tracking
	// only fires when WorkspaceID is set.
	WorkspaceID string `json:"workspace_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// Response is the contractual result of a generation call. Field names
// are relied on by downstream consumers; do not rename.
type Response struct {
	Content          string         `json:"content"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"tokens_prompt"`
	CompletionTokens int            `json:"tokens_completion"`
	TotalTokens      int            `json:"tokens_total"`
	CostUSD          float64        `json:"cost_usd"`
	LatencyMS        int64          `json:"latency_ms"`
	FinishReason     string         `json:"finish_reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// StreamChunk is one element of a streaming generation. The final chunk
// has Done=true; Err is non-nil when the stream ended with a failure.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// UsageStat aggregates call outcomes for one (provider, model) pair.
// Counters are monotonic; there is no eviction.
type UsageStat struct {
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	TotalLatencyMS  int64   `json:"total_latency_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
}

// CompletionRequest is the provider-client request shape.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
	Stream       bool
}

// CompletionResponse is the provider-client response shape, normalised
// across provider APIs.
type CompletionResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	Latency          time.Duration
}

// StreamHandler receives streaming chunks from a provider client.
// Returning an error aborts the stream.
type StreamHandler func(content string, done bool) error
