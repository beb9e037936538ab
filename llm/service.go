// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package llm routes generation requests across language-model providers,
// walking a strategy-specific fallback chain when a provider fails.
package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// CostRecorder receives one record per successful generation that carries
// a workspace id. Implementations must tolerate concurrent calls.
type CostRecorder interface {
	RecordCost(ctx context.Context, workspaceID, executionID, provider, model string, tokens int, costUSD float64)
}

// ServiceConfig controls provider client construction.
type ServiceConfig struct {
	Credentials CredentialSource
	// Routing carries process-wide defaults for strategy and fallback.
	Routing RoutingConfig
	// Base URL overrides keyed by provider name. Empty uses defaults.
	BaseURLs map[string]string
	// AWSRegion enables the Bedrock client when non-empty.
	AWSRegion string
	// UseMock replaces every client with an in-process mock. Also enabled
	// by FORGEFLOW_USE_MOCK_LLM=true.
	UseMock bool
}

// Service is the generation facade. It selects a primary via the Router,
// invokes the provider client, and on provider errors walks the fallback
// chain. Safe for concurrent callers.
type Service struct {
	registry *Registry
	router   *Router
	config   ServiceConfig
	costs    CostRecorder

	// Clients are built lazily, one construction per provider.
	clientMu sync.Mutex
	clients  map[string]Client
}

// NewService builds the facade. costs may be nil to disable cost records.
func NewService(cfg ServiceConfig, costs CostRecorder) (*Service, error) {
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.Credentials == nil {
		cfg.Credentials = EnvCredentials{}
	}
	if os.Getenv("FORGEFLOW_USE_MOCK_LLM") == "true" {
		cfg.UseMock = true
	}

	s := &Service{
		registry: registry,
		config:   cfg,
		costs:    costs,
		clients:  make(map[string]Client),
	}
	s.router = NewRouter(registry, s.providerAvailable)
	return s, nil
}

// Registry exposes the embedded model catalogue.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Router exposes the routing layer, mainly for usage snapshots.
func (s *Service) Router() *Router {
	return s.router
}

// providerAvailable reports whether a provider can be used right now.
// Mock mode makes everything available; otherwise a provider is usable
// when its credentials resolve (local providers always do).
func (s *Service) providerAvailable(provider string) bool {
	if s.config.UseMock {
		return true
	}
	if provider == ProviderOllama {
		return true
	}
	if provider == ProviderBedrock {
		return s.config.AWSRegion != ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.config.Credentials.APIKey(ctx, provider)
	return err == nil
}

// client returns the provider client, constructing it on first use.
func (s *Service) client(ctx context.Context, provider string) (Client, error) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if c, ok := s.clients[provider]; ok {
		return c, nil
	}

	c, err := s.buildClient(ctx, provider)
	if err != nil {
		return nil, err
	}
	s.clients[provider] = c
	return c, nil
}

func (s *Service) buildClient(ctx context.Context, provider string) (Client, error) {
	if s.config.UseMock {
		return NewMockClient(provider), nil
	}

	baseURL := s.config.BaseURLs[provider]

	switch provider {
	case ProviderOllama:
		return newOllamaClient(baseURL), nil
	case ProviderBedrock:
		if s.config.AWSRegion == "" {
			return nil, fmt.Errorf("bedrock requires an AWS region")
		}
		return newBedrockClient(ctx, s.config.AWSRegion)
	case ProviderAnthropic:
		key, err := s.config.Credentials.APIKey(ctx, provider)
		if err != nil {
			return nil, err
		}
		return newAnthropicClient(baseURL, key), nil
	case ProviderOpenAI, ProviderMistral, ProviderTogether, ProviderOpenRouter:
		key, err := s.config.Credentials.APIKey(ctx, provider)
		if err != nil {
			return nil, err
		}
		if baseURL == "" {
			switch provider {
			case ProviderOpenAI:
				baseURL = openAIBaseURL
			case ProviderMistral:
				baseURL = mistralBaseURL
			case ProviderTogether:
				baseURL = togetherBaseURL
			case ProviderOpenRouter:
				baseURL = openRouterBaseURL
			}
		}
		return newOpenAICompatClient(provider, baseURL, key), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// SetClient injects a client for a provider. Used by tests and by
// deployments with bespoke gateways.
func (s *Service) SetClient(provider string, c Client) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	s.clients[provider] = c
}

// applyRoutingDefaults folds process-wide routing config into a
// request's options. Explicit request fields win.
func (s *Service) applyRoutingDefaults(opts GenerateOptions) GenerateOptions {
	r := s.config.Routing
	if opts.Strategy == "" && opts.Complexity == "" {
		switch {
		case r.PreferLocal:
			opts.Strategy = StrategyLocalFirst
		case r.DefaultStrategy != "":
			opts.Strategy = r.DefaultStrategy
		}
	}
	if r.DisableFallback {
		opts.DisableFallback = true
	}
	return opts
}

// resolvePrimary returns the primary pair: the caller's pin when both
// halves are given, otherwise the router's pick.
func (s *Service) resolvePrimary(opts GenerateOptions) ModelRef {
	if opts.Provider != "" && opts.Model != "" {
		return ModelRef{Provider: opts.Provider, Model: opts.Model}
	}
	provider, model := s.router.SelectProvider(opts)
	return ModelRef{Provider: provider, Model: model}
}

func (s *Service) completionRequest(prompt string, opts GenerateOptions, model string) CompletionRequest {
	return CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: opts.SystemPrompt,
		Model:        model,
		MaxTokens:    opts.MaxTokens,
		Temperature:  opts.Temperature,
	}
}

// tryOnce invokes one (provider, model) pair and converts the client
// response into the contractual Response, recording usage either way.
func (s *Service) tryOnce(ctx context.Context, ref ModelRef, prompt string, opts GenerateOptions) (*Response, error) {
	client, err := s.client(ctx, ref.Provider)
	if err != nil {
		s.router.TrackUsage(ref.Provider, ref.Model, false, 0, 0)
		return nil, &ProviderError{
			Provider: ref.Provider, Model: ref.Model, Kind: ErrorKindAuthentication,
			Message: err.Error(), Err: err,
		}
	}

	resp, err := client.Complete(ctx, s.completionRequest(prompt, opts, ref.Model))
	if err != nil {
		s.router.TrackUsage(ref.Provider, ref.Model, false, 0, 0)
		return nil, err
	}

	out := s.finishResponse(ref, resp)
	s.router.TrackUsage(ref.Provider, ref.Model, true, out.LatencyMS, out.CostUSD)
	return out, nil
}

func (s *Service) finishResponse(ref ModelRef, resp *CompletionResponse) *Response {
	var cost float64
	if m, ok := s.registry.GetModelConfig(ref.Provider, resp.Model); ok {
		cost = m.Cost(resp.PromptTokens, resp.CompletionTokens)
	} else if m, ok := s.registry.GetModelConfig(ref.Provider, ref.Model); ok {
		cost = m.Cost(resp.PromptTokens, resp.CompletionTokens)
	}

	return &Response{
		Content:          resp.Content,
		Provider:         ref.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		CostUSD:          cost,
		LatencyMS:        resp.Latency.Milliseconds(),
		FinishReason:     resp.FinishReason,
	}
}

// recordCost pushes one cost record for a successful call. Fires exactly
// once per success and only when a workspace id is present.
func (s *Service) recordCost(ctx context.Context, resp *Response, opts GenerateOptions) {
	if s.costs == nil || opts.WorkspaceID == "" {
		return
	}
	s.costs.RecordCost(ctx, opts.WorkspaceID, opts.ExecutionID,
		resp.Provider, resp.Model, resp.TotalTokens, resp.CostUSD)
}

// Generate runs one completion. The primary pair is tried first; on a
// provider error the fallback chain for the effective strategy is walked
// from the second entry. When every pair fails the error lists each
// attempted pair.
func (s *Service) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Response, error) {
	opts = s.applyRoutingDefaults(opts)
	primary := s.resolvePrimary(opts)

	resp, err := s.tryOnce(ctx, primary, prompt, opts)
	if err == nil {
		s.recordCost(ctx, resp, opts)
		return resp, nil
	}
	if opts.DisableFallback || !IsProviderError(err) {
		return nil, err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyForComplexity(opts.Complexity)
	}
	chain := s.router.GetFallbackChain(primary, strategy, opts.Capability)

	attempts := []AttemptedPair{{Provider: primary.Provider, Model: primary.Model}}
	lastErr := err
	log.Printf("[LLMService] primary %s/%s failed (%v), walking fallback chain (%d entries)",
		primary.Provider, primary.Model, err, len(chain))

	for _, ref := range chain[1:] {
		resp, err := s.tryOnce(ctx, ref, prompt, opts)
		if err == nil {
			s.recordCost(ctx, resp, opts)
			return resp, nil
		}
		attempts = append(attempts, AttemptedPair{Provider: ref.Provider, Model: ref.Model})
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &AllProvidersFailedError{Attempts: attempts, LastErr: lastErr}
}

// StreamGenerate runs one streaming completion and returns a channel of
// chunks. The channel is closed after the final chunk. A mid-stream
// failure terminates the sequence with a chunk carrying Err; partial
// streams are not retried and the fallback chain does not apply.
func (s *Service) StreamGenerate(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	opts = s.applyRoutingDefaults(opts)
	primary := s.resolvePrimary(opts)

	client, err := s.client(ctx, primary.Provider)
	if err != nil {
		return nil, &ProviderError{
			Provider: primary.Provider, Model: primary.Model, Kind: ErrorKindAuthentication,
			Message: err.Error(), Err: err,
		}
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		resp, err := client.CompleteStream(ctx, s.completionRequest(prompt, opts, primary.Model),
			func(content string, done bool) error {
				if done {
					return nil
				}
				select {
				case out <- StreamChunk{Content: content}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		if err != nil {
			s.router.TrackUsage(primary.Provider, primary.Model, false, 0, 0)
			out <- StreamChunk{Done: true, Err: err}
			return
		}

		final := s.finishResponse(primary, resp)
		s.router.TrackUsage(primary.Provider, primary.Model, true, final.LatencyMS, final.CostUSD)
		s.recordCost(ctx, final, opts)
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}

// Health reports per-provider availability.
func (s *Service) Health() map[string]bool {
	out := make(map[string]bool)
	for _, provider := range s.registry.Providers() {
		out[provider] = s.providerAvailable(provider)
	}
	return out
}
