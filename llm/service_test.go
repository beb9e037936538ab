// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCost struct {
	workspaceID string
	executionID string
	provider    string
	model       string
	tokens      int
	costUSD     float64
}

type fakeCostRecorder struct {
	mu      sync.Mutex
	records []recordedCost
}

func (f *fakeCostRecorder) RecordCost(_ context.Context, workspaceID, executionID, provider, model string, tokens int, costUSD float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedCost{workspaceID, executionID, provider, model, tokens, costUSD})
}

func (f *fakeCostRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func newTestService(t *testing.T, costs CostRecorder) *Service {
	t.Helper()
	s, err := NewService(ServiceConfig{UseMock: true}, costs)
	require.NoError(t, err)
	return s
}

func TestGeneratePinnedPair(t *testing.T) {
	s := newTestService(t, nil)

	mock := NewMockClient(ProviderAnthropic)
	mock.RespondWith("hello", "canned answer")
	s.SetClient(ProviderAnthropic, mock)

	resp, err := s.Generate(context.Background(), "say hello", GenerateOptions{
		Provider: ProviderAnthropic,
		Model:    "claude-3-5-sonnet-20241022",
	})
	require.NoError(t, err)
	assert.Equal(t, "canned answer", resp.Content)
	assert.Equal(t, ProviderAnthropic, resp.Provider)
	assert.Equal(t, resp.PromptTokens+resp.CompletionTokens, resp.TotalTokens)
}

func TestGenerateFallbackWalksChain(t *testing.T) {
	s := newTestService(t, nil)

	failing := NewMockClient(ProviderAnthropic)
	failing.FailWith(&ProviderError{
		Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514",
		Kind: ErrorKindRateLimit, StatusCode: 429, Message: "rate limited",
	})
	s.SetClient(ProviderAnthropic, failing)

	working := NewMockClient(ProviderOpenAI)
	working.RespondWith("", "recovered")
	s.SetClient(ProviderOpenAI, working)

	resp, err := s.Generate(context.Background(), "prompt", GenerateOptions{
		Provider: ProviderAnthropic,
		Model:    "claude-sonnet-4-20250514",
		Strategy: StrategyQualityOptimized,
	})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, resp.Provider)
	assert.Equal(t, "recovered", resp.Content)
}

func TestGenerateAllProvidersFailed(t *testing.T) {
	s := newTestService(t, nil)

	for _, provider := range []string{
		ProviderOpenAI, ProviderAnthropic, ProviderMistral,
		ProviderTogether, ProviderOpenRouter, ProviderOllama,
	} {
		mock := NewMockClient(provider)
		mock.FailWith(&ProviderError{
			Provider: provider, Kind: ErrorKindProvider, StatusCode: 500, Message: "boom",
		})
		s.SetClient(provider, mock)
	}

	_, err := s.Generate(context.Background(), "prompt", GenerateOptions{
		Provider: ProviderAnthropic,
		Model:    "claude-3-5-sonnet-20241022",
		Strategy: StrategyBalanced,
	})
	require.Error(t, err)

	var allFailed *AllProvidersFailedError
	require.True(t, errors.As(err, &allFailed))
	assert.Equal(t, AttemptedPair{Provider: ProviderAnthropic, Model: "claude-3-5-sonnet-20241022"},
		allFailed.Attempts[0])
	assert.Greater(t, len(allFailed.Attempts), 1)
}

func TestGenerateDisableFallback(t *testing.T) {
	s := newTestService(t, nil)

	failing := NewMockClient(ProviderOpenAI)
	failing.FailWith(&ProviderError{
		Provider: ProviderOpenAI, Model: "gpt-4o", Kind: ErrorKindProvider,
		StatusCode: 503, Message: "unavailable",
	})
	s.SetClient(ProviderOpenAI, failing)

	_, err := s.Generate(context.Background(), "prompt", GenerateOptions{
		Provider:        ProviderOpenAI,
		Model:           "gpt-4o",
		DisableFallback: true,
	})
	require.Error(t, err)
	assert.True(t, IsProviderError(err))

	var allFailed *AllProvidersFailedError
	assert.False(t, errors.As(err, &allFailed))
}

func TestCostRecordedExactlyOncePerSuccess(t *testing.T) {
	costs := &fakeCostRecorder{}
	s := newTestService(t, costs)

	mock := NewMockClient(ProviderOpenAI)
	s.SetClient(ProviderOpenAI, mock)

	opts := GenerateOptions{
		Provider:    ProviderOpenAI,
		Model:       "gpt-4o",
		WorkspaceID: "ws-1",
		ExecutionID: "exec-1",
	}
	_, err := s.Generate(context.Background(), "first", opts)
	require.NoError(t, err)
	_, err = s.Generate(context.Background(), "second", opts)
	require.NoError(t, err)

	require.Equal(t, 2, costs.count())
	assert.Equal(t, "ws-1", costs.records[0].workspaceID)
	assert.Equal(t, "exec-1", costs.records[0].executionID)
	assert.Equal(t, ProviderOpenAI, costs.records[0].provider)
}

func TestCostNotRecordedOnFailure(t *testing.T) {
	costs := &fakeCostRecorder{}
	s := newTestService(t, costs)

	mock := NewMockClient(ProviderOpenAI)
	mock.FailWith(&ProviderError{
		Provider: ProviderOpenAI, Model: "gpt-4o", Kind: ErrorKindProvider,
		StatusCode: 500, Message: "boom",
	})
	s.SetClient(ProviderOpenAI, mock)

	_, err := s.Generate(context.Background(), "prompt", GenerateOptions{
		Provider:        ProviderOpenAI,
		Model:           "gpt-4o",
		WorkspaceID:     "ws-1",
		DisableFallback: true,
	})
	require.Error(t, err)
	assert.Equal(t, 0, costs.count())
}

func TestCostNotRecordedWithoutWorkspace(t *testing.T) {
	costs := &fakeCostRecorder{}
	s := newTestService(t, costs)

	s.SetClient(ProviderOpenAI, NewMockClient(ProviderOpenAI))

	_, err := s.Generate(context.Background(), "prompt", GenerateOptions{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, costs.count())
}

func TestStreamGenerateDeliversChunks(t *testing.T) {
	s := newTestService(t, nil)

	mock := NewMockClient(ProviderAnthropic)
	mock.RespondWith("", "streamed words here")
	s.SetClient(ProviderAnthropic, mock)

	chunks, err := s.StreamGenerate(context.Background(), "prompt", GenerateOptions{
		Provider: ProviderAnthropic,
		Model:    "claude-3-5-sonnet-20241022",
	})
	require.NoError(t, err)

	var content string
	sawDone := false
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			sawDone = true
			continue
		}
		content += chunk.Content
	}
	assert.True(t, sawDone)
	assert.Equal(t, "streamed words here", content)
}

func TestStreamGenerateErrorTerminator(t *testing.T) {
	s := newTestService(t, nil)

	mock := NewMockClient(ProviderOpenAI)
	mock.FailWith(&ProviderError{
		Provider: ProviderOpenAI, Model: "gpt-4o", Kind: ErrorKindProvider,
		StatusCode: 500, Message: "boom",
	})
	s.SetClient(ProviderOpenAI, mock)

	chunks, err := s.StreamGenerate(context.Background(), "prompt", GenerateOptions{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o",
	})
	require.NoError(t, err)

	var last StreamChunk
	for chunk := range chunks {
		last = chunk
	}
	assert.True(t, last.Done)
	assert.Error(t, last.Err)
}

func TestGenerateConcurrent(t *testing.T) {
	s := newTestService(t, nil)
	s.SetClient(ProviderOpenAI, NewMockClient(ProviderOpenAI))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Generate(context.Background(), "prompt", GenerateOptions{
				Provider: ProviderOpenAI,
				Model:    "gpt-4o",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stat := s.Router().UsageSnapshot()["openai/gpt-4o"]
	assert.Equal(t, int64(20), stat.TotalCalls)
}
