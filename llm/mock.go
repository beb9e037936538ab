// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockClient is an in-process provider client for development and tests.
// It answers every request without network access and can be primed with
// canned responses or failures.
type MockClient struct {
	mu        sync.Mutex
	provider  string
	responses map[string]string // prompt substring -> canned content
	failWith  error
	delay     time.Duration
	calls     []CompletionRequest
}

// NewMockClient returns a mock client that reports the given provider name.
func NewMockClient(provider string) *MockClient {
	return &MockClient{
		provider:  provider,
		responses: make(map[string]string),
	}
}

func (m *MockClient) Name() string {
	return m.provider
}

// RespondWith registers canned content returned when the prompt contains
// the given substring.
func (m *MockClient) RespondWith(promptContains, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[promptContains] = content
}

// FailWith makes every subsequent call return err. Pass nil to clear.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetDelay adds artificial latency before each response.
func (m *MockClient) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns a copy of every request the mock has received.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockClient) answer(req CompletionRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	failWith := m.failWith
	delay := m.delay
	content := ""
	for substr, canned := range m.responses {
		if strings.Contains(req.Prompt, substr) {
			content = canned
			break
		}
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failWith != nil {
		return "", failWith
	}
	if content == "" {
		content = fmt.Sprintf("mock response from %s/%s", m.provider, req.Model)
	}
	return content, nil
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := m.answer(req)
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{
		Content:          content,
		Model:            req.Model,
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(content) / 4,
		FinishReason:     "stop",
		Latency:          time.Since(start),
	}, nil
}

func (m *MockClient) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := m.answer(req)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		// Split the canned content into a few chunks to exercise consumers.
		words := strings.SplitAfter(content, " ")
		for _, w := range words {
			if err := handler(w, false); err != nil {
				return nil, fmt.Errorf("stream handler error: %w", err)
			}
		}
		if err := handler("", true); err != nil {
			return nil, fmt.Errorf("stream handler error: %w", err)
		}
	}
	return &CompletionResponse{
		Content:          content,
		Model:            req.Model,
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(content) / 4,
		FinishReason:     "stop",
		Latency:          time.Since(start),
	}, nil
}
