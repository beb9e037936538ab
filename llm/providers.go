// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default endpoints for the OpenAI-compatible providers.
const (
	openAIBaseURL     = "https://api.openai.com/v1"
	mistralBaseURL    = "https://api.mistral.ai/v1"
	togetherBaseURL   = "https://api.together.xyz/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	anthropicBaseURL  = "https://api.anthropic.com"
	ollamaBaseURL     = "http://localhost:11434"

	anthropicAPIVersion = "2023-06-01"

	defaultClientTimeout = 120 * time.Second
	defaultMaxTokens     = 4096
)

// HTTPDoer is the minimal HTTP client surface, extracted for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a single-provider completion client. Implementations must be
// safe for concurrent use and must return *ProviderError for any
// provider-side failure so the fallback chain can classify it.
type Client interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)
}

// openAICompatClient speaks the OpenAI chat-completions protocol. OpenAI,
// Mistral, Together and OpenRouter all expose this shape.
type openAICompatClient struct {
	name    string
	baseURL string
	apiKey  string
	client  HTTPDoer
}

func newOpenAICompatClient(name, baseURL, apiKey string) *openAICompatClient {
	return &openAICompatClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *openAICompatClient) Name() string {
	return c.name
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openAICompatClient) buildRequest(req CompletionRequest, stream bool) chatCompletionRequest {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := chatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if req.Temperature >= 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	return out
}

func (c *openAICompatClient) post(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(c.buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{
			Provider: c.name, Model: req.Model, Kind: classifyTransportError(ctx, err),
			Message: err.Error(), Err: err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, NewProviderError(c.name, req.Model, resp.StatusCode, string(respBody), nil)
	}
	return resp, nil
}

func (c *openAICompatClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var apiResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, NewProviderError(c.name, req.Model, 0, "failed to decode response", err)
	}

	content := ""
	finish := ""
	if len(apiResp.Choices) > 0 {
		content = apiResp.Choices[0].Message.Content
		finish = apiResp.Choices[0].FinishReason
	}
	model := apiResp.Model
	if model == "" {
		model = req.Model
	}

	return &CompletionResponse{
		Content:          content,
		Model:            model,
		PromptTokens:     apiResp.Usage.PromptTokens,
		CompletionTokens: apiResp.Usage.CompletionTokens,
		FinishReason:     finish,
		Latency:          time.Since(start),
	}, nil
}

func (c *openAICompatClient) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var contentBuilder strings.Builder
	finish := ""
	model := req.Model

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // skip malformed events
		}
		if event.Model != "" {
			model = event.Model
		}
		for _, choice := range event.Choices {
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				if handler != nil {
					if err := handler(choice.Delta.Content, false); err != nil {
						return nil, fmt.Errorf("stream handler error: %w", err)
					}
				}
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError(c.name, req.Model, 0, "stream read error", err)
	}
	if handler != nil {
		if err := handler("", true); err != nil {
			return nil, fmt.Errorf("stream handler error: %w", err)
		}
	}

	content := contentBuilder.String()
	return &CompletionResponse{
		Content: content,
		Model:   model,
		// Streaming responses carry no usage block; estimate ~4 chars/token.
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(content) / 4,
		FinishReason:     finish,
		Latency:          time.Since(start),
	}, nil
}

// anthropicClient speaks the Anthropic messages API.
type anthropicClient struct {
	baseURL string
	apiKey  string
	client  HTTPDoer
}

func newAnthropicClient(baseURL, apiKey string) *anthropicClient {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &anthropicClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *anthropicClient) Name() string {
	return ProviderAnthropic
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *anthropicClient) post(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	apiReq := anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Stream:    stream,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.Temperature >= 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{
			Provider: ProviderAnthropic, Model: req.Model, Kind: classifyTransportError(ctx, err),
			Message: err.Error(), Err: err,
		}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, NewProviderError(ProviderAnthropic, req.Model, resp.StatusCode, string(respBody), nil)
	}
	return resp, nil
}

func (c *anthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var apiResp struct {
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, NewProviderError(ProviderAnthropic, req.Model, 0, "failed to decode response", err)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}
	model := apiResp.Model
	if model == "" {
		model = req.Model
	}

	return &CompletionResponse{
		Content:          contentBuilder.String(),
		Model:            model,
		PromptTokens:     apiResp.Usage.InputTokens,
		CompletionTokens: apiResp.Usage.OutputTokens,
		FinishReason:     apiResp.StopReason,
		Latency:          time.Since(start),
	}, nil
}

func (c *anthropicClient) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var contentBuilder strings.Builder
	var promptTokens, completionTokens int
	stopReason := ""
	model := req.Model

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event struct {
			Type    string `json:"type"`
			Message *struct {
				Model string `json:"model"`
				Usage *struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage,omitempty"`
			} `json:"message,omitempty"`
			Delta *struct {
				Type       string `json:"type,omitempty"`
				Text       string `json:"text,omitempty"`
				StopReason string `json:"stop_reason,omitempty"`
			} `json:"delta,omitempty"`
			Usage *struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage,omitempty"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				if event.Message.Model != "" {
					model = event.Message.Model
				}
				if event.Message.Usage != nil {
					promptTokens = event.Message.Usage.InputTokens
				}
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				contentBuilder.WriteString(event.Delta.Text)
				if handler != nil {
					if err := handler(event.Delta.Text, false); err != nil {
						return nil, fmt.Errorf("stream handler error: %w", err)
					}
				}
			}
		case "message_delta":
			if event.Delta != nil {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				completionTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			if handler != nil {
				if err := handler("", true); err != nil {
					return nil, fmt.Errorf("stream handler error: %w", err)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError(ProviderAnthropic, req.Model, 0, "stream read error", err)
	}

	return &CompletionResponse{
		Content:          contentBuilder.String(),
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		FinishReason:     stopReason,
		Latency:          time.Since(start),
	}, nil
}

// ollamaClient speaks the Ollama generate API. Ollama reports token counts
// in its final response; streaming emits newline-delimited JSON.
type ollamaClient struct {
	baseURL string
	client  HTTPDoer
}

func newOllamaClient(baseURL string) *ollamaClient {
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	return &ollamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *ollamaClient) Name() string {
	return ProviderOllama
}

func (c *ollamaClient) post(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	apiReq := map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"stream": stream,
		"options": map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		apiReq["system"] = req.SystemPrompt
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{
			Provider: ProviderOllama, Model: req.Model, Kind: classifyTransportError(ctx, err),
			Message: err.Error(), Err: err,
		}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, NewProviderError(ProviderOllama, req.Model, resp.StatusCode, string(respBody), nil)
	}
	return resp, nil
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *ollamaClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var apiResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, NewProviderError(ProviderOllama, req.Model, 0, "failed to decode response", err)
	}

	model := apiResp.Model
	if model == "" {
		model = req.Model
	}

	return &CompletionResponse{
		Content:          apiResp.Response,
		Model:            model,
		PromptTokens:     apiResp.PromptEvalCount,
		CompletionTokens: apiResp.EvalCount,
		FinishReason:     apiResp.DoneReason,
		Latency:          time.Since(start),
	}, nil
}

func (c *ollamaClient) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var contentBuilder strings.Builder
	var final ollamaResponse

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var chunk ollamaResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Response != "" {
			contentBuilder.WriteString(chunk.Response)
			if handler != nil {
				if err := handler(chunk.Response, false); err != nil {
					return nil, fmt.Errorf("stream handler error: %w", err)
				}
			}
		}
		if chunk.Done {
			final = chunk
			if handler != nil {
				if err := handler("", true); err != nil {
					return nil, fmt.Errorf("stream handler error: %w", err)
				}
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError(ProviderOllama, req.Model, 0, "stream read error", err)
	}

	model := final.Model
	if model == "" {
		model = req.Model
	}

	return &CompletionResponse{
		Content:          contentBuilder.String(),
		Model:            model,
		PromptTokens:     final.PromptEvalCount,
		CompletionTokens: final.EvalCount,
		FinishReason:     final.DoneReason,
		Latency:          time.Since(start),
	}, nil
}

// classifyTransportError maps a transport failure to an error kind;
// context deadline expiry surfaces as a timeout.
func classifyTransportError(ctx context.Context, err error) ErrorKind {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindProvider
}
