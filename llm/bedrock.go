// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockInvoker is the subset of the Bedrock runtime API we use,
// extracted so tests can substitute a fake.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// bedrockClient invokes models through AWS Bedrock. The request and
// response body shapes depend on the model family, so we detect the
// family from the model ID and translate accordingly.
type bedrockClient struct {
	runtime bedrockInvoker
	region  string
}

func newBedrockClient(ctx context.Context, region string) (*bedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &bedrockClient{
		runtime: bedrockruntime.NewFromConfig(cfg),
		region:  region,
	}, nil
}

func (c *bedrockClient) Name() string {
	return ProviderBedrock
}

// bedrockModelFamily identifies the payload dialect for a model ID.
type bedrockModelFamily int

const (
	bedrockFamilyClaude bedrockModelFamily = iota
	bedrockFamilyTitan
	bedrockFamilyLlama
	bedrockFamilyMistral
	bedrockFamilyUnknown
)

func detectBedrockModelFamily(modelID string) bedrockModelFamily {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic"):
		return bedrockFamilyClaude
	case strings.Contains(lower, "titan") || strings.Contains(lower, "amazon"):
		return bedrockFamilyTitan
	case strings.Contains(lower, "llama") || strings.Contains(lower, "meta"):
		return bedrockFamilyLlama
	case strings.Contains(lower, "mistral") || strings.Contains(lower, "mixtral"):
		return bedrockFamilyMistral
	default:
		return bedrockFamilyUnknown
	}
}

func (c *bedrockClient) buildBody(req CompletionRequest, family bedrockModelFamily) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch family {
	case bedrockFamilyClaude:
		body := map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages": []map[string]any{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		return json.Marshal(body)
	case bedrockFamilyTitan:
		return json.Marshal(map[string]any{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
			},
		})
	case bedrockFamilyLlama:
		return json.Marshal(map[string]any{
			"prompt":      req.Prompt,
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
		})
	case bedrockFamilyMistral:
		return json.Marshal(map[string]any{
			"prompt":      req.Prompt,
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported Bedrock model family for %q", req.Model)
	}
}

func (c *bedrockClient) parseBody(body []byte, family bedrockModelFamily) (content, finish string, inTokens, outTokens int, err error) {
	switch family {
	case bedrockFamilyClaude:
		var out struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err = json.Unmarshal(body, &out); err != nil {
			return
		}
		var sb strings.Builder
		for _, block := range out.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return sb.String(), out.StopReason, out.Usage.InputTokens, out.Usage.OutputTokens, nil
	case bedrockFamilyTitan:
		var out struct {
			InputTextTokenCount int `json:"inputTextTokenCount"`
			Results             []struct {
				TokenCount       int    `json:"tokenCount"`
				OutputText       string `json:"outputText"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
		}
		if err = json.Unmarshal(body, &out); err != nil {
			return
		}
		if len(out.Results) > 0 {
			return out.Results[0].OutputText, out.Results[0].CompletionReason,
				out.InputTextTokenCount, out.Results[0].TokenCount, nil
		}
		return "", "", out.InputTextTokenCount, 0, nil
	case bedrockFamilyLlama:
		var out struct {
			Generation           string `json:"generation"`
			StopReason           string `json:"stop_reason"`
			PromptTokenCount     int    `json:"prompt_token_count"`
			GenerationTokenCount int    `json:"generation_token_count"`
		}
		if err = json.Unmarshal(body, &out); err != nil {
			return
		}
		return out.Generation, out.StopReason, out.PromptTokenCount, out.GenerationTokenCount, nil
	case bedrockFamilyMistral:
		var out struct {
			Outputs []struct {
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"outputs"`
		}
		if err = json.Unmarshal(body, &out); err != nil {
			return
		}
		if len(out.Outputs) > 0 {
			return out.Outputs[0].Text, out.Outputs[0].StopReason, 0, 0, nil
		}
		return "", "", 0, 0, nil
	default:
		err = fmt.Errorf("unsupported Bedrock model family")
		return
	}
}

func (c *bedrockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	family := detectBedrockModelFamily(req.Model)
	body, err := c.buildBody(req, family)
	if err != nil {
		return nil, NewProviderError(ProviderBedrock, req.Model, 0, err.Error(), err)
	}

	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &ProviderError{
			Provider: ProviderBedrock, Model: req.Model,
			Kind: classifyTransportError(ctx, err), Message: err.Error(), Err: err,
		}
	}

	content, finish, inTokens, outTokens, err := c.parseBody(out.Body, family)
	if err != nil {
		return nil, NewProviderError(ProviderBedrock, req.Model, 0, "failed to decode response", err)
	}
	if inTokens == 0 {
		inTokens = len(req.Prompt) / 4
	}
	if outTokens == 0 {
		outTokens = len(content) / 4
	}

	return &CompletionResponse{
		Content:          content,
		Model:            req.Model,
		PromptTokens:     inTokens,
		CompletionTokens: outTokens,
		FinishReason:     finish,
		Latency:          time.Since(start),
	}, nil
}

// CompleteStream falls back to a single non-streaming invocation and
// delivers the whole response as one chunk.
func (c *bedrockClient) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		if err := handler(resp.Content, false); err != nil {
			return nil, fmt.Errorf("stream handler error: %w", err)
		}
		if err := handler("", true); err != nil {
			return nil, fmt.Errorf("stream handler error: %w", err)
		}
	}
	return resp, nil
}
