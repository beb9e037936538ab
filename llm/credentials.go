// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// CredentialSource resolves the API key for a provider. Keys are never
// logged; implementations must not echo resolved values.
type CredentialSource interface {
	APIKey(ctx context.Context, provider string) (string, error)
}

// envVarForProvider maps a provider name to its conventional env var.
func envVarForProvider(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderMistral:
		return "MISTRAL_API_KEY"
	case ProviderTogether:
		return "TOGETHER_API_KEY"
	case ProviderOpenRouter:
		return "OPENROUTER_API_KEY"
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

// EnvCredentials reads API keys from environment variables.
type EnvCredentials struct{}

func (EnvCredentials) APIKey(_ context.Context, provider string) (string, error) {
	if provider == ProviderOllama || provider == ProviderBedrock {
		return "", nil // no API key needed
	}
	key := os.Getenv(envVarForProvider(provider))
	if key == "" {
		return "", fmt.Errorf("no API key configured for provider %s (set %s)", provider, envVarForProvider(provider))
	}
	return key, nil
}

type secretsFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

// AWSSecretsCredentials resolves API keys from AWS Secrets Manager with a
// TTL cache in front, falling back to environment variables when the
// secret is absent.
type AWSSecretsCredentials struct {
	client secretsFetcher
	prefix string
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

// NewAWSSecretsCredentials builds a Secrets Manager backed source. Keys
// are expected under "<prefix><provider>-api-key".
func NewAWSSecretsCredentials(ctx context.Context, region, prefix string) (*AWSSecretsCredentials, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSSecretsCredentials{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: prefix,
		ttl:    5 * time.Minute,
		cache:  make(map[string]cachedSecret),
	}, nil
}

func (s *AWSSecretsCredentials) APIKey(ctx context.Context, provider string) (string, error) {
	if provider == ProviderOllama || provider == ProviderBedrock {
		return "", nil
	}

	secretID := s.prefix + provider + "-api-key"

	s.mu.RLock()
	cached, ok := s.cache[secretID]
	s.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < s.ttl {
		return cached.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		// Fall back to the environment so dev machines work without AWS.
		if key := os.Getenv(envVarForProvider(provider)); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("failed to fetch secret %s: %w", maskSecretID(secretID), err)
	}
	value := aws.ToString(out.SecretString)
	if value == "" {
		return "", fmt.Errorf("secret %s is empty", maskSecretID(secretID))
	}

	s.mu.Lock()
	s.cache[secretID] = cachedSecret{value: value, fetchedAt: time.Now()}
	s.mu.Unlock()

	return value, nil
}

// maskSecretID keeps only the leading characters of a secret identifier
// so error messages stay safe to log.
func maskSecretID(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:8] + "****"
}
