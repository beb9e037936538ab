// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	timeoutErr := &ProviderError{
		Provider: ProviderAnthropic, Model: "claude-3-5-sonnet-20241022",
		Kind: ErrorKindTimeout, Message: "deadline",
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"provider timeout", timeoutErr, true},
		{"rate limit", &ProviderError{Provider: ProviderOpenAI, Kind: ErrorKindRateLimit}, false},
		{"provider failure", &ProviderError{Provider: ProviderOpenAI, Kind: ErrorKindProvider}, false},
		{"transient", &TransientError{Err: errors.New("conn reset")}, true},
		{"wrapped transient", fmt.Errorf("step: %w", &TransientError{Err: errors.New("conn reset")}), true},
		{
			// An exhausted fallback chain is final even when its last
			// failure was a timeout.
			"all providers failed with timeout last",
			&AllProvidersFailedError{
				Attempts: []AttemptedPair{
					{Provider: ProviderOpenAI, Model: "gpt-4o"},
					{Provider: ProviderAnthropic, Model: "claude-3-5-sonnet-20241022"},
				},
				LastErr: timeoutErr,
			},
			false,
		},
		{
			"wrapped all providers failed",
			fmt.Errorf("generate: %w", &AllProvidersFailedError{LastErr: timeoutErr}),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, ErrorKindProvider, classifyTransportError(ctx, errors.New("conn refused")))
	assert.Equal(t, ErrorKindTimeout, classifyTransportError(ctx, context.DeadlineExceeded))
	assert.Equal(t, ErrorKindTimeout,
		classifyTransportError(ctx, fmt.Errorf("do request: %w", context.DeadlineExceeded)))

	expired, cancelExpired := context.WithTimeout(context.Background(), 0)
	defer cancelExpired()
	<-expired.Done()
	assert.Equal(t, ErrorKindTimeout, classifyTransportError(expired, errors.New("read: timeout")))
}
