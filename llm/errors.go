// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies provider failures for routing decisions.
type ErrorKind string

const (
	// ErrorKindProvider is a generic provider-side failure.
	ErrorKindProvider ErrorKind = "provider_error"

	// ErrorKindRateLimit indicates the provider rejected the call for rate limiting.
	ErrorKindRateLimit ErrorKind = "rate_limit"

	// ErrorKindAuthentication indicates invalid or missing credentials.
	ErrorKindAuthentication ErrorKind = "authentication"

	// ErrorKindModelNotFound indicates the requested model does not exist on the provider.
	ErrorKindModelNotFound ErrorKind = "model_not_found"

	// ErrorKindTimeout indicates the provider call exceeded its deadline.
	ErrorKindTimeout ErrorKind = "timeout"
)

// ProviderError wraps any failure returned by a provider client.
// All kinds, including authentication and model-not-found, participate
// in fallback: the router walks the chain on any ProviderError.
type ProviderError struct {
	Provider   string
	Model      string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s/%s: %s (status %d): %s", e.Provider, e.Model, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s: %s", e.Provider, e.Model, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a ProviderError, classifying the HTTP status code.
func NewProviderError(provider, model string, statusCode int, message string, err error) *ProviderError {
	kind := ErrorKindProvider
	switch {
	case statusCode == http.StatusTooManyRequests:
		kind = ErrorKindRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = ErrorKindAuthentication
	case statusCode == http.StatusNotFound:
		kind = ErrorKindModelNotFound
	}
	return &ProviderError{
		Provider:   provider,
		Model:      model,
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsRateLimit reports whether err is a rate-limit ProviderError.
func IsRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrorKindRateLimit
}

// IsRetryable reports whether a step-level retry makes sense for err.
// ProviderError is handled by the fallback chain, not step retries, so
// only timeouts and explicitly transient failures qualify. An exhausted
// fallback chain is never retried, whatever its last failure kind.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apf *AllProvidersFailedError
	if errors.As(err, &apf) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == ErrorKindTimeout
	}
	var te *TransientError
	return errors.As(err, &te)
}

// TransientError marks failures that are safe to retry at the step level.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// AttemptedPair identifies one (provider, model) attempt in a fallback walk.
type AttemptedPair struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (a AttemptedPair) String() string {
	return a.Provider + "/" + a.Model
}

// AllProvidersFailedError is returned when the primary and every fallback
// entry failed. Attempts preserves try order; LastErr is the final failure.
type AllProvidersFailedError struct {
	Attempts []AttemptedPair
	LastErr  error
}

func (e *AllProvidersFailedError) Error() string {
	tried := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		tried = append(tried, a.String())
	}
	return fmt.Sprintf("all providers failed (tried %s): %v", strings.Join(tried, ", "), e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastErr
}
