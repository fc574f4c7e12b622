package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBudgetExceeded is returned when a run hits its iteration or wall-clock cap.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrCancelled is returned when the run's context is cancelled.
	ErrCancelled = errors.New("run cancelled")

	// ErrToolRetriesExhausted is returned when one tool failed too many times in a run.
	ErrToolRetriesExhausted = errors.New("tool retries exhausted")
)

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind string

const (
	ProviderErrorAuth           ProviderErrorKind = "auth"
	ProviderErrorRateLimit      ProviderErrorKind = "rate_limit"
	ProviderErrorTransient      ProviderErrorKind = "transient"
	ProviderErrorInvalidRequest ProviderErrorKind = "invalid_request"
)

// ProviderError is a failure reported by a model provider.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another profile or a later attempt may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderErrorRateLimit || e.Kind == ProviderErrorTransient
}

// classifyStatus maps an HTTP status code to an error kind
func classifyStatus(status int) ProviderErrorKind {
	switch {
	case status == 401 || status == 403:
		return ProviderErrorAuth
	case status == 429:
		return ProviderErrorRateLimit
	case status >= 500 || status == 408 || status == 409:
		return ProviderErrorTransient
	case status >= 400:
		return ProviderErrorInvalidRequest
	}
	return ProviderErrorTransient
}

// IsRetryableError checks if an error should be retried on another profile
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "429", "rate limit", "500", "502", "503", "504"} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}
