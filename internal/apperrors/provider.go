package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrProvider is the sentinel for failed embedding or rerank provider calls.
var ErrProvider = &ProviderError{}

// ProviderError wraps a failed call to an external embedding or rerank provider.
// Permanent errors (bad credentials, exhausted quota, rejected input) are not retried.
type ProviderError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	Err        error
}

// NewProviderError classifies err from provider. statusCode is 0 when no HTTP response was received.
func NewProviderError(provider string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Permanent:  isPermanent(statusCode, err),
		Err:        err,
	}
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}

	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider %s error (status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("%s provider %s error: %v", e.Provider, kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is implements the error interface for error comparison.
func (e *ProviderError) Is(target error) bool {
	_, ok := target.(*ProviderError)

	return ok
}

// IsPermanentProviderError reports whether err is a provider error that retrying cannot fix.
func IsPermanentProviderError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}

	return false
}

func isPermanent(statusCode int, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch statusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusPaymentRequired,
		http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}

	return false
}
