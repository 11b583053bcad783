package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest             = errors.New("invalid request")
	ErrUnauthorized               = errors.New("unauthorized")
	ErrRateLimitExceeded          = errors.New("rate limit exceeded")
	ErrBackend                    = errors.New("backend error")
	ErrTimeout                    = errors.New("backend timeout")
	ErrProviderNotFound           = errors.New("provider not found")
	ErrCircuitBreakerOpen         = errors.New("circuit breaker open")
	ErrModelManagementUnsupported = errors.New("model management not supported by provider")
)

// ValidationError rejects a request before anything is dispatched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// BackendError is a failure of a single instance invocation.
type BackendError struct {
	Provider string
	Model    string
	Err      error
}

func (e *BackendError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("%s/%s: timed out: %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("%s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrBackend:
		return true
	case ErrTimeout:
		return e.Timeout()
	}
	return false
}

// Timeout reports whether the invocation exceeded its deadline.
func (e *BackendError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, ErrTimeout)
}

// AsBackendError wraps err unless it already is a BackendError.
func AsBackendError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Provider: provider, Model: model, Err: err}
}
