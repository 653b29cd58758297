package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// InvalidRequestError reports a caller mistake caught before any network
// call. It is never retried.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func invalidRequest(field, reason string) error {
	return &InvalidRequestError{Field: field, Reason: reason}
}

// GatewayError is a rejection returned by the provider. It is surfaced to the
// caller and not retried automatically.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
	Raw        []byte
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// TransientError wraps network-level failures and 5xx responses where the
// outcome of the call is unknown. Callers may retry with backoff; a retried
// creation call must pin IdempotencyKey on its request so every attempt
// replays the same key.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient gateway failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryTransient runs fn up to maxAttempts times with capped exponential
// backoff, retrying only transient failures. The client itself never
// retries; this helper is for call sites that opt in.
func RetryTransient(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
