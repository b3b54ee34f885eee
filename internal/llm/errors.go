package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrRetriesExhausted wraps the last error once RetryClient gives up.
var ErrRetriesExhausted = errors.New("llm: retries exhausted")

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying: rate limits,
// overload and server-side failures.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests, 529:
		return true
	}
	return e.StatusCode >= 500
}

// IsTransient classifies err as a transient upstream failure: a
// retryable API status or a network timeout. Cancellation by the caller
// is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
