package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryClient retries transient failures of the wrapped client with
// exponential backoff. Non-transient errors return immediately.
type RetryClient struct {
	client   Client
	attempts int
	base     time.Duration
	max      time.Duration
	logger   *slog.Logger
}

// NewRetryClient wraps client. attempts counts the first try; values
// below 1 are treated as 1.
func NewRetryClient(client Client, attempts int, logger *slog.Logger) *RetryClient {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{
		client:   client,
		attempts: attempts,
		base:     time.Second,
		max:      8 * time.Second,
		logger:   logger.With("component", "llm_retry"),
	}
}

// SetBackoff overrides the base and maximum delay between attempts.
func (r *RetryClient) SetBackoff(base, max time.Duration) {
	r.base, r.max = base, max
}

// Chat implements Client.
func (r *RetryClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	var lastErr error
	delay := r.base
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp, err := r.client.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == r.attempts {
			break
		}

		r.logger.Warn("transient LLM failure, backing off",
			"model", req.Model, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, r.max)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.attempts, lastErr)
}

// Ping implements Client without retries.
func (r *RetryClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}
