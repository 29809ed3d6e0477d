// Package completion wraps the external AI completion service behind a
// single synchronous boundary. Expected latency is 8-10s per call; the
// adapters classify failures so the circuit breaker and retry layers can
// tell transient throttling from permanent rejection.
package completion

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/convoq/convoq/internal/metrics"
)

// Service is the external completion boundary: one payload in, one
// generated response out.
type Service interface {
	Generate(ctx context.Context, payload string) (string, error)
}

// Error is a classified failure from the completion service.
type Error struct {
	Status    int // HTTP status when known, 0 otherwise
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "completion: " + e.Err.Error()
	}
	return "completion failed"
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether an error should count as a transient failure
// (timeout, rate limit, server error). Context timeouts are retryable; a
// payload the service permanently rejects is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	// Unclassified errors are treated as transient so they are retried
	// rather than silently dead-lettered on the first hiccup.
	return true
}

// retryableStatus reports whether an HTTP status indicates a transient
// condition.
func retryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// observe records one call's latency.
func observe(start time.Time) {
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())
}
