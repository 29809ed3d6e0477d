// Package breaker implements a circuit breaker whose state lives in the
// shared store, so every worker in every process sees an open circuit at
// the same moment. Sustained failure of the completion service becomes
// fast, predictable rejections feeding the retry path instead of worker
// pools stuck on a degraded dependency.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/store"
)

// ErrCircuitOpen is returned without invoking the wrapped call while the
// circuit is open and the recovery timeout has not elapsed.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State of a logical operation's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker guards calls to one or more logical external operations.
type Breaker struct {
	redis     *store.RedisStore
	threshold int
	window    time.Duration
	recovery  time.Duration
	logger    zerolog.Logger

	// classify decides whether an error counts as a breaker failure.
	// Defaults to counting every non-nil error.
	classify func(error) bool
}

// New creates a breaker. threshold failures inside window open the
// circuit; after recovery elapses one probe call is allowed through.
func New(redis *store.RedisStore, threshold int, window, recovery time.Duration, logger zerolog.Logger) *Breaker {
	return &Breaker{
		redis:     redis,
		threshold: threshold,
		window:    window,
		recovery:  recovery,
		logger:    logger.With().Str("component", "breaker").Logger(),
		classify:  func(err error) bool { return err != nil },
	}
}

// Classify sets the failure classifier. Errors it rejects pass through
// without counting against the threshold.
func (b *Breaker) Classify(fn func(error) bool) {
	b.classify = fn
}

// Do invokes fn under the circuit for the named operation. In the open
// state (probe not yet due) it returns ErrCircuitOpen immediately without
// invoking fn. In half-open exactly one caller across all workers wins the
// probe slot; everyone else is rejected until the probe decides.
func (b *Breaker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	openedAt, err := b.redis.BreakerOpenedAt(ctx, op)
	if err != nil {
		// Can't read breaker state: let the call proceed, the lock layer
		// already failed closed if the store is truly down.
		b.logger.Warn().Err(err).Str("op", op).Msg("breaker state unreadable")
		return fn(ctx)
	}

	probing := false
	if !openedAt.IsZero() {
		if time.Since(openedAt) < b.recovery {
			metrics.BreakerRejections.WithLabelValues(op).Inc()
			return ErrCircuitOpen
		}
		// Recovery elapsed: claim the single half-open probe.
		won, err := b.redis.BreakerTryProbe(ctx, op, b.recovery)
		if err != nil || !won {
			metrics.BreakerRejections.WithLabelValues(op).Inc()
			return ErrCircuitOpen
		}
		probing = true
		metrics.BreakerState.WithLabelValues(op).Set(2)
		b.logger.Info().Str("op", op).Msg("half-open, probing")
	}

	callErr := fn(ctx)

	if callErr == nil || !b.classify(callErr) {
		if probing || !openedAt.IsZero() {
			if err := b.redis.BreakerReset(ctx, op); err == nil {
				metrics.BreakerState.WithLabelValues(op).Set(0)
				b.logger.Info().Str("op", op).Msg("circuit closed")
			}
		}
		return callErr
	}

	if probing {
		// Probe failed: re-open from now.
		_ = b.redis.BreakerOpen(ctx, op, time.Now())
		_ = b.redis.BreakerClearProbe(ctx, op)
		metrics.BreakerState.WithLabelValues(op).Set(1)
		b.logger.Warn().Str("op", op).Err(callErr).Msg("probe failed, circuit re-opened")
		return callErr
	}

	count, err := b.redis.BreakerFailure(ctx, op, b.window)
	if err != nil {
		return callErr
	}
	if count >= int64(b.threshold) {
		_ = b.redis.BreakerOpen(ctx, op, time.Now())
		metrics.BreakerState.WithLabelValues(op).Set(1)
		b.logger.Warn().Str("op", op).Int64("failures", count).Msg("failure threshold exceeded, circuit opened")
	}
	return callErr
}

// State returns the circuit's current state for the named operation.
func (b *Breaker) State(ctx context.Context, op string) (State, error) {
	openedAt, err := b.redis.BreakerOpenedAt(ctx, op)
	if err != nil {
		return StateClosed, err
	}
	if openedAt.IsZero() {
		return StateClosed, nil
	}
	if time.Since(openedAt) >= b.recovery {
		return StateHalfOpen, nil
	}
	return StateOpen, nil
}
