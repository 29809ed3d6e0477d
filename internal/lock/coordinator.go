// Package lock implements the session state coordinator: a TTL-backed
// lock per session ensuring at most one worker generates a response for a
// conversation at a time. Every ordering guarantee in the pipeline derives
// from this single invariant, so all access to lock state goes through the
// atomic primitives here, never through read-modify-write on the store.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/store"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached.
// Lock operations fail closed on it: callers must treat the session as
// locked rather than risk duplicate concurrent processing.
var ErrStoreUnavailable = errors.New("lock: store unavailable")

// Coordinator mediates session processing locks over the shared store.
type Coordinator struct {
	redis  *store.RedisStore
	logger zerolog.Logger
}

// NewCoordinator creates a coordinator backed by the given Redis store.
func NewCoordinator(redis *store.RedisStore, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		redis:  redis,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// TryAcquire atomically creates the session lock if no live lock exists.
// Returns false when another owner holds the session, and false with
// ErrStoreUnavailable when the store is unreachable (fail closed).
func (c *Coordinator) TryAcquire(ctx context.Context, sessionID, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := c.redis.AcquireLock(ctx, sessionID, ownerID, ttl)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		c.logger.Error().Err(err).Str("session", sessionID).Msg("acquire failed, treating session as locked")
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	if ok {
		metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	} else {
		metrics.LockAcquisitions.WithLabelValues("conflict").Inc()
	}
	return ok, nil
}

// Extend pushes the lease out to ttl from now, only while ownerID still
// owns the lock. Returns false if ownership was lost to expiry and
// reassignment in the meantime.
func (c *Coordinator) Extend(ctx context.Context, sessionID, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := c.redis.ExtendLock(ctx, sessionID, ownerID, ttl)
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Release deletes the lock only while owned by ownerID.
func (c *Coordinator) Release(ctx context.Context, sessionID, ownerID string) (bool, error) {
	ok, err := c.redis.ReleaseLock(ctx, sessionID, ownerID)
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return ok, nil
}

// IsLocked reports whether a live lock holds the session. On store errors
// it reports locked, keeping the router on the conservative buffer path.
func (c *Coordinator) IsLocked(ctx context.Context, sessionID string) bool {
	locked, err := c.redis.LockExists(ctx, sessionID)
	if err != nil {
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("lock check failed, assuming locked")
		return true
	}
	return locked
}

// Owns reports whether ownerID still holds the session lock. Workers call
// this before applying side effects: a lease that expired mid-generation
// may have been reassigned, and persisting without ownership risks
// duplicate or out-of-order writes.
func (c *Coordinator) Owns(ctx context.Context, sessionID, ownerID string) (bool, error) {
	owner, err := c.redis.LockOwner(ctx, sessionID)
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return owner == ownerID, nil
}
