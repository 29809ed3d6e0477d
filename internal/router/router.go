// Package router decides, per inbound message, which priority lane and
// session-affinity path the message takes.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/lock"
	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/store"
)

// Router computes queue routes from session lock state and traffic shape.
type Router struct {
	redis  *store.RedisStore
	coord  *lock.Coordinator
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a router.
func New(redis *store.RedisStore, coord *lock.Coordinator, cfg *config.Config, logger zerolog.Logger) *Router {
	return &Router{
		redis:  redis,
		coord:  coord,
		cfg:    cfg,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Route computes the lane for an inbound message and applies the per-message
// side effects: the rolling frequency counter and last-message timestamp are
// updated exactly once here, regardless of which lane wins, so frequency
// classification stays accurate. Re-evaluations of an already-counted
// message must use Decide instead.
func (r *Router) Route(ctx context.Context, msg *models.InboundMessage) (models.QueueRoute, error) {
	now := time.Now()

	freq, err := r.redis.IncrFrequency(ctx, msg.SessionID, r.cfg.FrequencyWindow)
	if err != nil {
		return models.QueueRoute{}, err
	}

	lastSeen, err := r.redis.TouchSession(ctx, msg.SessionID, now)
	if err != nil {
		return models.QueueRoute{}, err
	}

	route := r.decide(ctx, msg.SessionID, freq, lastSeen, now)

	metrics.MessagesRouted.WithLabelValues(string(route.Lane)).Inc()
	r.logger.Debug().
		Str("message", msg.MessageID).
		Str("session", msg.SessionID).
		Str("lane", string(route.Lane)).
		Int("priority", route.Priority).
		Int64("frequency", freq).
		Msg("routed")

	return route, nil
}

// Decide re-evaluates the routing decision against current state, without
// counting the message again. The buffer waiter uses this when a deferred
// message's lock clears: state may have shifted since the original decision.
func (r *Router) Decide(ctx context.Context, sessionID string) (models.QueueRoute, error) {
	freq, err := r.redis.Frequency(ctx, sessionID)
	if err != nil {
		return models.QueueRoute{}, err
	}
	lastSeen, err := r.redis.LastSeen(ctx, sessionID)
	if err != nil {
		return models.QueueRoute{}, err
	}
	return r.decide(ctx, sessionID, freq, lastSeen, time.Now()), nil
}

// decide applies the routing rules in order: lock state first, then burst
// frequency, then follow-up continuity, then the default lane.
func (r *Router) decide(ctx context.Context, sessionID string, freq, lastSeen int64, now time.Time) models.QueueRoute {
	var route models.QueueRoute

	switch {
	case r.coord.IsLocked(ctx, sessionID):
		// A response is being generated: defer behind the lock holder.
		route = models.QueueRoute{
			Lane:     models.LaneBuffer,
			Priority: models.PriorityMid,
			Delay:    r.cfg.BufferDelay,
		}
	case freq > int64(r.cfg.FrequencyThreshold):
		// Bursty session: faster turnaround so perceived lag doesn't compound.
		route = models.QueueRoute{
			Lane:     models.LaneUrgent,
			Priority: models.PriorityBurst,
		}
	case lastSeen > 0 && now.Sub(time.UnixMilli(lastSeen)) < r.cfg.FollowUpWindow:
		// Quick follow-up: keep the conversation feeling continuous.
		route = models.QueueRoute{
			Lane:     models.LaneUrgent,
			Priority: models.PriorityFollowUp,
		}
	default:
		route = models.QueueRoute{
			Lane:     models.LaneNormal,
			Priority: models.PriorityDefault,
		}
	}

	route.RoutingKey = models.RoutingKey(route.Lane, sessionID)
	return route
}
