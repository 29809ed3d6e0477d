// Package waiter implements the buffer-wait loop: a deferred message polls
// the session lock with a bounded wait, re-routes against current state
// when the lock clears, and is force-routed to the normal lane at the
// bound so it can never starve.
package waiter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/lock"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/queue"
	"github.com/convoq/convoq/internal/router"
)

// Waiter re-routes buffer-lane tasks whose session is locked.
type Waiter struct {
	coord  *lock.Coordinator
	router *router.Router
	lanes  queue.Lanes
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a waiter.
func New(coord *lock.Coordinator, rt *router.Router, lanes queue.Lanes, cfg *config.Config, logger zerolog.Logger) *Waiter {
	return &Waiter{
		coord:  coord,
		router: rt,
		lanes:  lanes,
		cfg:    cfg,
		logger: logger.With().Str("component", "waiter").Logger(),
	}
}

// Reroute polls the session lock until it clears or the wait bound
// elapses. On a clear lock the routing decision is re-run against current
// state rather than replaying the original decision, since frequency or
// lock state may have shifted while waiting. At the bound the task is force-routed to the
// normal lane to guarantee forward progress.
func (w *Waiter) Reroute(ctx context.Context, task *models.Task) error {
	deadline := time.Now().Add(w.cfg.BufferWaitBound)

	for time.Now().Before(deadline) {
		if !w.coord.IsLocked(ctx, task.SessionID) {
			route, err := w.router.Decide(ctx, task.SessionID)
			if err != nil {
				break // fall through to the forced normal route
			}
			task.Lane = route.Lane
			task.Priority = route.Priority
			w.logger.Debug().
				Str("message", task.MessageID).
				Str("lane", string(route.Lane)).
				Msg("lock cleared, re-routed")
			return w.lanes.Enqueue(ctx, task, route.Delay)
		}

		select {
		case <-ctx.Done():
			// Shutting down: park the task back on the buffer lane intact.
			task.Lane = models.LaneBuffer
			return w.lanes.Enqueue(context.WithoutCancel(ctx), task, 0)
		case <-time.After(w.cfg.BufferPollInterval):
		}
	}

	task.Lane = models.LaneNormal
	task.Priority = models.PriorityDefault
	w.logger.Info().
		Str("message", task.MessageID).
		Str("session", task.SessionID).
		Msg("wait bound exceeded, force-routed to normal lane")
	return w.lanes.Enqueue(ctx, task, 0)
}
