// Package events publishes processing-lifecycle events for external
// observability tooling. Emission is best-effort: a failed publish is
// logged and never blocks the pipeline.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/store"
)

// Emitter publishes lifecycle events on the Redis events channel.
type Emitter struct {
	redis  *store.RedisStore
	logger zerolog.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(redis *store.RedisStore, logger zerolog.Logger) *Emitter {
	return &Emitter{
		redis:  redis,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Emit publishes one event. Never returns an error; failures are logged.
func (e *Emitter) Emit(ctx context.Context, ev models.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()

	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("event marshal failed")
		return
	}

	if err := e.redis.PublishEvent(ctx, data); err != nil {
		e.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("event publish failed")
	}
}
