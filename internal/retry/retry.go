// Package retry is the pipeline's terminal failure path. Failed or expired
// tasks are re-published with exponential backoff until their retry budget
// runs out, then parked as durable dead-letter entries. Nothing below this
// layer silently drops a message.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/events"
	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/queue"
	"github.com/convoq/convoq/internal/store"
)

// ErrTaskExpired marks a task whose queue TTL elapsed before a worker
// picked it up.
var ErrTaskExpired = errors.New("retry: task ttl expired")

// sweepBatch caps how many due dead letters one sweep re-publishes.
const sweepBatch = 100

// Handler applies backoff re-publishing and dead-letter parking.
type Handler struct {
	lanes   queue.Lanes
	results store.ResultStore
	emitter *events.Emitter
	cfg     *config.Config
	logger  zerolog.Logger
	cron    *cron.Cron
}

// NewHandler creates a retry handler.
func NewHandler(lanes queue.Lanes, results store.ResultStore, emitter *events.Emitter, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		lanes:   lanes,
		results: results,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "retry").Logger(),
	}
}

// Backoff returns the re-publish delay for the given attempt:
// base * 2^(attempt-1).
func (h *Handler) Backoff(attempt int) time.Duration {
	d := h.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// HandleFailure consumes a failed task: re-publish to its originating lane
// with backoff and an incremented attempt counter, or park it once the
// budget is spent.
func (h *Handler) HandleFailure(ctx context.Context, task *models.Task, cause error) error {
	task.Attempt++

	if task.Attempt > h.cfg.MaxRetries {
		return h.deadLetter(ctx, task, cause)
	}

	delay := h.Backoff(task.Attempt)
	if err := h.lanes.Enqueue(ctx, task, delay); err != nil {
		return err
	}

	metrics.Retries.WithLabelValues(string(task.Lane)).Inc()
	h.emitter.Emit(ctx, models.Event{
		Type:      models.EventMessageRetried,
		MessageID: task.MessageID,
		SessionID: task.SessionID,
		Lane:      task.Lane,
		Attempt:   task.Attempt,
		Error:     cause.Error(),
	})
	h.logger.Info().
		Str("message", task.MessageID).
		Int("attempt", task.Attempt).
		Dur("delay", delay).
		Err(cause).
		Msg("task re-published with backoff")
	return nil
}

// HandleExpired consumes a task whose queue TTL elapsed.
func (h *Handler) HandleExpired(ctx context.Context, task *models.Task) error {
	metrics.TasksProcessed.WithLabelValues(string(task.Lane), "expired").Inc()
	return h.HandleFailure(ctx, task, ErrTaskExpired)
}

// deadLetter parks a task as a durable entry and emits the error event.
func (h *Handler) deadLetter(ctx context.Context, task *models.Task, cause error) error {
	entry := &models.DeadLetterEntry{
		MessageID:    task.MessageID,
		SessionID:    task.SessionID,
		Payload:      task.Payload,
		Lane:         task.Lane,
		AttemptCount: task.Attempt,
		LastError:    cause.Error(),
		NextRetryAt:  time.Now().Add(h.Backoff(task.Attempt)),
		CreatedAt:    time.Now(),
	}

	if err := h.results.CreateDeadLetter(ctx, entry); err != nil {
		return err
	}

	metrics.DeadLetters.Inc()
	h.emitter.Emit(ctx, models.Event{
		Type:      models.EventMessageDeadLettered,
		MessageID: task.MessageID,
		SessionID: task.SessionID,
		Lane:      task.Lane,
		Attempt:   task.Attempt,
		Error:     cause.Error(),
	})
	h.logger.Error().
		Str("message", task.MessageID).
		Int("attempts", task.Attempt).
		Err(cause).
		Msg("retry budget exhausted, task dead-lettered")
	return nil
}

// Requeue resurrects a dead-letter entry onto the normal lane with a fresh
// attempt budget and removes the entry. Used by the scheduled sweep and
// the manual retry endpoint.
func (h *Handler) Requeue(ctx context.Context, entry *models.DeadLetterEntry) error {
	task := &models.Task{
		MessageID: entry.MessageID,
		SessionID: entry.SessionID,
		Payload:   entry.Payload,
		Lane:      models.LaneNormal,
		Priority:  models.PriorityDefault,
	}
	if err := h.lanes.Enqueue(ctx, task, 0); err != nil {
		return err
	}
	return h.results.DeleteDeadLetter(ctx, entry.MessageID)
}

// Sweep re-publishes every dead-letter entry whose next_retry_at has
// passed.
func (h *Handler) Sweep(ctx context.Context) {
	due, err := h.results.ListDueDeadLetters(ctx, time.Now(), sweepBatch)
	if err != nil {
		h.logger.Error().Err(err).Msg("dead-letter sweep query failed")
		return
	}

	for i := range due {
		if err := h.Requeue(ctx, &due[i]); err != nil {
			h.logger.Error().Err(err).Str("message", due[i].MessageID).Msg("dead-letter requeue failed")
			continue
		}
		h.logger.Info().Str("message", due[i].MessageID).Msg("dead letter requeued")
	}
}

// Start schedules the periodic dead-letter sweep.
func (h *Handler) Start() error {
	h.cron = cron.New()
	if _, err := h.cron.AddFunc(h.cfg.DeadLetterSweep, func() {
		h.Sweep(context.Background())
	}); err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop halts the sweep scheduler.
func (h *Handler) Stop() {
	if h.cron != nil {
		h.cron.Stop()
	}
}
