// Package queue implements the priority lanes: durable, priority-ordered
// queues with per-message TTL and delayed visibility, backed by Redis
// sorted sets.
package queue

import (
	"context"
	"time"

	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/store"
)

// Queue is one priority lane.
type Queue struct {
	lane  models.Lane
	redis *store.RedisStore
	ttl   time.Duration
	lease time.Duration
}

// New creates a lane queue with the given message TTL and claim lease.
func New(lane models.Lane, redis *store.RedisStore, ttl, lease time.Duration) *Queue {
	return &Queue{lane: lane, redis: redis, ttl: ttl, lease: lease}
}

// Lane returns the lane this queue serves.
func (q *Queue) Lane() models.Lane {
	return q.lane
}

// Enqueue places a task on this lane. The original arrival time is kept
// across re-enqueues so FIFO order within a session survives retries; the
// queue TTL is refreshed on every enqueue so downstream retry budgets are
// not eaten by time spent waiting.
func (q *Queue) Enqueue(ctx context.Context, task *models.Task, delay time.Duration) error {
	now := time.Now()
	task.Lane = q.lane
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = now.UnixMilli()
	}
	if q.ttl > 0 {
		task.ExpiresAt = now.Add(q.ttl).UnixMilli()
	}
	return q.redis.EnqueueTask(ctx, task, delay)
}

// Dequeue claims the next ready task, or nil when the lane is empty. The
// claim is held under the lane's lease until Ack; an unacked claim is
// redelivered once the lease lapses.
func (q *Queue) Dequeue(ctx context.Context) (*models.Task, error) {
	return q.redis.DequeueTask(ctx, q.lane, q.lease)
}

// Ack releases a dequeued task's claim. Call after the task's outcome has
// been handed off: result persisted, dead-lettered, or re-published.
func (q *Queue) Ack(ctx context.Context, task *models.Task) error {
	return q.redis.AckTask(ctx, q.lane, task.Receipt)
}

// PromoteSession makes the earliest delayed task for a session immediately
// visible.
func (q *Queue) PromoteSession(ctx context.Context, sessionID string) (bool, error) {
	return q.redis.PromoteSession(ctx, q.lane, sessionID)
}

// Depth returns the ready and delayed task counts.
func (q *Queue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	return q.redis.QueueDepth(ctx, q.lane)
}

// Lanes holds the full set of lane queues.
type Lanes map[models.Lane]*Queue

// NewLanes builds the three lanes with their configured TTLs.
func NewLanes(redis *store.RedisStore, cfg *config.Config) Lanes {
	return Lanes{
		models.LaneUrgent: New(models.LaneUrgent, redis, cfg.UrgentTTL, cfg.PendingLease),
		models.LaneNormal: New(models.LaneNormal, redis, cfg.NormalTTL, cfg.PendingLease),
		models.LaneBuffer: New(models.LaneBuffer, redis, cfg.BufferTTL, cfg.PendingLease),
	}
}

// Enqueue dispatches a task to the queue named by its Lane field.
func (l Lanes) Enqueue(ctx context.Context, task *models.Task, delay time.Duration) error {
	return l[task.Lane].Enqueue(ctx, task, delay)
}

// RefreshDepths publishes current queue depths as gauges.
func (l Lanes) RefreshDepths(ctx context.Context) {
	for lane, q := range l {
		ready, delayed, err := q.Depth(ctx)
		if err != nil {
			continue
		}
		metrics.QueueDepth.WithLabelValues(string(lane), "ready").Set(float64(ready))
		metrics.QueueDepth.WithLabelValues(string(lane), "delayed").Set(float64(delayed))
	}
}

// StartDepthRefresher updates the depth gauges on an interval until the
// context is cancelled.
func (l Lanes) StartDepthRefresher(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.RefreshDepths(ctx)
			}
		}
	}()
}
