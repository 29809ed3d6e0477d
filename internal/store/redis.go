package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/models"
)

const (
	// sessionTTL bounds how long per-session routing state (frequency
	// counter, last-seen timestamp) survives without traffic.
	sessionTTL = 24 * time.Hour

	// promoteBatch caps how many due delayed tasks are moved per dequeue.
	promoteBatch = 64

	// claimAttempts bounds the pop-claim loop when workers race on the
	// same ready task.
	claimAttempts = 8
)

// EventChannel is the pub/sub channel lifecycle events are published to.
const EventChannel = "convoq:events"

// RedisStore wraps Redis with the pipeline's coordination primitives:
// session locks, rolling frequency counters, lane queues and shared
// circuit-breaker state. It is the only shared mutable state in the system.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for pub/sub subscribers.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// lockKey returns the key for a session's processing lock.
func lockKey(sessionID string) string {
	return fmt.Sprintf("lock:%s", sessionID)
}

// freqKey returns the key for a session's rolling message counter.
func freqKey(sessionID string) string {
	return fmt.Sprintf("freq:%s", sessionID)
}

// lastSeenKey returns the key for a session's last-message timestamp.
func lastSeenKey(sessionID string) string {
	return fmt.Sprintf("session:%s:last", sessionID)
}

// dedupKey returns the key marking a message id as already ingested.
func dedupKey(messageID string) string {
	return fmt.Sprintf("dedup:%s", messageID)
}

// readyKey returns the key for a lane's ready sorted set.
func readyKey(lane models.Lane) string {
	return fmt.Sprintf("queue:%s:ready", lane)
}

// delayedKey returns the key for a lane's delayed-visibility sorted set.
func delayedKey(lane models.Lane) string {
	return fmt.Sprintf("queue:%s:delayed", lane)
}

// pendingKey returns the key for a lane's claimed-but-unacked sorted set,
// scored by claim lease expiry.
func pendingKey(lane models.Lane) string {
	return fmt.Sprintf("queue:%s:pending", lane)
}

// extendScript extends a lock's lease only while the caller still owns it.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lock only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLock atomically creates the session lock if absent. SET NX with a
// TTL is the single conditional operation that rules out check-then-act
// races between workers.
func (s *RedisStore) AcquireLock(ctx context.Context, sessionID, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, lockKey(sessionID), ownerID, ttl).Result()
	observeRedis(start)
	return ok, err
}

// ExtendLock pushes the lock's expiry out to ttl from now, only if ownerID
// still matches the recorded owner.
func (s *RedisStore) ExtendLock(ctx context.Context, sessionID, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	n, err := extendScript.Run(ctx, s.client, []string{lockKey(sessionID)}, ownerID, ttl.Milliseconds()).Int()
	observeRedis(start)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock deletes the lock only if ownerID still owns it.
func (s *RedisStore) ReleaseLock(ctx context.Context, sessionID, ownerID string) (bool, error) {
	start := time.Now()
	n, err := releaseScript.Run(ctx, s.client, []string{lockKey(sessionID)}, ownerID).Int()
	observeRedis(start)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LockExists reports whether a live lock holds the session.
func (s *RedisStore) LockExists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, lockKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LockOwner returns the current lock owner, or "" if the session is free.
func (s *RedisStore) LockOwner(ctx context.Context, sessionID string) (string, error) {
	owner, err := s.client.Get(ctx, lockKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

// IncrFrequency increments the session's rolling message counter and
// returns the new count. The window TTL is refreshed on every hit.
func (s *RedisStore) IncrFrequency(ctx context.Context, sessionID string, window time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, freqKey(sessionID))
	pipe.PExpire(ctx, freqKey(sessionID), window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Frequency returns the session's current rolling message count without
// touching it. Used when a routing decision is re-evaluated for a message
// that was already counted.
func (s *RedisStore) Frequency(ctx context.Context, sessionID string) (int64, error) {
	count, err := s.client.Get(ctx, freqKey(sessionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// LastSeen returns the session's last-message time in Unix ms, 0 if unknown.
func (s *RedisStore) LastSeen(ctx context.Context, sessionID string) (int64, error) {
	ms, err := s.client.Get(ctx, lastSeenKey(sessionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return ms, err
}

// TouchSession records now as the session's last-message time and returns
// the previous timestamp in Unix ms (0 if the session is new).
func (s *RedisStore) TouchSession(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	key := lastSeenKey(sessionID)

	prev, err := s.client.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}

	if err := s.client.Set(ctx, key, now.UnixMilli(), sessionTTL).Err(); err != nil {
		return 0, err
	}
	return prev, nil
}

// MarkIngested records a message id for dedup. Returns false if the id was
// already seen within the dedup TTL.
func (s *RedisStore) MarkIngested(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, dedupKey(messageID), "1", ttl).Result()
}

// WasIngested reports whether a message id is inside its dedup window.
func (s *RedisStore) WasIngested(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, dedupKey(messageID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// readyScore orders the ready set by priority first (higher served first),
// then by enqueue time for FIFO within a priority band.
func readyScore(priority int, enqueuedAt int64) float64 {
	return float64(100-priority)*1e13 + float64(enqueuedAt)
}

// EnqueueTask places a task on a lane. A positive delay parks it in the
// delayed set until its visibility time; otherwise it is immediately ready.
func (s *RedisStore) EnqueueTask(ctx context.Context, task *models.Task, delay time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	start := time.Now()
	defer observeRedis(start)

	if delay > 0 {
		readyAt := time.Now().Add(delay).UnixMilli()
		return s.client.ZAdd(ctx, delayedKey(task.Lane), redis.Z{
			Score:  float64(readyAt),
			Member: string(data),
		}).Err()
	}

	return s.client.ZAdd(ctx, readyKey(task.Lane), redis.Z{
		Score:  readyScore(task.Priority, task.EnqueuedAt),
		Member: string(data),
	}).Err()
}

// DequeueTask claims the highest-priority ready task on a lane, promoting
// any delayed tasks whose visibility time has passed and reaping lapsed
// claims. Returns nil when the lane is empty. ZREM is the claim: whichever
// worker removes the member owns the task. The claimed member is parked in
// the pending set under a lease, so a worker that crashes before acking
// has its task redelivered instead of dropped.
func (s *RedisStore) DequeueTask(ctx context.Context, lane models.Lane, lease time.Duration) (*models.Task, error) {
	now := time.Now()
	if err := s.reapLapsedClaims(ctx, lane, now); err != nil {
		return nil, err
	}
	if err := s.promoteDue(ctx, lane, now); err != nil {
		return nil, err
	}

	for i := 0; i < claimAttempts; i++ {
		members, err := s.client.ZRange(ctx, readyKey(lane), 0, 0).Result()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}

		removed, err := s.client.ZRem(ctx, readyKey(lane), members[0]).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			continue // another worker claimed it first
		}

		var task models.Task
		if err := json.Unmarshal([]byte(members[0]), &task); err != nil {
			continue // unreadable member, already removed
		}

		// Park the claim. If the park fails the task still processes, it
		// just loses crash redelivery for this one claim.
		if err := s.client.ZAdd(ctx, pendingKey(lane), redis.Z{
			Score:  float64(now.Add(lease).UnixMilli()),
			Member: members[0],
		}).Err(); err == nil {
			task.Receipt = members[0]
		}
		return &task, nil
	}

	return nil, nil
}

// AckTask clears a claimed task's pending entry. Called once processing has
// reached a terminal hand-off: result persisted, or task re-published.
func (s *RedisStore) AckTask(ctx context.Context, lane models.Lane, receipt string) error {
	if receipt == "" {
		return nil
	}
	return s.client.ZRem(ctx, pendingKey(lane), receipt).Err()
}

// reapLapsedClaims returns claimed tasks whose pending lease expired to the
// ready set. Covers workers that crashed between claim and ack.
func (s *RedisStore) reapLapsedClaims(ctx context.Context, lane models.Lane, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, pendingKey(lane), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := s.client.ZRem(ctx, pendingKey(lane), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker reaped it
		}

		var task models.Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			continue
		}

		if err := s.client.ZAdd(ctx, readyKey(lane), redis.Z{
			Score:  readyScore(task.Priority, task.EnqueuedAt),
			Member: member,
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// promoteDue moves delayed tasks whose visibility time has passed onto the
// ready set, preserving their original priority and arrival order.
func (s *RedisStore) promoteDue(ctx context.Context, lane models.Lane, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, delayedKey(lane), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := s.client.ZRem(ctx, delayedKey(lane), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it
		}

		var task models.Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			continue
		}

		if err := s.client.ZAdd(ctx, readyKey(lane), redis.Z{
			Score:  readyScore(task.Priority, task.EnqueuedAt),
			Member: member,
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// PromoteSession makes the earliest delayed task for a session immediately
// visible, skipping the remainder of its delay. Used to chain rapid
// follow-ups as soon as the previous response releases the session.
func (s *RedisStore) PromoteSession(ctx context.Context, lane models.Lane, sessionID string) (bool, error) {
	members, err := s.client.ZRange(ctx, delayedKey(lane), 0, -1).Result()
	if err != nil {
		return false, err
	}

	var (
		earliest     string
		earliestTask models.Task
		found        bool
	)
	for _, member := range members {
		var task models.Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			continue
		}
		if task.SessionID != sessionID {
			continue
		}
		if !found || task.EnqueuedAt < earliestTask.EnqueuedAt {
			earliest, earliestTask, found = member, task, true
		}
	}
	if !found {
		return false, nil
	}

	removed, err := s.client.ZRem(ctx, delayedKey(lane), earliest).Result()
	if err != nil || removed == 0 {
		return false, err
	}

	err = s.client.ZAdd(ctx, readyKey(lane), redis.Z{
		Score:  readyScore(earliestTask.Priority, earliestTask.EnqueuedAt),
		Member: earliest,
	}).Err()
	return err == nil, err
}

// QueueDepth returns the ready and delayed task counts for a lane.
func (s *RedisStore) QueueDepth(ctx context.Context, lane models.Lane) (ready, delayed int64, err error) {
	pipe := s.client.Pipeline()
	readyCmd := pipe.ZCard(ctx, readyKey(lane))
	delayedCmd := pipe.ZCard(ctx, delayedKey(lane))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return readyCmd.Val(), delayedCmd.Val(), nil
}

// breakerOpenKey returns the key recording when an operation's breaker
// opened.
func breakerOpenKey(op string) string {
	return fmt.Sprintf("breaker:%s:open", op)
}

// breakerFailKey returns the key for an operation's failure counter.
func breakerFailKey(op string) string {
	return fmt.Sprintf("breaker:%s:failures", op)
}

// breakerProbeKey returns the key claiming the single half-open probe.
func breakerProbeKey(op string) string {
	return fmt.Sprintf("breaker:%s:probe", op)
}

// BreakerFailure increments an operation's failure counter inside the
// sliding window and returns the new count.
func (s *RedisStore) BreakerFailure(ctx context.Context, op string, window time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, breakerFailKey(op))
	pipe.PExpire(ctx, breakerFailKey(op), window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// BreakerOpen marks the operation's circuit open as of now.
func (s *RedisStore) BreakerOpen(ctx context.Context, op string, now time.Time) error {
	return s.client.Set(ctx, breakerOpenKey(op), now.UnixMilli(), 0).Err()
}

// BreakerOpenedAt returns when the circuit opened, or zero time if closed.
func (s *RedisStore) BreakerOpenedAt(ctx context.Context, op string) (time.Time, error) {
	ms, err := s.client.Get(ctx, breakerOpenKey(op)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// BreakerTryProbe claims the single half-open probe slot. Only one caller
// across all workers wins the claim per recovery window.
func (s *RedisStore) BreakerTryProbe(ctx context.Context, op string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, breakerProbeKey(op), "1", ttl).Result()
}

// BreakerReset closes the circuit after a successful probe.
func (s *RedisStore) BreakerReset(ctx context.Context, op string) error {
	return s.client.Del(ctx, breakerOpenKey(op), breakerFailKey(op), breakerProbeKey(op)).Err()
}

// BreakerClearProbe releases the probe slot after a failed probe so the
// next recovery window can try again.
func (s *RedisStore) BreakerClearProbe(ctx context.Context, op string) error {
	return s.client.Del(ctx, breakerProbeKey(op)).Err()
}

// PublishEvent publishes a JSON payload on the events channel.
func (s *RedisStore) PublishEvent(ctx context.Context, payload []byte) error {
	return s.client.Publish(ctx, EventChannel, payload).Err()
}

func observeRedis(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}
