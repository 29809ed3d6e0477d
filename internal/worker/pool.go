// Package worker implements the lane worker pools: stateless pull-based
// consumers that dequeue a task, take the session lock, call the
// completion service through the circuit breaker, persist the result and
// chain any buffered follow-up for the same session.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/breaker"
	"github.com/convoq/convoq/internal/completion"
	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/events"
	"github.com/convoq/convoq/internal/lock"
	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/queue"
	"github.com/convoq/convoq/internal/retry"
	"github.com/convoq/convoq/internal/store"
	"github.com/convoq/convoq/internal/waiter"
)

// ErrLockLost marks the lost-lease race: the worker no longer owned the
// session when it came time to persist. Logged as its own error class
// since repeated hits mean the lease duration is mis-tuned.
var ErrLockLost = errors.New("worker: session lock lost before persist")

// opGenerate is the breaker's logical operation name for completion calls.
const opGenerate = "generate"

// Pool serves one lane with a fixed number of workers.
type Pool struct {
	lane    models.Lane
	lanes   queue.Lanes
	coord   *lock.Coordinator
	brk     *breaker.Breaker
	svc     completion.Service
	results store.ResultStore
	retries *retry.Handler
	waiter  *waiter.Waiter
	emitter *events.Emitter
	cfg     *config.Config
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewPool creates a worker pool for a lane.
func NewPool(lane models.Lane, lanes queue.Lanes, coord *lock.Coordinator, brk *breaker.Breaker,
	svc completion.Service, results store.ResultStore, retries *retry.Handler, w *waiter.Waiter,
	emitter *events.Emitter, cfg *config.Config, logger zerolog.Logger) *Pool {
	return &Pool{
		lane:    lane,
		lanes:   lanes,
		coord:   coord,
		brk:     brk,
		svc:     svc,
		results: results,
		retries: retries,
		waiter:  w,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "worker").Str("lane", string(lane)).Logger(),
	}
}

// Start launches n workers pulling from the pool's lane until ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
}

// Wait blocks until every worker has drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run is one worker's pull loop.
func (p *Pool) run(ctx context.Context) {
	workerID := uuid.New().String()
	logger := p.logger.With().Str("worker", workerID).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.lanes[p.lane].Dequeue(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx)
			continue
		}
		if task == nil {
			p.sleep(ctx)
			continue
		}

		p.process(ctx, workerID, task)

		// Terminal hand-off reached: result persisted, dead-lettered or
		// re-published. Release the claim so the lapsed-lease reaper does
		// not redeliver it.
		if err := p.lanes[p.lane].Ack(detached(ctx), task); err != nil {
			logger.Warn().Err(err).Str("message", task.MessageID).Msg("claim ack failed")
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.DequeuePoll):
	}
}

// process runs the per-task algorithm: TTL check, lock acquisition, lease
// extension, guarded completion call, ownership re-validation, persist,
// release, chain.
func (p *Pool) process(ctx context.Context, workerID string, task *models.Task) {
	if task.Expired(time.Now()) {
		if err := p.retries.HandleExpired(detached(ctx), task); err != nil {
			p.logger.Error().Err(err).Str("message", task.MessageID).Msg("expired task handling failed")
		}
		return
	}

	acquired, err := p.coord.TryAcquire(ctx, task.SessionID, workerID, p.cfg.LockTTL)
	if !acquired {
		if err != nil {
			// Store unreachable: leave the task queued for later delivery.
			p.requeue(ctx, task)
			return
		}
		p.handleContention(ctx, workerID, task)
		return
	}

	p.processLocked(ctx, workerID, task)
}

// processLocked runs the guarded completion call. The caller has already
// acquired the session lock for workerID.
func (p *Pool) processLocked(ctx context.Context, workerID string, task *models.Task) {
	released := false
	defer func() {
		if !released {
			// Always release, whether the call succeeded or not.
			if _, err := p.coord.Release(detached(ctx), task.SessionID, workerID); err != nil {
				p.logger.Warn().Err(err).Str("session", task.SessionID).Msg("lock release failed")
			}
		}
	}()

	// Cover the expected external-call duration with headroom; a lease that
	// runs out mid-call forces the duplicate-processing abort below.
	if ok, err := p.coord.Extend(ctx, task.SessionID, workerID, p.cfg.GenerationLease); err != nil || !ok {
		p.lockLost(ctx, task, workerID)
		return
	}

	p.emitter.Emit(ctx, models.Event{
		Type:      models.EventGenerationStarted,
		MessageID: task.MessageID,
		SessionID: task.SessionID,
		Lane:      task.Lane,
		Attempt:   task.Attempt,
	})

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CompletionTimeout)
	defer cancel()

	var result string
	err := p.brk.Do(callCtx, opGenerate, func(ctx context.Context) error {
		r, genErr := p.svc.Generate(ctx, task.Payload)
		result = r
		return genErr
	})
	if err != nil {
		metrics.TasksProcessed.WithLabelValues(string(task.Lane), "failure").Inc()
		p.emitter.Emit(ctx, models.Event{
			Type:      models.EventGenerationFailed,
			MessageID: task.MessageID,
			SessionID: task.SessionID,
			Lane:      task.Lane,
			Attempt:   task.Attempt,
			Error:     err.Error(),
		})
		if err := p.retries.HandleFailure(detached(ctx), task, err); err != nil {
			p.logger.Error().Err(err).Str("message", task.MessageID).Msg("retry handling failed")
		}
		return
	}

	// The generation took seconds: re-validate ownership before applying
	// side effects. If the lease lapsed and the session was reassigned,
	// persisting now would race the new holder and could invert order.
	owns, err := p.coord.Owns(ctx, task.SessionID, workerID)
	if err != nil || !owns {
		p.lockLost(ctx, task, workerID)
		return
	}

	if err := p.results.StoreResult(ctx, task.MessageID, task.SessionID, result); err != nil {
		if rerr := p.retries.HandleFailure(detached(ctx), task, err); rerr != nil {
			p.logger.Error().Err(rerr).Str("message", task.MessageID).Msg("retry handling failed")
		}
		return
	}

	metrics.TasksProcessed.WithLabelValues(string(task.Lane), "success").Inc()
	p.emitter.Emit(ctx, models.Event{
		Type:      models.EventGenerationCompleted,
		MessageID: task.MessageID,
		SessionID: task.SessionID,
		Lane:      task.Lane,
		Attempt:   task.Attempt,
	})

	// Release before chaining so the promoted follow-up can take the lock.
	released = true
	if _, err := p.coord.Release(detached(ctx), task.SessionID, workerID); err != nil {
		p.logger.Warn().Err(err).Str("session", task.SessionID).Msg("lock release failed")
	}

	// A follow-up may have been buffered while we held the session. Make it
	// visible now instead of letting it sit out its delay: this is what
	// keeps rapid back-and-forth conversations ordered and snappy.
	if promoted, err := p.lanes[models.LaneBuffer].PromoteSession(detached(ctx), task.SessionID); err == nil && promoted {
		p.logger.Debug().Str("session", task.SessionID).Msg("buffered follow-up promoted")
	}
}

// handleContention routes a task that failed lock acquisition. Buffer
// tasks enter the bounded wait loop; urgent tasks retry briefly before
// deferring; normal tasks defer straight to the buffer lane.
func (p *Pool) handleContention(ctx context.Context, workerID string, task *models.Task) {
	if task.Lane == models.LaneBuffer {
		if err := p.waiter.Reroute(ctx, task); err != nil {
			p.logger.Error().Err(err).Str("message", task.MessageID).Msg("buffer reroute failed")
		}
		return
	}

	if task.Lane == models.LaneUrgent {
		for i := 0; i < p.cfg.AcquireRetries; i++ {
			select {
			case <-ctx.Done():
				p.requeue(ctx, task)
				return
			case <-time.After(p.cfg.AcquireBackoff):
			}
			acquired, err := p.coord.TryAcquire(ctx, task.SessionID, workerID, p.cfg.LockTTL)
			if err != nil {
				break
			}
			if acquired {
				p.processLocked(ctx, workerID, task)
				return
			}
		}
	}

	// Defer behind the lock holder.
	task.Lane = models.LaneBuffer
	task.Priority = models.PriorityMid
	if err := p.lanes.Enqueue(ctx, task, p.cfg.BufferDelay); err != nil {
		p.logger.Error().Err(err).Str("message", task.MessageID).Msg("buffer fallback enqueue failed")
	}
}

// requeue puts a task back on its own lane, ready immediately.
func (p *Pool) requeue(ctx context.Context, task *models.Task) {
	if err := p.lanes.Enqueue(detached(ctx), task, 0); err != nil {
		p.logger.Error().Err(err).Str("message", task.MessageID).Msg("requeue failed")
	}
}

// lockLost handles the lost-lease race: abort side effects and re-enqueue.
func (p *Pool) lockLost(ctx context.Context, task *models.Task, workerID string) {
	metrics.LocksLost.Inc()
	metrics.TasksProcessed.WithLabelValues(string(task.Lane), "lock_lost").Inc()
	p.emitter.Emit(ctx, models.Event{
		Type:      models.EventLockLost,
		MessageID: task.MessageID,
		SessionID: task.SessionID,
		Lane:      task.Lane,
		Attempt:   task.Attempt,
	})
	p.logger.Error().
		Str("message", task.MessageID).
		Str("session", task.SessionID).
		Str("worker", workerID).
		Msg("lock lost mid-generation; result discarded, lease may be mis-tuned")

	if err := p.retries.HandleFailure(detached(ctx), task, ErrLockLost); err != nil {
		p.logger.Error().Err(err).Str("message", task.MessageID).Msg("retry handling failed")
	}
}

// detached strips cancellation so cleanup and requeue paths complete even
// during shutdown.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
