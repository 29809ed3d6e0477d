package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/breaker"
	"github.com/convoq/convoq/internal/completion"
	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/events"
	"github.com/convoq/convoq/internal/lock"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/queue"
	"github.com/convoq/convoq/internal/retry"
	"github.com/convoq/convoq/internal/router"
	"github.com/convoq/convoq/internal/store"
	"github.com/convoq/convoq/internal/waiter"
)

// fakeService is a scriptable completion backend.
type fakeService struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func(payload string) (string, error)
	calls []string
}

func (f *fakeService) Generate(ctx context.Context, payload string) (string, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, payload)
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(payload)
	}
	return "echo:" + payload, nil
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeResults records persisted results in arrival order.
type fakeResults struct {
	mu    sync.Mutex
	order []string
	body  map[string]string
	dead  map[string]models.DeadLetterEntry
}

func newFakeResults() *fakeResults {
	return &fakeResults{
		body: make(map[string]string),
		dead: make(map[string]models.DeadLetterEntry),
	}
}

func (f *fakeResults) Close()                         {}
func (f *fakeResults) Ping(ctx context.Context) error { return nil }

func (f *fakeResults) StoreResult(ctx context.Context, messageID, sessionID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.body[messageID]; !ok {
		f.body[messageID] = body
		f.order = append(f.order, messageID)
	}
	return nil
}

func (f *fakeResults) GetResult(ctx context.Context, messageID string) (*models.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.body[messageID]
	if !ok {
		return nil, nil
	}
	return &models.Result{MessageID: messageID, Body: body}, nil
}

func (f *fakeResults) CreateDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[entry.MessageID] = *entry
	return nil
}

func (f *fakeResults) GetDeadLetter(ctx context.Context, messageID string) (*models.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.dead[messageID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeResults) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DeadLetterEntry
	for _, e := range f.dead {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeResults) ListDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]models.DeadLetterEntry, error) {
	return nil, nil
}

func (f *fakeResults) DeleteDeadLetter(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dead, messageID)
	return nil
}

func (f *fakeResults) CountDeadLetters(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.dead)), nil
}

func (f *fakeResults) resultOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

var _ store.ResultStore = (*fakeResults)(nil)

type env struct {
	mr      *miniredis.Miniredis
	rs      *store.RedisStore
	coord   *lock.Coordinator
	lanes   queue.Lanes
	rt      *router.Router
	results *fakeResults
	cfg     *config.Config
	pools   map[models.Lane]*Pool
}

func newEnv(t *testing.T, svc *fakeService) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := store.NewRedisStoreFromClient(client)

	cfg := &config.Config{
		LockTTL:            500 * time.Millisecond,
		GenerationLease:    2 * time.Second,
		FrequencyThreshold: 100,
		FrequencyWindow:    5 * time.Minute,
		FollowUpWindow:     2 * time.Minute,
		BufferDelay:        10 * time.Second,
		BufferWaitBound:    2 * time.Second,
		BufferPollInterval: 10 * time.Millisecond,
		AcquireRetries:     3,
		AcquireBackoff:     10 * time.Millisecond,
		BreakerThreshold:   1000,
		BreakerWindow:      time.Minute,
		BreakerRecovery:    time.Minute,
		MaxRetries:         2,
		RetryBackoffBase:   10 * time.Millisecond,
		UrgentTTL:          time.Minute,
		NormalTTL:          time.Minute,
		BufferTTL:          time.Minute,
		DequeuePoll:        10 * time.Millisecond,
		PendingLease:       time.Minute,
		CompletionTimeout:  2 * time.Second,
	}

	logger := zerolog.Nop()
	coord := lock.NewCoordinator(rs, logger)
	lanes := queue.NewLanes(rs, cfg)
	rt := router.New(rs, coord, cfg, logger)
	emitter := events.NewEmitter(rs, logger)
	results := newFakeResults()
	retries := retry.NewHandler(lanes, results, emitter, cfg, logger)
	w := waiter.New(coord, rt, lanes, cfg, logger)

	brk := breaker.New(rs, cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerRecovery, logger)
	brk.Classify(completion.IsRetryable)

	pools := make(map[models.Lane]*Pool, len(models.Lanes))
	for _, lane := range models.Lanes {
		pools[lane] = NewPool(lane, lanes, coord, brk, svc, results, retries, w, emitter, cfg, logger)
	}

	return &env{mr: mr, rs: rs, coord: coord, lanes: lanes, rt: rt, results: results, cfg: cfg, pools: pools}
}

func (e *env) start(ctx context.Context, n int) {
	for _, p := range e.pools {
		p.Start(ctx, n)
	}
}

// submit routes a message and enqueues the resulting task, the way the
// ingest handler does.
func (e *env) submit(t *testing.T, ctx context.Context, id, session, payload string) models.QueueRoute {
	t.Helper()
	route, err := e.rt.Route(ctx, &models.InboundMessage{MessageID: id, SessionID: session, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	task := &models.Task{
		MessageID: id,
		SessionID: session,
		Payload:   payload,
		Lane:      route.Lane,
		Priority:  route.Priority,
	}
	if err := e.lanes.Enqueue(ctx, task, route.Delay); err != nil {
		t.Fatal(err)
	}
	return route
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOrderedDeliveryWithinSession(t *testing.T) {
	svc := &fakeService{delay: 300 * time.Millisecond}
	e := newEnv(t, svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.start(ctx, 2)

	e.submit(t, ctx, "m1", "s1", "first")

	// A worker picks m1 up and holds the session; the second message of the
	// conversation arrives mid-generation.
	time.Sleep(100 * time.Millisecond)
	route := e.submit(t, ctx, "m2", "s1", "second")
	if route.Lane != models.LaneBuffer {
		t.Fatalf("mid-generation message not buffered: %s", route.Lane)
	}

	start := time.Now()
	waitFor(t, 3*time.Second, func() bool {
		return len(e.results.resultOrder()) == 2
	}, "both responses were not delivered")

	order := e.results.resultOrder()
	if order[0] != "m1" || order[1] != "m2" {
		t.Fatalf("responses out of order: %v", order)
	}

	// The buffered follow-up must have been promoted on m1's completion, not
	// left to sit out its 10s visibility delay.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("follow-up was not promoted: waited %v", elapsed)
	}
}

func TestLockLostDiscardsResult(t *testing.T) {
	svc := &fakeService{}
	e := newEnv(t, svc)
	ctx := context.Background()

	// Mid-generation the lease lapses and another worker takes the session.
	svc.fn = func(payload string) (string, error) {
		e.mr.FastForward(3 * time.Second)
		ok, err := e.coord.TryAcquire(ctx, "s1", "intruder", time.Minute)
		if err != nil || !ok {
			t.Errorf("takeover acquire: ok=%v err=%v", ok, err)
		}
		return "stale result", nil
	}

	task := &models.Task{
		MessageID: "m1",
		SessionID: "s1",
		Payload:   "hi",
		Lane:      models.LaneNormal,
		Priority:  models.PriorityDefault,
	}
	e.pools[models.LaneNormal].process(ctx, "worker-1", task)

	// The stale result must not be persisted.
	if r, _ := e.results.GetResult(ctx, "m1"); r != nil {
		t.Fatalf("stale result persisted: %+v", r)
	}

	// The task re-enters the retry path instead of being dropped.
	_, delayed, err := e.lanes[models.LaneNormal].Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if delayed != 1 {
		t.Fatalf("lost task not re-published: %d delayed", delayed)
	}

	// The takeover's lock is untouched by the loser's cleanup.
	owns, err := e.coord.Owns(ctx, "s1", "intruder")
	if err != nil || !owns {
		t.Fatalf("cleanup disturbed the new holder: owns=%v err=%v", owns, err)
	}
}

func TestExpiredTaskSkipsGeneration(t *testing.T) {
	svc := &fakeService{}
	e := newEnv(t, svc)
	ctx := context.Background()

	task := &models.Task{
		MessageID: "m1",
		SessionID: "s1",
		Payload:   "hi",
		Lane:      models.LaneUrgent,
		ExpiresAt: time.Now().Add(-time.Second).UnixMilli(),
	}
	e.pools[models.LaneUrgent].process(ctx, "worker-1", task)

	if svc.callCount() != 0 {
		t.Fatal("expired task reached the completion service")
	}
	_, delayed, _ := e.lanes[models.LaneUrgent].Depth(ctx)
	if delayed != 1 {
		t.Fatalf("expired task not re-published: %d delayed", delayed)
	}
}

func TestNormalContentionDefersToBuffer(t *testing.T) {
	svc := &fakeService{}
	e := newEnv(t, svc)
	ctx := context.Background()

	if ok, _ := e.coord.TryAcquire(ctx, "s1", "other-worker", time.Hour); !ok {
		t.Fatal("acquire failed")
	}

	task := &models.Task{
		MessageID: "m1",
		SessionID: "s1",
		Payload:   "hi",
		Lane:      models.LaneNormal,
		Priority:  models.PriorityDefault,
	}
	e.pools[models.LaneNormal].process(ctx, "worker-1", task)

	if svc.callCount() != 0 {
		t.Fatal("contended task reached the completion service")
	}
	if task.Lane != models.LaneBuffer || task.Priority != models.PriorityMid {
		t.Fatalf("task not deferred to buffer: lane=%s priority=%d", task.Lane, task.Priority)
	}
	_, delayed, _ := e.lanes[models.LaneBuffer].Depth(ctx)
	if delayed != 1 {
		t.Fatalf("deferred task not delayed on buffer: %d", delayed)
	}
}

func TestUrgentContentionRetriesAcquisition(t *testing.T) {
	svc := &fakeService{}
	e := newEnv(t, svc)
	ctx := context.Background()

	if ok, _ := e.coord.TryAcquire(ctx, "s1", "other-worker", time.Hour); !ok {
		t.Fatal("acquire failed")
	}

	// The holder releases while the urgent worker is still inside its brief
	// retry loop.
	go func() {
		time.Sleep(15 * time.Millisecond)
		_, _ = e.coord.Release(ctx, "s1", "other-worker")
	}()

	task := &models.Task{
		MessageID: "m1",
		SessionID: "s1",
		Payload:   "hi",
		Lane:      models.LaneUrgent,
		Priority:  models.PriorityBurst,
	}
	e.pools[models.LaneUrgent].process(ctx, "worker-1", task)

	r, err := e.results.GetResult(ctx, "m1")
	if err != nil || r == nil {
		t.Fatalf("urgent task not processed after retry acquisition: %+v %v", r, err)
	}
	if r.Body != "echo:hi" {
		t.Fatalf("unexpected result %q", r.Body)
	}
}

func TestRetryBudgetEndsInDeadLetter(t *testing.T) {
	svc := &fakeService{}
	svc.fn = func(payload string) (string, error) {
		return "", errors.New("backend down")
	}
	e := newEnv(t, svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.start(ctx, 1)

	e.submit(t, ctx, "m1", "s1", "hi")

	// MaxRetries=2 with a 10ms backoff base: three failing attempts, then
	// the task parks durably instead of vanishing.
	waitFor(t, 3*time.Second, func() bool {
		entry, _ := e.results.GetDeadLetter(ctx, "m1")
		return entry != nil
	}, "task never dead-lettered")

	entry, _ := e.results.GetDeadLetter(ctx, "m1")
	if entry.AttemptCount != 3 {
		t.Fatalf("expected 3 attempts before parking, got %d", entry.AttemptCount)
	}
	if r, _ := e.results.GetResult(ctx, "m1"); r != nil {
		t.Fatalf("failed task persisted a result: %+v", r)
	}
}
