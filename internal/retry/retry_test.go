package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/events"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/queue"
	"github.com/convoq/convoq/internal/store"
)

// fakeResults is an in-memory ResultStore.
type fakeResults struct {
	mu      sync.Mutex
	results map[string]string
	dead    map[string]models.DeadLetterEntry
}

func newFakeResults() *fakeResults {
	return &fakeResults{
		results: make(map[string]string),
		dead:    make(map[string]models.DeadLetterEntry),
	}
}

func (f *fakeResults) Close()                           {}
func (f *fakeResults) Ping(ctx context.Context) error   { return nil }

func (f *fakeResults) StoreResult(ctx context.Context, messageID, sessionID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[messageID]; !ok {
		f.results[messageID] = body
	}
	return nil
}

func (f *fakeResults) GetResult(ctx context.Context, messageID string) (*models.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.results[messageID]
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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DeadLetterEntry
	for _, e := range f.dead {
		if !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
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

var _ store.ResultStore = (*fakeResults)(nil)

func newTestHandler(t *testing.T) (*Handler, queue.Lanes, *fakeResults) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := store.NewRedisStoreFromClient(client)

	cfg := &config.Config{
		MaxRetries:       2,
		RetryBackoffBase: 20 * time.Millisecond,
		NormalTTL:        time.Minute,
		UrgentTTL:        time.Minute,
		BufferTTL:        time.Minute,
		PendingLease:     time.Minute,
	}

	lanes := queue.NewLanes(rs, cfg)
	results := newFakeResults()
	emitter := events.NewEmitter(rs, zerolog.Nop())
	return NewHandler(lanes, results, emitter, cfg, zerolog.Nop()), lanes, results
}

func TestBackoffDoubles(t *testing.T) {
	h, _, _ := newTestHandler(t)

	if got := h.Backoff(1); got != 20*time.Millisecond {
		t.Fatalf("attempt 1: %v", got)
	}
	if got := h.Backoff(2); got != 40*time.Millisecond {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := h.Backoff(3); got != 80*time.Millisecond {
		t.Fatalf("attempt 3: %v", got)
	}
}

func TestFailureRepublishesWithBackoff(t *testing.T) {
	h, lanes, results := newTestHandler(t)
	ctx := context.Background()

	task := &models.Task{MessageID: "m1", SessionID: "s1", Lane: models.LaneNormal}
	if err := h.HandleFailure(ctx, task, errors.New("transient")); err != nil {
		t.Fatal(err)
	}

	if task.Attempt != 1 {
		t.Fatalf("attempt not incremented: %d", task.Attempt)
	}

	// Re-published with a visibility delay, not ready yet.
	ready, delayed, err := lanes[models.LaneNormal].Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ready != 0 || delayed != 1 {
		t.Fatalf("expected 0 ready / 1 delayed, got %d/%d", ready, delayed)
	}

	if n, _ := results.CountDeadLetters(ctx); n != 0 {
		t.Fatalf("dead-lettered before budget exhausted: %d", n)
	}
}

func TestExhaustedBudgetDeadLetters(t *testing.T) {
	h, lanes, results := newTestHandler(t)
	ctx := context.Background()

	cause := errors.New("permanent outage")
	task := &models.Task{MessageID: "m1", SessionID: "s1", Payload: "hi", Lane: models.LaneUrgent}

	// MaxRetries=2: attempts 1 and 2 re-publish, attempt 3 parks.
	for i := 0; i < 3; i++ {
		if err := h.HandleFailure(ctx, task, cause); err != nil {
			t.Fatal(err)
		}
	}

	entry, err := results.GetDeadLetter(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("no dead-letter entry after budget exhausted")
	}
	if entry.AttemptCount != 3 {
		t.Fatalf("expected 3 attempts, got %d", entry.AttemptCount)
	}
	if entry.LastError != "permanent outage" {
		t.Fatalf("last error not recorded: %q", entry.LastError)
	}

	// The third failure must not have re-queued the task.
	_, delayed, _ := lanes[models.LaneUrgent].Depth(ctx)
	if delayed != 2 {
		t.Fatalf("expected 2 delayed re-publishes, got %d", delayed)
	}
}

func TestExpiredTaskEntersRetryPath(t *testing.T) {
	h, lanes, _ := newTestHandler(t)
	ctx := context.Background()

	task := &models.Task{MessageID: "m1", SessionID: "s1", Lane: models.LaneBuffer, ExpiresAt: 1}
	if err := h.HandleExpired(ctx, task); err != nil {
		t.Fatal(err)
	}

	_, delayed, err := lanes[models.LaneBuffer].Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if delayed != 1 {
		t.Fatalf("expired task not re-published: %d delayed", delayed)
	}
}

func TestRequeueResurrectsDeadLetter(t *testing.T) {
	h, lanes, results := newTestHandler(t)
	ctx := context.Background()

	entry := &models.DeadLetterEntry{
		MessageID:    "m1",
		SessionID:    "s1",
		Payload:      "hi",
		Lane:         models.LaneUrgent,
		AttemptCount: 3,
		NextRetryAt:  time.Now().Add(-time.Second),
	}
	if err := results.CreateDeadLetter(ctx, entry); err != nil {
		t.Fatal(err)
	}

	if err := h.Requeue(ctx, entry); err != nil {
		t.Fatal(err)
	}

	// Back on the normal lane with a fresh budget, entry removed.
	got, err := lanes[models.LaneNormal].Dequeue(ctx)
	if err != nil || got == nil {
		t.Fatalf("dequeue: %+v %v", got, err)
	}
	if got.Attempt != 0 {
		t.Fatalf("attempt budget not reset: %d", got.Attempt)
	}
	if e, _ := results.GetDeadLetter(ctx, "m1"); e != nil {
		t.Fatal("dead-letter entry survived requeue")
	}
}

func TestSweepRequeuesDueEntries(t *testing.T) {
	h, lanes, results := newTestHandler(t)
	ctx := context.Background()

	due := &models.DeadLetterEntry{
		MessageID:   "due",
		SessionID:   "s1",
		Lane:        models.LaneNormal,
		NextRetryAt: time.Now().Add(-time.Minute),
	}
	future := &models.DeadLetterEntry{
		MessageID:   "future",
		SessionID:   "s2",
		Lane:        models.LaneNormal,
		NextRetryAt: time.Now().Add(time.Hour),
	}
	_ = results.CreateDeadLetter(ctx, due)
	_ = results.CreateDeadLetter(ctx, future)

	h.Sweep(ctx)

	got, err := lanes[models.LaneNormal].Dequeue(ctx)
	if err != nil || got == nil || got.MessageID != "due" {
		t.Fatalf("expected due entry requeued, got %+v err=%v", got, err)
	}
	if e, _ := results.GetDeadLetter(ctx, "future"); e == nil {
		t.Fatal("future entry swept early")
	}
}
