package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/lock"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/store"
)

func newTestRouter(t *testing.T) (*miniredis.Miniredis, *store.RedisStore, *lock.Coordinator, *Router) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := store.NewRedisStoreFromClient(client)
	coord := lock.NewCoordinator(rs, zerolog.Nop())
	cfg := &config.Config{
		FrequencyThreshold: 3,
		FrequencyWindow:    5 * time.Minute,
		FollowUpWindow:     2 * time.Minute,
		BufferDelay:        5 * time.Second,
	}
	return mr, rs, coord, New(rs, coord, cfg, zerolog.Nop())
}

func msg(id, session string) *models.InboundMessage {
	return &models.InboundMessage{MessageID: id, SessionID: session, Payload: "hi"}
}

func TestFirstMessageRoutesNormal(t *testing.T) {
	_, _, _, rt := newTestRouter(t)

	route, err := rt.Route(context.Background(), msg("m1", "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if route.Lane != models.LaneNormal {
		t.Fatalf("expected normal, got %s", route.Lane)
	}
	if route.Priority != models.PriorityDefault {
		t.Fatalf("expected default priority, got %d", route.Priority)
	}
	if route.RoutingKey != "normal:s1" {
		t.Fatalf("unexpected routing key %q", route.RoutingKey)
	}
}

func TestLockedSessionRoutesToBuffer(t *testing.T) {
	_, _, coord, rt := newTestRouter(t)
	ctx := context.Background()

	if ok, _ := coord.TryAcquire(ctx, "s1", "worker-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}

	route, err := rt.Route(ctx, msg("m1", "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if route.Lane != models.LaneBuffer {
		t.Fatalf("expected buffer, got %s", route.Lane)
	}
	if route.Delay != 5*time.Second {
		t.Fatalf("expected buffer delay, got %v", route.Delay)
	}
	if route.Priority != models.PriorityMid {
		t.Fatalf("expected mid priority, got %d", route.Priority)
	}
}

func TestBurstySessionRoutesUrgent(t *testing.T) {
	_, _, _, rt := newTestRouter(t)
	ctx := context.Background()

	// Four messages inside the window: the fourth crosses threshold=3.
	var route models.QueueRoute
	var err error
	for i := 1; i <= 4; i++ {
		route, err = rt.Route(ctx, msg(fmt.Sprintf("m%d", i), "s1"))
		if err != nil {
			t.Fatal(err)
		}
	}

	if route.Lane != models.LaneUrgent {
		t.Fatalf("expected urgent for 4th message, got %s", route.Lane)
	}
	if route.Priority != models.PriorityBurst {
		t.Fatalf("expected burst priority, got %d", route.Priority)
	}
}

func TestFollowUpRoutesUrgent(t *testing.T) {
	_, _, _, rt := newTestRouter(t)
	ctx := context.Background()

	if _, err := rt.Route(ctx, msg("m1", "s1")); err != nil {
		t.Fatal(err)
	}

	// Second message arrives well inside the follow-up window.
	route, err := rt.Route(ctx, msg("m2", "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if route.Lane != models.LaneUrgent {
		t.Fatalf("expected urgent follow-up, got %s", route.Lane)
	}
	if route.Priority != models.PriorityFollowUp {
		t.Fatalf("expected follow-up priority, got %d", route.Priority)
	}
}

func TestFrequencyCountedExactlyOncePerMessage(t *testing.T) {
	_, rs, coord, rt := newTestRouter(t)
	ctx := context.Background()

	// Route through every branch: normal, buffer (locked), urgent.
	if _, err := rt.Route(ctx, msg("m1", "s1")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := coord.TryAcquire(ctx, "s1", "worker-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	if _, err := rt.Route(ctx, msg("m2", "s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Release(ctx, "s1", "worker-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Route(ctx, msg("m3", "s1")); err != nil {
		t.Fatal(err)
	}

	count, err := rs.Frequency(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("expected frequency 3 after 3 messages, got %d", count)
	}

	// Decide re-evaluates without counting again.
	if _, err := rt.Decide(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	count, _ = rs.Frequency(ctx, "s1")
	if count != 3 {
		t.Fatalf("Decide incremented the counter: %d", count)
	}
}

func TestFrequencySubSecondWindowExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := store.NewRedisStoreFromClient(client)
	coord := lock.NewCoordinator(rs, zerolog.Nop())
	cfg := &config.Config{
		FrequencyThreshold: 3,
		FrequencyWindow:    200 * time.Millisecond,
		FollowUpWindow:     2 * time.Minute,
		BufferDelay:        5 * time.Second,
	}
	rt := New(rs, coord, cfg, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rt.Route(ctx, msg(fmt.Sprintf("m%d", i), "s1")); err != nil {
			t.Fatal(err)
		}
	}

	// The counter's TTL keeps millisecond resolution; a 200ms window must
	// not be rounded up to a whole second.
	mr.FastForward(250 * time.Millisecond)

	count, err := rs.Frequency(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected counter to expire with the window, got %d", count)
	}
}

func TestFrequencyWindowExpires(t *testing.T) {
	mr, rs, _, rt := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rt.Route(ctx, msg(fmt.Sprintf("m%d", i), "s1")); err != nil {
			t.Fatal(err)
		}
	}

	mr.FastForward(6 * time.Minute)

	count, err := rs.Frequency(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected counter to expire with the window, got %d", count)
	}
}
