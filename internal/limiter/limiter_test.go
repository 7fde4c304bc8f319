package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/store"
)

func newTestBurst(t *testing.T) (*Burst, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.Now = func() time.Time { return now }
	b := NewBurst(mem).WithClock(func() time.Time { return now })
	return b, &now
}

func TestAction_CapPerWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.Now = func() time.Time { return now }
	a := NewAction(mem)
	ctx := context.Background()

	for i := 0; i < actionCap; i++ {
		if !a.Allow(ctx, "login", "alice") {
			t.Fatalf("attempt %d rejected, want allowed", i+1)
		}
	}
	if a.Allow(ctx, "login", "alice") {
		t.Error("attempt over cap allowed")
	}

	// unrelated identifiers and actions keep their own windows
	if !a.Allow(ctx, "login", "bob") {
		t.Error("other identifier rejected")
	}
	if !a.Allow(ctx, "signup", "alice") {
		t.Error("other action rejected")
	}

	// a fresh window resets the counter
	now = now.Add(actionWindow + time.Second)
	if !a.Allow(ctx, "login", "alice") {
		t.Error("attempt in fresh window rejected")
	}
}

func TestAction_EmptyIdentifierAllowed(t *testing.T) {
	a := NewAction(store.NewMemory())
	if !a.Allow(context.Background(), "login", "") {
		t.Error("empty identifier should not be limited")
	}
}

func TestBurst_ShortWindow(t *testing.T) {
	b, now := newTestBurst(t)
	ctx := context.Background()

	// three messages spaced 3s apart pass every check
	for i := 0; i < 3; i++ {
		if err := b.Allow(ctx, "general", "alice"); err != nil {
			t.Fatalf("message %d rejected: %v", i+1, err)
		}
		*now = now.Add(3 * time.Second)
	}
	// the 4th inside the same 10s window trips the short cap
	if err := b.Allow(ctx, "general", "alice"); apperr.KindOf(err) != apperr.RateLimited {
		t.Errorf("4th message error = %v, want RateLimited", err)
	}

	// once the short window lapses the user can send again
	*now = now.Add(shortWindow)
	if err := b.Allow(ctx, "general", "alice"); err != nil {
		t.Errorf("message after window rejected: %v", err)
	}
}

func TestBurst_MinimumInterval(t *testing.T) {
	b, now := newTestBurst(t)
	ctx := context.Background()

	if err := b.Allow(ctx, "general", "alice"); err != nil {
		t.Fatalf("first message rejected: %v", err)
	}

	// 1.9s later: too fast
	*now = now.Add(1900 * time.Millisecond)
	if err := b.Allow(ctx, "general", "alice"); apperr.KindOf(err) != apperr.RateLimited {
		t.Errorf("1.9s interval error = %v, want RateLimited", err)
	}

	// exactly 2.0s after the last accepted message: allowed
	*now = now.Add(100 * time.Millisecond)
	if err := b.Allow(ctx, "general", "alice"); err != nil {
		t.Errorf("2.0s interval rejected: %v", err)
	}
}

func TestBurst_RejectionDoesNotCount(t *testing.T) {
	b, now := newTestBurst(t)
	ctx := context.Background()

	b.Allow(ctx, "general", "alice")
	// hammer inside the interval; none of these should consume window quota
	for i := 0; i < 5; i++ {
		*now = now.Add(100 * time.Millisecond)
		if err := b.Allow(ctx, "general", "alice"); apperr.KindOf(err) != apperr.RateLimited {
			t.Fatalf("rapid message %d error = %v, want RateLimited", i+1, err)
		}
	}
	// still only 1 of 3 short-window slots used
	*now = now.Add(2 * time.Second)
	if err := b.Allow(ctx, "general", "alice"); err != nil {
		t.Errorf("message after backoff rejected: %v", err)
	}
}

func TestBurst_LongWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.Now = func() time.Time { return now }
	b := NewBurst(mem).WithClock(func() time.Time { return now })
	ctx := context.Background()

	// Verify the long-window boundary in isolation: a counter already at the
	// cap rejects even when the short window and interval checks would pass.
	mem.Set(ctx, longPrefix+"general:alice", "20", longWindow)
	if err := b.Allow(ctx, "general", "alice"); apperr.KindOf(err) != apperr.RateLimited {
		t.Errorf("message over long cap error = %v, want RateLimited", err)
	}

	// one below the cap passes
	mem.Set(ctx, longPrefix+"general:alice", "19", longWindow)
	if err := b.Allow(ctx, "general", "alice"); err != nil {
		t.Errorf("message under long cap rejected: %v", err)
	}
}

func TestBurst_IndependentRoomsAndUsers(t *testing.T) {
	b, _ := newTestBurst(t)
	ctx := context.Background()

	b.Allow(ctx, "general", "alice")
	if err := b.Allow(ctx, "general", "bob"); err != nil {
		t.Errorf("other user limited: %v", err)
	}
	if err := b.Allow(ctx, "random", "alice"); err != nil {
		t.Errorf("other room limited: %v", err)
	}
}

// failingStore errors on every call to exercise the fail-open path.
type failingStore struct {
	store.Store
}

func (failingStore) Incr(context.Context, string) (int64, error) {
	return 0, context.DeadlineExceeded
}

func (failingStore) Get(context.Context, string) (string, error) {
	return "", context.DeadlineExceeded
}

func TestFailOpen(t *testing.T) {
	ctx := context.Background()

	a := NewAction(failingStore{})
	if !a.Allow(ctx, "login", "alice") {
		t.Error("action limiter did not fail open")
	}

	b := NewBurst(failingStore{})
	if err := b.Allow(ctx, "general", "alice"); err != nil {
		t.Errorf("burst limiter did not fail open: %v", err)
	}
}

// expireFailStore counts but cannot set windows; without cleanup the
// counters it leaves behind would never reset.
type expireFailStore struct {
	store.Store
}

func (expireFailStore) Expire(context.Context, string, time.Duration) error {
	return context.DeadlineExceeded
}

func TestExpireFailureDropsCounter(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	a := NewAction(expireFailStore{Store: mem})
	if !a.Allow(ctx, "login", "alice") {
		t.Error("action limiter did not fail open on expire failure")
	}
	if _, err := mem.Get(ctx, actionPrefix+"login:alice"); err != store.ErrNotFound {
		t.Errorf("action counter survived failed expire: %v", err)
	}

	b := NewBurst(expireFailStore{Store: mem})
	if err := b.Allow(ctx, "general", "alice"); err != nil {
		t.Errorf("burst limiter did not fail open on expire failure: %v", err)
	}
	if _, err := mem.Get(ctx, shortPrefix+"general:alice"); err != store.ErrNotFound {
		t.Errorf("short counter survived failed expire: %v", err)
	}
}
