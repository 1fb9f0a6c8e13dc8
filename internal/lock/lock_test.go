package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTryAcquireRejectsWhileHeld(t *testing.T) {
	tbl := New()
	h1, ok := tbl.TryAcquire("room_join:game:ABC123", time.Second)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := tbl.TryAcquire("room_join:game:ABC123", time.Second); ok {
		t.Fatal("expected second acquire to fail while held")
	}
	if h1.Token == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestTryAcquireSucceedsAfterExpiry(t *testing.T) {
	tbl := New()
	if _, ok := tbl.TryAcquire("k", time.Millisecond); !ok {
		t.Fatal("expected initial acquire")
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := tbl.TryAcquire("k", time.Second); !ok {
		t.Fatal("expected acquire to succeed once the prior entry expired")
	}
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	tbl := New()
	h, _ := tbl.TryAcquire("k", time.Second)
	wrong := Handle{Name: "k", Token: "not-the-token"}
	if tbl.Release(wrong) {
		t.Fatal("expected release with wrong token to fail")
	}
	if !tbl.Release(h) {
		t.Fatal("expected release with correct token to succeed")
	}
	if tbl.IsLocked("k") {
		t.Fatal("expected lock to be released")
	}
}

func TestExtendRequiresMatchingToken(t *testing.T) {
	tbl := New()
	h, _ := tbl.TryAcquire("k", 10*time.Millisecond)
	if !tbl.Extend(h, time.Minute) {
		t.Fatal("expected extend to succeed with matching token")
	}
	time.Sleep(20 * time.Millisecond)
	if !tbl.IsLocked("k") {
		t.Fatal("expected lock to still be held after extend")
	}
}

func TestAcquireRetriesUntilReleased(t *testing.T) {
	tbl := New()
	h, _ := tbl.TryAcquire("k", 50*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tbl.Release(h)
	}()

	policy := BackoffPolicy{MaxAttempts: 10, Initial: 5 * time.Millisecond, Multiplier: 1.2, Cap: 50 * time.Millisecond, Jitter: 0}
	if _, err := tbl.Acquire(context.Background(), "k", time.Second, policy); err != nil {
		t.Fatalf("expected eventual acquisition, got %v", err)
	}
}

func TestAcquireExhaustsBudget(t *testing.T) {
	tbl := New()
	tbl.TryAcquire("k", time.Minute)

	policy := BackoffPolicy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 1, Cap: time.Millisecond, Jitter: 0}
	if _, err := tbl.Acquire(context.Background(), "k", time.Second, policy); err != ErrNotAcquired {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	tbl := New()
	tbl.TryAcquire("k", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := BackoffPolicy{MaxAttempts: 10, Initial: 50 * time.Millisecond, Multiplier: 1, Cap: 50 * time.Millisecond, Jitter: 0}
	if _, err := tbl.Acquire(ctx, "k", time.Second, policy); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	tbl := New()
	tbl.TryAcquire("expired", time.Millisecond)
	tbl.TryAcquire("live", time.Minute)
	time.Sleep(5 * time.Millisecond)

	if got := tbl.Cleanup(); got != 1 {
		t.Fatalf("expected 1 removed, got %d", got)
	}
	if !tbl.IsLocked("live") {
		t.Fatal("expected live lock to survive cleanup")
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	tbl := New()
	called := false
	boom := errors.New("boom")
	err := tbl.WithLock(context.Background(), "k", time.Second, DefaultBackoff, func() error {
		called = true
		return boom
	})
	if err != boom {
		t.Fatalf("expected fn's error to be returned, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if tbl.IsLocked("k") {
		t.Fatal("expected lock released after WithLock returns")
	}
}
