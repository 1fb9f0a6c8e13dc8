package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := New("test")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Check(ctx, "k1", 3, time.Minute) {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if l.Check(ctx, "k1", 3, time.Minute) {
		t.Fatal("expected 4th request to be rejected")
	}
}

func TestCheckZeroLimitAlwaysRejects(t *testing.T) {
	l := New("test")
	if l.Check(context.Background(), "k1", 0, time.Minute) {
		t.Fatal("expected zero limit to reject")
	}
}

func TestCheckRejectionDoesNotAppend(t *testing.T) {
	l := New("test")
	now := time.Now()
	for i := 0; i < 2; i++ {
		if !l.checkAt("k1", 2, time.Minute, now) {
			t.Fatal("expected acceptance")
		}
	}
	if l.checkAt("k1", 2, time.Minute, now) {
		t.Fatal("expected rejection at limit")
	}
	e := l.entryFor("k1")
	if len(e.timestamps) != 2 {
		t.Fatalf("expected rejection to leave window untouched, got %d entries", len(e.timestamps))
	}
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	l := New("test")
	base := time.Now()
	if !l.checkAt("k1", 1, time.Minute, base) {
		t.Fatal("expected first request allowed")
	}
	if l.checkAt("k1", 1, time.Minute, base.Add(30*time.Second)) {
		t.Fatal("expected second request within window to be rejected")
	}
	if !l.checkAt("k1", 1, time.Minute, base.Add(61*time.Second)) {
		t.Fatal("expected request after window to be allowed")
	}
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	l := New("test")
	ctx := context.Background()
	if !l.Check(ctx, "a", 1, time.Minute) {
		t.Fatal("expected key a allowed")
	}
	if !l.Check(ctx, "b", 1, time.Minute) {
		t.Fatal("expected key b allowed independently of a")
	}
}

func TestCleanupRemovesEmptyKeys(t *testing.T) {
	l := New("test")
	base := time.Now()
	l.checkAt("k1", 5, time.Minute, base.Add(-2*time.Minute))
	if got := l.Cleanup(time.Minute); got != 1 {
		t.Fatalf("expected 1 key removed, got %d", got)
	}
	if l.KeyCount() != 0 {
		t.Fatalf("expected 0 keys remaining, got %d", l.KeyCount())
	}
}

func TestConcurrentAccessIsRace(t *testing.T) {
	l := New("test")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Check(context.Background(), "shared", 1000, time.Minute)
		}(i)
	}
	wg.Wait()
	if l.entryFor("shared") == nil {
		t.Fatal("expected entry to exist")
	}
}
