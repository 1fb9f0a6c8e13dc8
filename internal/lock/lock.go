// Package lock implements the named, token-owned, TTL-bounded mutex
// the room coordinator (internal/coordinator) uses to serialize
// room-level operations. The table is in-process only: the TTL and
// ownership-token semantics mirror what a Redis-backed lock would
// offer, so a distributed backend can replace it without changing
// callers, but no such backend ships today.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalfish/signalserver/internal/metrics"
)

// ErrNotAcquired is returned by Acquire when every retry attempt in
// the backoff policy is exhausted.
var ErrNotAcquired = errors.New("lock: could not acquire within retry budget")

// Handle is proof of ownership of a named lock, returned by
// TryAcquire/Acquire and required to Extend or Release it.
type Handle struct {
	Name       string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// Table is the named lock table. The zero value is not usable;
// construct with New.
type Table struct {
	mu      sync.Mutex
	entries map[string]lockEntry
}

// New constructs an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]lockEntry)}
}

// BackoffPolicy configures Acquire's retry loop.
type BackoffPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Cap         time.Duration
	Jitter      float64 // fraction of the computed delay to randomize, e.g. 0.2
}

// DefaultBackoff is the retry policy used for room-level lock
// acquisition: at most 10 attempts, starting at 100ms, backing off
// ×1.5 per attempt up to a 5s cap, with 20% jitter.
var DefaultBackoff = BackoffPolicy{
	MaxAttempts: 10,
	Initial:     100 * time.Millisecond,
	Multiplier:  1.5,
	Cap:         5 * time.Second,
	Jitter:      0.2,
}

// TryAcquire makes a single attempt to acquire name for ttl. It trims
// the entry if expired, then fails if name is still held.
func (t *Table) TryAcquire(name string, ttl time.Duration) (Handle, bool) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[name]; ok && e.expiresAt.After(now) {
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return Handle{}, false
	}

	token := uuid.NewString()
	t.entries[name] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()

	return Handle{Name: name, Token: token, AcquiredAt: now, TTL: ttl}, true
}

// Acquire retries TryAcquire under policy until it succeeds, ctx is
// cancelled, or the attempt budget is exhausted.
func (t *Table) Acquire(ctx context.Context, name string, ttl time.Duration, policy BackoffPolicy) (Handle, error) {
	delay := policy.Initial

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if h, ok := t.TryAcquire(name, ttl); ok {
			return h, nil
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		sleep := jittered(delay, policy.Jitter)
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.Cap {
			delay = policy.Cap
		}
	}

	return Handle{}, ErrNotAcquired
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}

// Extend updates name's expiry to now+ttl, iff the stored token
// matches handle.Token.
func (t *Table) Extend(handle Handle, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[handle.Name]
	if !ok || e.token != handle.Token {
		return false
	}
	e.expiresAt = time.Now().Add(ttl)
	t.entries[handle.Name] = e
	return true
}

// Release removes name's entry, iff the stored token matches
// handle.Token.
func (t *Table) Release(handle Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[handle.Name]
	if !ok || e.token != handle.Token {
		return false
	}
	delete(t.entries, handle.Name)
	return true
}

// IsLocked reports whether name currently has a live, unexpired
// entry.
func (t *Table) IsLocked(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	return ok && e.expiresAt.After(time.Now())
}

// Cleanup removes expired entries and reports how many were removed.
func (t *Table) Cleanup() int {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for name, e := range t.entries {
		if !e.expiresAt.After(now) {
			delete(t.entries, name)
			removed++
		}
	}
	return removed
}

// HeldLockCount reports the number of entries currently tracked,
// expired or not, for diagnostics. Satisfies internal/health.LockStats.
func (t *Table) HeldLockCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// WithLock acquires name, runs fn, and releases it afterward,
// regardless of fn's outcome.
func (t *Table) WithLock(ctx context.Context, name string, ttl time.Duration, policy BackoffPolicy, fn func() error) error {
	h, err := t.Acquire(ctx, name, ttl, policy)
	if err != nil {
		return err
	}
	defer t.Release(h)
	return fn()
}
