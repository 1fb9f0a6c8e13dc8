// Package ratelimit implements the server's sliding-window admission
// counter, keyed per application, per-player room-creation, and
// per-player join-attempt. The contract is exact, not approximate: a
// check at time T admits iff strictly fewer than limit requests were
// accepted in [T-window, T], and a rejected request leaves no trace
// in the window. GCRA/token-bucket libraries (github.com/ulule/
// limiter/v3, which guards the HTTP upgrade path in
// internal/httpmiddleware) only approximate that, so this counter is
// hand-rolled over per-key timestamp slices.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/signalfish/signalserver/internal/metrics"
)

// entry is the per-key sliding window: an ordered sequence of request
// timestamps, mutated exclusively under its own mutex so distinct
// keys never contend.
type entry struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// Limiter is a sliding-window request counter keyed by an arbitrary
// string. The zero value is not usable; construct with New.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	scope   string // metrics label, e.g. "app", "room_creation", "join_attempt"
}

// New constructs a Limiter. scope labels rejections reported to
// metrics.RateLimitExceeded.
func New(scope string) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		scope:   scope,
	}
}

// Check enforces a limit of at most limit requests in the trailing
// window for key. A limit of zero rejects unconditionally without
// touching the key's sequence. On acceptance, now is appended to the
// key's window; on rejection nothing is appended.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) bool {
	return l.checkAt(key, limit, window, time.Now())
}

func (l *Limiter) checkAt(key string, limit int, window time.Duration, now time.Time) bool {
	if limit <= 0 {
		metrics.RateLimitExceeded.WithLabelValues(l.scope).Inc()
		return false
	}

	e := l.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-window)
	e.timestamps = trim(e.timestamps, cutoff)

	if len(e.timestamps) >= limit {
		metrics.RateLimitExceeded.WithLabelValues(l.scope).Inc()
		return false
	}

	e.timestamps = append(e.timestamps, now)
	return true
}

func (l *Limiter) entryFor(key string) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// trim drops timestamps strictly before cutoff, keeping the slice
// ordered (entries are always appended in increasing time order).
func trim(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && timestamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append(timestamps[:0:0], timestamps[i:]...)
}

// Cleanup trims every key against window and removes keys left with
// an empty sequence, returning the number of keys removed. Intended
// to be called periodically by the cleanup sweep.
func (l *Limiter) Cleanup(window time.Duration) int {
	now := time.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		e.mu.Lock()
		e.timestamps = trim(e.timestamps, cutoff)
		empty := len(e.timestamps) == 0
		e.mu.Unlock()
		if empty {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// KeyCount reports the number of keys currently tracked, for
// diagnostics.
func (l *Limiter) KeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
