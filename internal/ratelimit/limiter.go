// Package ratelimit implements the admission-control layer in front of the
// policy evaluator and key store: a fixed-window counter per opaque key,
// with escalating blocks that outlive the window that triggered them.
package ratelimit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/record"
)

const bucketKeyPrefix = "bucket/"

// Rule describes one limit: at most Max requests per Window. If Block is
// set, exceeding Max puts the bucket into a blocked state for that duration,
// past any natural window boundary.
type Rule struct {
	Window time.Duration
	Max    int
	Block  time.Duration
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	Blocked    bool
	RetryAfter time.Duration
}

type bucket struct {
	Count      int       `json:"count"`
	ResetAt    time.Time `json:"reset_at"`
	BlockUntil time.Time `json:"block_until,omitempty"`
}

// Limiter holds the bucket table. All bucket access goes through Check and
// Sweep; the mutex makes read-check-increment atomic per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	store   record.Store
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithStore enables snapshotting blocked buckets to durable storage so a
// restart does not lift active blocks.
func WithStore(store record.Store) Option {
	return func(l *Limiter) { l.store = store }
}

// New constructs an empty limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check applies rule to the bucket under key. When increment is true the
// request is counted; increment=false peeks at the current state.
func (l *Limiter) Check(key string, rule Rule, increment bool) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{ResetAt: now.Add(rule.Window)}
		l.buckets[key] = b
	}

	// A standing block wins over everything, including window resets.
	if !b.BlockUntil.IsZero() {
		if now.Before(b.BlockUntil) {
			return Result{
				Allowed:    false,
				Remaining:  0,
				ResetAt:    b.BlockUntil,
				Blocked:    true,
				RetryAfter: b.BlockUntil.Sub(now),
			}
		}
		b.BlockUntil = time.Time{}
		b.Count = 0
		b.ResetAt = now.Add(rule.Window)
	}

	if !now.Before(b.ResetAt) {
		b.Count = 0
		b.ResetAt = now.Add(rule.Window)
	}

	if increment {
		b.Count++
	}

	if b.Count > rule.Max {
		if rule.Block > 0 {
			b.BlockUntil = now.Add(rule.Block)
			return Result{
				Allowed:    false,
				Remaining:  0,
				ResetAt:    b.BlockUntil,
				Blocked:    true,
				RetryAfter: rule.Block,
			}
		}
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    b.ResetAt,
			RetryAfter: b.ResetAt.Sub(now),
		}
	}

	remaining := rule.Max - b.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: b.ResetAt}
}

// Sweep evicts buckets whose window has expired and which are not blocked,
// bounding memory. Returns the number evicted.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if !b.BlockUntil.IsZero() && now.Before(b.BlockUntil) {
			continue
		}
		if now.Before(b.ResetAt) {
			continue
		}
		delete(l.buckets, key)
		evicted++
	}
	return evicted
}

// Snapshot persists currently blocked buckets so the block survives a
// restart. Expired entries are deleted. No-op without a store.
func (l *Limiter) Snapshot(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	blocked := make(map[string]bucket)
	for key, b := range l.buckets {
		if !b.BlockUntil.IsZero() && now.Before(b.BlockUntil) {
			blocked[key] = *b
		}
	}
	l.mu.Unlock()

	for key, b := range blocked {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := l.store.Put(ctx, bucketKeyPrefix+key, data); err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "rate bucket snapshot failed",
				"key":   key,
				"error": err.Error(),
			})
			return err
		}
	}
	return nil
}

// Restore loads persisted blocked buckets, dropping any whose block has
// already elapsed.
func (l *Limiter) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	records, err := l.store.ListByPrefix(ctx, bucketKeyPrefix)
	if err != nil {
		return err
	}
	now := l.now()

	for _, rec := range records {
		var b bucket
		if err := json.Unmarshal(rec.Value, &b); err != nil {
			continue
		}
		key := strings.TrimPrefix(rec.Key, bucketKeyPrefix)
		if b.BlockUntil.IsZero() || !now.Before(b.BlockUntil) {
			_ = l.store.Delete(ctx, rec.Key)
			continue
		}
		l.mu.Lock()
		l.buckets[key] = &b
		l.mu.Unlock()
	}
	return nil
}
