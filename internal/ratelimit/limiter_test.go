package ratelimit

import (
	"context"
	"testing"
	"time"

	"abrahamoflondon.org/internal/record"
)

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func TestCheckCountsWithinWindow(t *testing.T) {
	now, _ := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l := New(WithClock(now))
	rule := Rule{Window: time.Minute, Max: 3}

	for i := 0; i < 3; i++ {
		res := l.Check("k", rule, true)
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if res.Remaining != 3-(i+1) {
			t.Fatalf("call %d remaining=%d", i+1, res.Remaining)
		}
	}
	res := l.Check("k", rule, true)
	if res.Allowed {
		t.Fatal("4th call should be denied")
	}
	if res.Blocked {
		t.Fatal("no block configured, bucket must not be blocked")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after: %v", res.RetryAfter)
	}
}

func TestWindowResets(t *testing.T) {
	now, advance := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l := New(WithClock(now))
	rule := Rule{Window: time.Minute, Max: 1}

	if res := l.Check("k", rule, true); !res.Allowed {
		t.Fatal("first call should pass")
	}
	if res := l.Check("k", rule, true); res.Allowed {
		t.Fatal("second call should be denied")
	}
	advance(61 * time.Second)
	if res := l.Check("k", rule, true); !res.Allowed {
		t.Fatal("call after window reset should pass")
	}
}

func TestBlockOutlivesWindow(t *testing.T) {
	now, advance := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l := New(WithClock(now))
	rule := Rule{Window: time.Minute, Max: 3, Block: 5 * time.Minute}

	for i := 0; i < 3; i++ {
		l.Check("k", rule, true)
	}
	res := l.Check("k", rule, true)
	if res.Allowed || !res.Blocked {
		t.Fatalf("4th call should trigger block: %+v", res)
	}
	if got := res.RetryAfter; got != 5*time.Minute {
		t.Fatalf("retry-after should be the block duration, got %v", got)
	}

	// Past the window boundary but inside the block.
	advance(2 * time.Minute)
	res = l.Check("k", rule, true)
	if res.Allowed || !res.Blocked {
		t.Fatalf("blocked bucket must deny across window boundaries: %+v", res)
	}
	if res.RetryAfter != 3*time.Minute {
		t.Fatalf("unexpected remaining block: %v", res.RetryAfter)
	}

	// After the block elapses the bucket starts a fresh window.
	advance(3*time.Minute + time.Second)
	res = l.Check("k", rule, true)
	if !res.Allowed {
		t.Fatalf("call after block expiry should pass: %+v", res)
	}
}

func TestPeekDoesNotIncrement(t *testing.T) {
	now, _ := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l := New(WithClock(now))
	rule := Rule{Window: time.Minute, Max: 2}

	for i := 0; i < 5; i++ {
		if res := l.Check("k", rule, false); !res.Allowed || res.Remaining != 2 {
			t.Fatalf("peek %d should not consume budget: %+v", i, res)
		}
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	now, _ := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l := New(WithClock(now))
	rule := Rule{Window: time.Minute, Max: 1}

	if res := l.Check("a", rule, true); !res.Allowed {
		t.Fatal("bucket a first call should pass")
	}
	if res := l.Check("a", rule, true); res.Allowed {
		t.Fatal("bucket a second call should be denied")
	}
	if res := l.Check("b", rule, true); !res.Allowed {
		t.Fatal("bucket b must be unaffected by bucket a")
	}
}

func TestSweepKeepsBlockedBuckets(t *testing.T) {
	now, advance := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l := New(WithClock(now))
	rule := Rule{Window: time.Minute, Max: 0, Block: 10 * time.Minute}

	l.Check("blocked", rule, true)
	l.Check("idle", Rule{Window: time.Minute, Max: 5}, true)

	advance(2 * time.Minute)
	evicted := l.Sweep()
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	// Blocked bucket must still deny after the sweep.
	if res := l.Check("blocked", rule, true); res.Allowed || !res.Blocked {
		t.Fatalf("blocked bucket should survive sweep: %+v", res)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemory()
	now, _ := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rule := Rule{Window: time.Minute, Max: 0, Block: 10 * time.Minute}

	l := New(WithClock(now), WithStore(store))
	l.Check("hot", rule, true)
	if err := l.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := New(WithClock(now), WithStore(store))
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	res := restored.Check("hot", rule, true)
	if res.Allowed || !res.Blocked {
		t.Fatalf("restored limiter should keep the block: %+v", res)
	}
}

func TestKeyDerivationAnonymizesAddresses(t *testing.T) {
	cases := map[string]string{
		"203.0.113.77":        "ip:203.0.113.0",
		"203.0.113.77:49152":  "ip:203.0.113.0",
		"2001:db8:abcd:12::1": "ip:2001:db8:abcd::",
		"not-an-address":      "ip:unknown",
		"":                    "ip:unknown",
	}
	for input, want := range cases {
		if got := ByAddress(input); got != want {
			t.Fatalf("ByAddress(%q)=%q, want %q", input, got, want)
		}
	}

	if got := ByEmail("  User@Example.COM "); got != "email:user@example.com" {
		t.Fatalf("ByEmail normalization broken: %q", got)
	}
	if got := ByEndpoint("/v1/keys/redeem", "203.0.113.77"); got != "ep:/v1/keys/redeem:203.0.113.0" {
		t.Fatalf("ByEndpoint composite broken: %q", got)
	}
	if got := ByIdentity(" member-1 "); got != "id:member-1" {
		t.Fatalf("ByIdentity broken: %q", got)
	}
}
