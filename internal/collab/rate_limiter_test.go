package collab

import (
	"testing"
	"time"
)

func TestRateLimiterBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d within budget was denied", i)
		}
	}
	if rl.Allow(now.Add(3 * time.Second)) {
		t.Fatalf("event over budget was admitted")
	}
	if got := rl.Remaining(now.Add(3 * time.Second)); got != 0 {
		t.Fatalf("remaining=%d want=0", got)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)

	if !rl.Allow(now) || !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("initial events denied")
	}
	if rl.Allow(now.Add(2 * time.Second)) {
		t.Fatalf("expected denial inside the window")
	}

	// The first stamp ages out; one slot opens.
	later := now.Add(time.Minute + time.Millisecond)
	if got := rl.Remaining(later); got != 1 {
		t.Fatalf("remaining after slide=%d want=1", got)
	}
	if !rl.Allow(later) {
		t.Fatalf("expected admission after the window slid")
	}
	if rl.Allow(later) {
		t.Fatalf("budget must be exhausted again")
	}
}

func TestRateLimiterInvalidInputsFallBack(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults not applied: limit=%d window=%v", rl.limit, rl.window)
	}
}
