package chat

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d must be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatal("fourth event within window must be denied")
	}

	// Old events expire as the window slides.
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("event after window must be allowed")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if !rl.Allow(time.Now()) {
		t.Fatal("limiter with defaults must allow the first event")
	}
}
