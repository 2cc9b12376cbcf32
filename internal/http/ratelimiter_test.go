package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterBlocksAndRecovers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("limiter blocked inside the budget")
	}
	if limiter.Allow() {
		t.Fatal("limiter allowed a third event inside the window")
	}
	now = now.Add(61 * time.Second)
	if !limiter.Allow() {
		t.Fatal("limiter still blocked after the window expired")
	}
}

func TestSlidingWindowLimiterDisabledConfigurations(t *testing.T) {
	var nilLimiter *SlidingWindowLimiter
	if !nilLimiter.Allow() {
		t.Fatal("nil limiter blocked")
	}
	if !NewSlidingWindowLimiter(0, 5, nil).Allow() {
		t.Fatal("zero window limiter blocked")
	}
	if !NewSlidingWindowLimiter(time.Minute, 0, nil).Allow() {
		t.Fatal("zero limit limiter blocked")
	}
}
