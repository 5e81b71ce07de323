package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiterBurst(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(1, 3, clock.Now)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Request %d should be allowed within burst", i)
		}
	}
	if l.Allow() {
		t.Error("Request beyond burst should be rejected")
	}
}

func TestLimiterRefill(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(2, 2, clock.Now)

	l.AllowN(2)
	if l.Allow() {
		t.Fatal("Bucket should be empty")
	}

	clock.Advance(500 * time.Millisecond)
	if !l.Allow() {
		t.Error("Half a second at 2/s should refill one token")
	}
	if l.Allow() {
		t.Error("Only one token should have been refilled")
	}

	clock.Advance(time.Hour)
	if !l.AllowN(2) {
		t.Error("Refill should be capped at burst and allow 2")
	}
	if l.Allow() {
		t.Error("Refill must not exceed burst")
	}
}

func TestLimiterAllowNTooLarge(t *testing.T) {
	l := newLimiter(10, 5, newFakeClock().Now)

	if l.AllowN(6) {
		t.Error("AllowN larger than burst should never succeed")
	}
	if !l.AllowN(5) {
		t.Error("Failed AllowN should not consume tokens")
	}
}

func TestClientLimitersIsolation(t *testing.T) {
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()

	if !cl.Allow("10.0.0.1") {
		t.Fatal("First request from a client should be allowed")
	}
	if cl.Allow("10.0.0.1") {
		t.Error("Second request from the same client should be rejected")
	}
	if !cl.Allow("10.0.0.2") {
		t.Error("Other clients should have their own bucket")
	}

	if cl.Get("10.0.0.1") != cl.Get("10.0.0.1") {
		t.Error("Get should return the same limiter for the same key")
	}
	if cl.Len() != 2 {
		t.Errorf("Expected 2 limiters, got %d", cl.Len())
	}

	cl.Remove("10.0.0.1")
	if cl.Len() != 1 {
		t.Errorf("Expected 1 limiter after remove, got %d", cl.Len())
	}
}

func TestClientLimitersPrune(t *testing.T) {
	clock := newFakeClock()
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()
	cl.now = clock.Now

	cl.Allow("old")
	clock.Advance(cl.idleAfter)
	cl.Allow("fresh")

	if pruned := cl.prune(); pruned != 1 {
		t.Errorf("Expected 1 pruned limiter, got %d", pruned)
	}
	if cl.Len() != 1 {
		t.Errorf("Expected 1 remaining limiter, got %d", cl.Len())
	}
}

func TestClientLimitersStopTwice(t *testing.T) {
	cl := NewClientLimiters(1, 1)
	cl.Stop()
	cl.Stop()
}
