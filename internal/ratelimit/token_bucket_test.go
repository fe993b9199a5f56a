package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAllowConsumesCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("Allow %d = false, want true", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("Allow after capacity exhausted = true, want false")
	}
}

func TestRefillOverTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 2, 2)

	if !b.Allow(2) {
		t.Fatalf("initial Allow(2) = false")
	}
	if b.Allow(1) {
		t.Fatalf("Allow on empty bucket = true")
	}

	clock.advance(500 * time.Millisecond) // refills 1 token at 2/sec
	if !b.Allow(1) {
		t.Fatalf("Allow after partial refill = false")
	}
	if b.Allow(1) {
		t.Fatalf("Allow beyond refilled amount = true")
	}
}

func TestRefillClampsAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 2, 100)

	_ = b.Allow(2)
	clock.advance(time.Hour)

	if !b.Allow(2) {
		t.Fatalf("Allow(2) after long idle = false")
	}
	if b.Allow(1) {
		t.Fatalf("bucket exceeded capacity after long idle")
	}
}

func TestTimeGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 1, 1)

	_ = b.Allow(1)
	clock.now = time.Unix(500, 0)

	if b.Allow(1) {
		t.Fatalf("Allow refilled despite clock moving backwards")
	}
}

func TestNonPositiveCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("Allow(0) = false, want true")
	}
	if !b.Allow(-5) {
		t.Fatalf("Allow(-5) = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) on zero-capacity bucket = true")
	}
}
