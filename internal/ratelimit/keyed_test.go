package ratelimit

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock                   { return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestKeyed_limits_each_key(t *testing.T) {
	c := newClock()
	l := New[int64](1, 2, WithClock(c.now))

	for i := 0; i < 2; i++ {
		if !l.Allow(7) {
			t.Fatalf("Allow(7) #%d = false within burst", i)
		}
	}
	if l.Allow(7) {
		t.Error("Allow(7) = true after burst exhausted")
	}
	if !l.Allow(8) {
		t.Error("Allow(8) = false; keys must not share a bucket")
	}

	c.advance(time.Second)
	if !l.Allow(7) {
		t.Error("Allow(7) = false after refill")
	}
}

func TestKeyed_zero_burst_is_raised(t *testing.T) {
	l := New[string](1, 0)
	if !l.Allow("relay") {
		t.Error("Allow() = false with burst 0, want first event admitted")
	}
}

func TestKeyed_sweeps_idle_keys(t *testing.T) {
	c := newClock()
	l := New[int64](1, 1, WithClock(c.now), WithMaxKeys(3), WithIdle(time.Minute))

	l.Allow(1)
	l.Allow(2)
	c.advance(2 * time.Minute)
	l.Allow(3)
	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 before the table is full", l.Len())
	}

	// The fourth key finds the table full and sweeps 1 and 2.
	l.Allow(4)
	if l.Len() != 2 {
		t.Errorf("Len() after sweep = %d, want 2", l.Len())
	}
}

func TestKeyed_keeps_active_keys(t *testing.T) {
	c := newClock()
	l := New[int64](1, 1, WithClock(c.now), WithMaxKeys(2), WithIdle(time.Minute))

	l.Allow(1)
	l.Allow(2)
	c.advance(30 * time.Second)
	l.Allow(3)
	if l.Len() != 3 {
		t.Errorf("Len() = %d, want 3; recent keys must survive a sweep", l.Len())
	}
}
