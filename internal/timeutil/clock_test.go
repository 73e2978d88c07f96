package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_After(t *testing.T) {
	select {
	case <-RealClock{}.After(10 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestMicros(t *testing.T) {
	ts := time.Unix(100, 250_000)
	if got := Micros(ts); got != 100_000_250 {
		t.Errorf("Micros() = %d, want 100000250", got)
	}
	if got := Micros(time.Unix(-1, 0)); got != 0 {
		t.Errorf("Micros(pre-epoch) = %d, want 0", got)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(time.Second)
	if c.Waiters() != 1 {
		t.Fatalf("Waiters() = %d, want 1", c.Waiters())
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Errorf("fired with %v", got)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if c.Waiters() != 0 {
		t.Errorf("Waiters() = %d after firing", c.Waiters())
	}
}

func TestMockClock_SetAndImmediateAfter(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	target := time.Unix(42, 0)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Errorf("Now() = %v, want %v", c.Now(), target)
	}

	select {
	case <-c.After(0):
	default:
		t.Error("After(0) should fire immediately")
	}
}
